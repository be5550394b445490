package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"wick_core/agent"
)

const (
	defaultWebTimeout  = 30 * time.Second
	defaultWebMaxChars = 50_000
	maxWebBody         = 4 << 20
	webUserAgent       = "Mozilla/5.0 (compatible; wick/1.0)"

	defaultTavilyURL = "https://api.tavily.com"
	defaultArxivURL  = "https://export.arxiv.org/api/query"
)

const webPrompt = `## Web

- http_request: call an HTTP API and get the status, headers and body
- fetch_url: fetch a web page as markdown
- arxiv_search: search arXiv for papers`

const webSearchPrompt = `- web_search: search the web for current information; cite the sources you use`

// WebHook contributes tools that reach the network: http_request, fetch_url,
// arxiv_search, and web_search when a Tavily key is configured.
type WebHook struct {
	agent.BaseHook
	client    *http.Client
	timeout   time.Duration
	maxChars  int
	tavilyKey string
	tavilyURL string
	arxivURL  string
	logger    *zap.Logger
	tools     []agent.Tool
}

// WebOption configures a WebHook.
type WebOption func(*WebHook)

// WithHTTPClient sets the client used for every request.
func WithHTTPClient(c *http.Client) WebOption {
	return func(h *WebHook) { h.client = c }
}

// WithTavilyURL points web_search at another Tavily-compatible endpoint.
func WithTavilyURL(u string) WebOption {
	return func(h *WebHook) { h.tavilyURL = strings.TrimRight(u, "/") }
}

// WithArxivURL points arxiv_search at another arXiv API endpoint.
func WithArxivURL(u string) WebOption {
	return func(h *WebHook) { h.arxivURL = u }
}

func WithWebLogger(l *zap.Logger) WebOption {
	return func(h *WebHook) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewWebHook creates the web tools from cfg.
func NewWebHook(cfg agent.WebConfig, opts ...WebOption) *WebHook {
	h := &WebHook{
		client:    &http.Client{},
		timeout:   cfg.Timeout,
		maxChars:  cfg.MaxChars,
		tavilyKey: cfg.TavilyAPIKey,
		tavilyURL: defaultTavilyURL,
		arxivURL:  defaultArxivURL,
		logger:    zap.NewNop(),
	}
	if h.timeout <= 0 {
		h.timeout = defaultWebTimeout
	}
	if h.maxChars <= 0 {
		h.maxChars = defaultWebMaxChars
	}
	for _, o := range opts {
		o(h)
	}
	h.logger = h.logger.Named("web")
	h.tools = h.buildTools()
	return h
}

func (h *WebHook) Name() string { return agent.MiddlewareWeb }

func (h *WebHook) Tools() []agent.Tool { return h.tools }

func (h *WebHook) SystemPrompt() string {
	if h.tavilyKey != "" {
		return webPrompt + "\n" + webSearchPrompt
	}
	return webPrompt
}

func (h *WebHook) buildTools() []agent.Tool {
	timeoutParam := map[string]any{"type": "integer", "description": fmt.Sprintf("Timeout in seconds (default %d)", int(h.timeout.Seconds()))}
	tools := []agent.Tool{
		&agent.FuncTool{
			ToolName: "http_request",
			ToolDesc: "Make an HTTP request to an API or web service. Returns the status code, response headers and body (parsed when JSON).",
			ToolParams: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url":     map[string]any{"type": "string", "description": "Target URL (http or https)"},
					"method":  map[string]any{"type": "string", "description": "HTTP method (default GET)"},
					"headers": map[string]any{"type": "object", "description": "Request headers", "additionalProperties": map[string]any{"type": "string"}},
					"params":  map[string]any{"type": "object", "description": "URL query parameters", "additionalProperties": map[string]any{"type": "string"}},
					"data":    map[string]any{"description": "Request body: a string is sent as is, an object as JSON"},
					"timeout": timeoutParam,
				},
				"required": []string{"url"},
			},
			Fn: h.httpRequest,
		},
		&agent.FuncTool{
			ToolName: "fetch_url",
			ToolDesc: "Fetch a web page and convert its HTML to markdown.",
			ToolParams: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url":     map[string]any{"type": "string", "description": "URL to fetch (http or https)"},
					"timeout": timeoutParam,
				},
				"required": []string{"url"},
			},
			Fn: h.fetchURL,
		},
		&agent.FuncTool{
			ToolName: "arxiv_search",
			ToolDesc: "Search arXiv for research papers. Returns titles, authors, dates, abstracts and arXiv IDs.",
			ToolParams: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":      map[string]any{"type": "string", "description": "Search query"},
					"max_papers": map[string]any{"type": "integer", "description": "Maximum papers to return (default 5, max 50)"},
				},
				"required": []string{"query"},
			},
			Fn: h.arxivSearch,
		},
	}
	if h.tavilyKey != "" {
		tools = append(tools, &agent.FuncTool{
			ToolName: "web_search",
			ToolDesc: "Search the web. Returns titles, URLs and relevant excerpts.",
			ToolParams: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":               map[string]any{"type": "string", "description": "Search query, specific and detailed"},
					"max_results":         map[string]any{"type": "integer", "description": "Number of results (default 5)"},
					"topic":               map[string]any{"type": "string", "enum": []string{"general", "news", "finance"}, "description": "Search topic (default general)"},
					"include_raw_content": map[string]any{"type": "boolean", "description": "Include full page content"},
				},
				"required": []string{"query"},
			},
			Fn: h.webSearch,
		})
	}
	return tools
}

// urlArg reads and checks an http(s) URL argument.
func urlArg(args map[string]any, name string) (*url.URL, error) {
	raw, err := agent.StringArg(args, name, true)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, agent.Invalidf("%s: %v", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, agent.Invalidf("%s: only http and https URLs are supported", name)
	}
	if u.Host == "" {
		return nil, agent.Invalidf("%s: missing host", name)
	}
	return u, nil
}

func stringMapArg(args map[string]any, name string) (map[string]string, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, agent.Invalidf("%s must be an object, got %T", name, v)
	}
	out := make(map[string]string, len(m))
	for k, x := range m {
		switch x := x.(type) {
		case string:
			out[k] = x
		case float64, bool:
			out[k] = fmt.Sprint(x)
		default:
			return nil, agent.Invalidf("%s.%s must be a string, got %T", name, k, x)
		}
	}
	return out, nil
}

func (h *WebHook) callTimeout(args map[string]any) (time.Duration, error) {
	secs, err := agent.IntArg(args, "timeout", 0)
	if err != nil || secs == 0 {
		return h.timeout, err
	}
	return time.Duration(secs) * time.Second, nil
}

// do sends req and reads at most maxWebBody bytes of the body.
func (h *WebHook) do(req *http.Request) (*http.Response, []byte, error) {
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebBody))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, body, nil
}

func (h *WebHook) clip(s string) string {
	if len(s) <= h.maxChars {
		return s
	}
	return headRunes(s, h.maxChars) + fmt.Sprintf("\n\n... [truncated at %d chars]", h.maxChars)
}

type httpRequestResult struct {
	Success    bool              `json:"success"`
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Content    any               `json:"content"`
	URL        string            `json:"url"`
}

// httpRequest reports transport failures in the result, with status 0,
// so the model can retry or change course.
func (h *WebHook) httpRequest(ctx context.Context, args map[string]any) (string, error) {
	u, err := urlArg(args, "url")
	if err != nil {
		return "", err
	}
	method, err := agent.StringArg(args, "method", false)
	if err != nil {
		return "", err
	}
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)
	headers, err := stringMapArg(args, "headers")
	if err != nil {
		return "", err
	}
	params, err := stringMapArg(args, "params")
	if err != nil {
		return "", err
	}
	timeout, err := h.callTimeout(args)
	if err != nil {
		return "", err
	}

	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	contentType := ""
	switch data := args["data"].(type) {
	case nil:
	case string:
		body = strings.NewReader(data)
	default:
		payload, err := json.Marshal(data)
		if err != nil {
			return "", agent.Invalidf("data is not JSON encodable: %v", err)
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return "", agent.Invalidf("%v", err)
	}
	req.Header.Set("User-Agent", webUserAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	out := httpRequestResult{Headers: map[string]string{}, URL: u.String()}
	resp, raw, err := h.do(req)
	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		out.Content = fmt.Sprintf("Request timed out after %s", timeout)
	case err != nil:
		out.Content = fmt.Sprintf("Request error: %v", err)
	default:
		out.Success = resp.StatusCode < 400
		out.StatusCode = resp.StatusCode
		out.URL = resp.Request.URL.String()
		for k := range resp.Header {
			out.Headers[k] = resp.Header.Get(k)
		}
		var parsed any
		if json.Valid(raw) && json.Unmarshal(raw, &parsed) == nil {
			out.Content = parsed
		} else {
			out.Content = h.clip(string(raw))
		}
	}
	h.logger.Debug("http_request", zap.String("method", method), zap.String("url", out.URL), zap.Int("status", out.StatusCode))
	data, _ := json.Marshal(out)
	return string(data), nil
}

type fetchResult struct {
	URL             string `json:"url"`
	MarkdownContent string `json:"markdown_content"`
	StatusCode      int    `json:"status_code"`
	ContentLength   int    `json:"content_length"`
}

func (h *WebHook) fetchURL(ctx context.Context, args map[string]any) (string, error) {
	u, err := urlArg(args, "url")
	if err != nil {
		return "", err
	}
	timeout, err := h.callTimeout(args)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", agent.Invalidf("%v", err)
	}
	req.Header.Set("User-Agent", webUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, body, err := h.do(req)
	if err != nil {
		return "", agent.NewToolError(agent.KindToolFault, "fetch %s: %v", u, err)
	}
	if resp.StatusCode >= 400 {
		return "", agent.NewToolError(agent.KindToolFault, "fetch %s: HTTP %d", u, resp.StatusCode)
	}

	content := string(body)
	ct := resp.Header.Get("Content-Type")
	if ct == "" || strings.Contains(ct, "html") {
		if content, err = htmlToMarkdown(content, resp.Request.URL); err != nil {
			return "", agent.NewToolError(agent.KindToolFault, "fetch %s: %v", u, err)
		}
	}
	content = h.clip(content)
	data, _ := json.Marshal(fetchResult{
		URL:             resp.Request.URL.String(),
		MarkdownContent: content,
		StatusCode:      resp.StatusCode,
		ContentLength:   len(content),
	})
	return string(data), nil
}

func (h *WebHook) webSearch(ctx context.Context, args map[string]any) (string, error) {
	query, err := agent.StringArg(args, "query", true)
	if err != nil {
		return "", err
	}
	maxResults, err := agent.IntArg(args, "max_results", 5)
	if err != nil {
		return "", err
	}
	topic, err := agent.StringArg(args, "topic", false)
	if err != nil {
		return "", err
	}
	switch topic {
	case "":
		topic = "general"
	case "general", "news", "finance":
	default:
		return "", agent.Invalidf("topic must be general, news or finance")
	}
	raw, err := agent.BoolArg(args, "include_raw_content")
	if err != nil {
		return "", err
	}

	payload, _ := json.Marshal(map[string]any{
		"api_key":             h.tavilyKey,
		"query":               query,
		"max_results":         maxResults,
		"topic":               topic,
		"include_raw_content": raw,
	})
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.tavilyURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("web_search: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, body, err := h.do(req)
	if err != nil {
		return "", agent.NewToolError(agent.KindToolFault, "web search: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", agent.NewToolError(agent.KindToolFault, "web search returned %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(body)), 500))
	}
	var out struct {
		Query   string `json:"query"`
		Results []struct {
			Title      string  `json:"title"`
			URL        string  `json:"url"`
			Content    string  `json:"content"`
			Score      float64 `json:"score"`
			RawContent string  `json:"raw_content,omitempty"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", agent.NewToolError(agent.KindToolFault, "web search returned malformed JSON: %v", err)
	}
	if out.Query == "" {
		out.Query = query
	}
	for i := range out.Results {
		out.Results[i].RawContent = h.clip(out.Results[i].RawContent)
	}
	data, _ := json.Marshal(out)
	return string(data), nil
}

// arXiv answers with an Atom feed.
type arxivFeed struct {
	Entries []struct {
		ID        string `xml:"id"`
		Title     string `xml:"title"`
		Summary   string `xml:"summary"`
		Published string `xml:"published"`
		Authors   []struct {
			Name string `xml:"name"`
		} `xml:"author"`
	} `xml:"entry"`
}

type arxivPaper struct {
	Title     string   `json:"title"`
	Authors   []string `json:"authors"`
	Published string   `json:"published"`
	Summary   string   `json:"summary"`
	ArxivID   string   `json:"arxiv_id"`
	URL       string   `json:"url"`
}

func (h *WebHook) arxivSearch(ctx context.Context, args map[string]any) (string, error) {
	query, err := agent.StringArg(args, "query", true)
	if err != nil {
		return "", err
	}
	n, err := agent.IntArg(args, "max_papers", 5)
	if err != nil {
		return "", err
	}
	n = min(max(n, 1), 50)

	q := url.Values{}
	q.Set("search_query", "all:"+query)
	q.Set("start", "0")
	q.Set("max_results", fmt.Sprint(n))
	q.Set("sortBy", "relevance")

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.arxivURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("arxiv_search: %w", err)
	}
	req.Header.Set("User-Agent", webUserAgent)

	resp, body, err := h.do(req)
	if err != nil {
		return "", agent.NewToolError(agent.KindToolFault, "arXiv search: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", agent.NewToolError(agent.KindToolFault, "arXiv search returned %d", resp.StatusCode)
	}
	var feed arxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return "", agent.NewToolError(agent.KindToolFault, "arXiv search returned malformed XML: %v", err)
	}

	papers := []arxivPaper{}
	for _, e := range feed.Entries {
		id := e.ID
		if i := strings.Index(id, "/abs/"); i >= 0 {
			id = id[i+len("/abs/"):]
		}
		p := arxivPaper{
			Title:     strings.Join(strings.Fields(e.Title), " "),
			Published: e.Published,
			Summary:   strings.Join(strings.Fields(e.Summary), " "),
			ArxivID:   id,
			URL:       "https://arxiv.org/abs/" + id,
		}
		for _, a := range e.Authors {
			p.Authors = append(p.Authors, a.Name)
		}
		papers = append(papers, p)
	}
	data, _ := json.Marshal(map[string]any{
		"success":     true,
		"papers":      papers,
		"query":       query,
		"total_found": len(papers),
	})
	return string(data), nil
}
