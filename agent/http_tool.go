package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPToolSpec declares a tool served by a remote endpoint.
type HTTPToolSpec struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	URL         string         `yaml:"url" json:"url"`
	Parameters  map[string]any `yaml:"parameters" json:"parameters,omitempty"`
	Timeout     time.Duration  `yaml:"timeout" json:"timeout,omitempty"`
}

// HTTPTool implements Tool by POSTing {"name","args"} to a remote endpoint,
// which answers {"result"} or {"error","kind"}.
type HTTPTool struct {
	spec   HTTPToolSpec
	client *http.Client
}

// NewHTTPTool creates an HTTP-backed tool. A zero timeout means two minutes.
func NewHTTPTool(spec HTTPToolSpec) (*HTTPTool, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("http tool: name is required")
	}
	if !strings.HasPrefix(spec.URL, "http://") && !strings.HasPrefix(spec.URL, "https://") {
		return nil, fmt.Errorf("http tool %q: url must be http or https, got %q", spec.Name, spec.URL)
	}
	if spec.Timeout <= 0 {
		spec.Timeout = 2 * time.Minute
	}
	return &HTTPTool{spec: spec, client: &http.Client{Timeout: spec.Timeout}}, nil
}

func (t *HTTPTool) Name() string        { return t.spec.Name }
func (t *HTTPTool) Description() string { return t.spec.Description }
func (t *HTTPTool) Parameters() map[string]any {
	if t.spec.Parameters == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return t.spec.Parameters
}

func (t *HTTPTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	payload, err := json.Marshal(map[string]any{"name": t.spec.Name, "args": args})
	if err != nil {
		return "", Invalidf("arguments are not JSON encodable: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.spec.URL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("http tool %s: %w", t.spec.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http tool %s: %w", t.spec.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("http tool %s: read response: %w", t.spec.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", NewToolError(KindToolFault, "%s returned %d: %s", t.spec.Name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		Result string `json:"result"`
		Error  string `json:"error"`
		Kind   string `json:"kind"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", NewToolError(KindToolFault, "%s returned malformed JSON: %v", t.spec.Name, err)
	}
	if result.Error != "" {
		kind := result.Kind
		if kind == "" {
			kind = KindToolFault
		}
		return "", NewToolError(kind, "%s", result.Error)
	}
	return result.Result, nil
}
