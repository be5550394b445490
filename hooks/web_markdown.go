package hooks

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	blankLines  = regexp.MustCompile(`\n{3,}`)
	inlineSpace = regexp.MustCompile(`[ \t]+`)
)

// htmlToMarkdown renders the readable part of an HTML page as markdown.
// Links and images are resolved against base.
func htmlToMarkdown(page string, base *url.URL) (string, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("parse HTML: %w", err)
	}
	w := &mdWriter{base: base}
	w.node(doc)
	return w.String(), nil
}

type mdWriter struct {
	sb    strings.Builder
	base  *url.URL
	pre   int
	lists []listState
}

type listState struct {
	ordered bool
	n       int
}

func (w *mdWriter) String() string {
	lines := strings.Split(w.sb.String(), "\n")
	inFence := false
	for i, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "```") {
			inFence = !inFence
			lines[i] = strings.TrimSpace(l)
			continue
		}
		if !inFence {
			lines[i] = strings.TrimRight(inlineSpace.ReplaceAllString(l, " "), " ")
		}
	}
	out := strings.Join(lines, "\n")
	return strings.TrimSpace(blankLines.ReplaceAllString(out, "\n\n"))
}

func (w *mdWriter) block() { w.sb.WriteString("\n\n") }

func (w *mdWriter) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.node(c)
	}
}

func (w *mdWriter) resolve(ref string) string {
	if w.base == nil {
		return ref
	}
	u, err := w.base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func (w *mdWriter) node(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if w.pre > 0 {
			w.sb.WriteString(n.Data)
			return
		}
		w.sb.WriteString(strings.ReplaceAll(n.Data, "\n", " "))
		return
	case html.DocumentNode:
		w.children(n)
		return
	case html.ElementNode:
	default:
		return
	}

	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Iframe, atom.Svg,
		atom.Nav, atom.Footer, atom.Form, atom.Button, atom.Head:
		return
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level := int(n.Data[1] - '0')
		w.block()
		w.sb.WriteString(strings.Repeat("#", level) + " ")
		w.children(n)
		w.block()
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main, atom.Header, atom.Table:
		w.block()
		w.children(n)
		w.block()
	case atom.Br:
		w.sb.WriteString("\n")
	case atom.Hr:
		w.sb.WriteString("\n\n---\n\n")
	case atom.Tr:
		w.sb.WriteString("\n|")
		w.children(n)
	case atom.Td, atom.Th:
		w.sb.WriteString(" ")
		w.children(n)
		w.sb.WriteString(" |")
	case atom.Ul, atom.Ol:
		w.lists = append(w.lists, listState{ordered: n.DataAtom == atom.Ol})
		w.sb.WriteString("\n")
		w.children(n)
		w.lists = w.lists[:len(w.lists)-1]
		w.sb.WriteString("\n")
	case atom.Li:
		indent := ""
		marker := "- "
		if d := len(w.lists); d > 0 {
			indent = strings.Repeat("  ", d-1)
			if l := &w.lists[d-1]; l.ordered {
				l.n++
				marker = fmt.Sprintf("%d. ", l.n)
			}
		}
		w.sb.WriteString("\n" + indent + marker)
		w.children(n)
	case atom.Pre:
		w.sb.WriteString("\n\n```\n")
		w.pre++
		w.children(n)
		w.pre--
		w.sb.WriteString("\n```\n\n")
	case atom.Code:
		if w.pre > 0 {
			w.children(n)
			return
		}
		w.sb.WriteString("`")
		w.children(n)
		w.sb.WriteString("`")
	case atom.Strong, atom.B:
		w.sb.WriteString("**")
		w.children(n)
		w.sb.WriteString("**")
	case atom.Em, atom.I:
		w.sb.WriteString("*")
		w.children(n)
		w.sb.WriteString("*")
	case atom.Blockquote:
		w.sb.WriteString("\n\n> ")
		w.children(n)
		w.block()
	case atom.A:
		href := attr(n, "href")
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			w.children(n)
			return
		}
		w.sb.WriteString("[")
		w.children(n)
		w.sb.WriteString("](" + w.resolve(href) + ")")
	case atom.Img:
		if alt := attr(n, "alt"); alt != "" {
			w.sb.WriteString("![" + alt + "](" + w.resolve(attr(n, "src")) + ")")
		}
	default:
		w.children(n)
	}
}
