package research

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"ouroboros/internal/logging"
	"ouroboros/internal/tools"

	"golang.org/x/net/html"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultMaxLength    = 50000
	maxBodyBytes        = 2 << 20
	truncatedMarker     = "\n\n[...truncated...]"
	userAgent           = "Mozilla/5.0 (compatible; ouroboros/1.0)"
)

// ErrUnsupportedScheme is returned for URLs that are not http or https.
var ErrUnsupportedScheme = errors.New("only http and https URLs can be fetched")

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]{2,}`)
)

// Fetcher downloads pages for web_fetch.
type Fetcher struct {
	client  *http.Client
	timeout time.Duration
}

// NewFetcher creates a fetcher. A zero timeout means 30s.
func NewFetcher(client *http.Client, timeout time.Duration) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &Fetcher{client: client, timeout: timeout}
}

// WebFetchTool returns web_fetch.
func WebFetchTool(f *Fetcher) *tools.Tool {
	return &tools.Tool{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its content as markdown",
		Category:    tools.CategoryResearch,
		Execute:     f.execute,
		Timeout:     f.timeout + 5*time.Second,
		Schema: tools.ToolSchema{
			Required: []string{"url"},
			Properties: map[string]tools.Property{
				"url": {
					Type:        "string",
					Description: "The http or https URL to fetch",
				},
				"max_length": {
					Type:        "integer",
					Description: "Maximum content length in characters (default: 50000)",
					Default:     defaultMaxLength,
				},
				"include_links": {
					Type:        "boolean",
					Description: "Keep links in the output (default: true)",
					Default:     true,
				},
			},
		},
	}
}

func (f *Fetcher) execute(ctx context.Context, args map[string]any) (string, error) {
	raw, _ := args["url"].(string)
	maxLength := defaultMaxLength
	if ml, ok := args["max_length"].(int); ok && ml > 0 {
		maxLength = ml
	}
	includeLinks := true
	if il, ok := args["include_links"].(bool); ok {
		includeLinks = il
	}
	return f.Fetch(ctx, raw, maxLength, includeLinks)
}

// Fetch downloads rawURL and converts HTML to markdown. Plain text and
// markdown bodies are returned as they are.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxLength int, includeLinks bool) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", ErrUnsupportedScheme
	}
	logging.ToolsDebug("web_fetch: url=%s max_length=%d", u, maxLength)

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/plain") || strings.Contains(contentType, "text/markdown") {
		return Truncate(string(body), maxLength), nil
	}

	markdown, err := HTMLToMarkdown(string(body), u, includeLinks)
	if err != nil {
		return "", fmt.Errorf("failed to convert to markdown: %w", err)
	}
	logging.Tools("web_fetch: %s (%d chars)", u.Host, len(markdown))
	return Truncate(markdown, maxLength), nil
}

// Truncate cuts s to at most max bytes on a rune boundary and marks the cut.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedMarker
}

// HTMLToMarkdown converts an HTML document to simplified markdown. Relative
// links are resolved against base when it is non-nil.
func HTMLToMarkdown(htmlContent string, base *url.URL, includeLinks bool) (string, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return "", err
	}
	w := &mdWriter{base: base, links: includeLinks}
	w.walk(doc, 0)
	return cleanMarkdown(w.sb.String()), nil
}

type mdWriter struct {
	sb    strings.Builder
	base  *url.URL
	links bool
}

func (w *mdWriter) walk(n *html.Node, depth int) {
	if depth > 50 {
		return
	}

	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			w.sb.WriteString(text)
			w.sb.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg", "nav", "footer", "header":
			return
		case "title":
			w.sb.WriteString("# ")
			w.children(n, depth)
			w.sb.WriteString("\n\n")
			return
		case "h1", "h2", "h3", "h4", "h5", "h6":
			w.sb.WriteString("\n\n" + strings.Repeat("#", int(n.Data[1]-'0')) + " ")
		case "p", "div", "section", "article":
			w.sb.WriteString("\n\n")
		case "br":
			w.sb.WriteString("\n")
		case "li":
			w.sb.WriteString("\n- ")
		case "code":
			w.sb.WriteString("`")
		case "pre":
			w.sb.WriteString("\n\n```\n")
		case "strong", "b":
			w.sb.WriteString("**")
		case "em", "i":
			w.sb.WriteString("*")
		case "a":
			if w.href(n) != "" {
				w.sb.WriteString("[")
			}
		case "img":
			if alt := getAttr(n, "alt"); alt != "" {
				fmt.Fprintf(&w.sb, "[Image: %s]", alt)
			}
			return
		}
	}

	w.children(n, depth)

	if n.Type != html.ElementNode {
		return
	}
	switch n.Data {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		w.sb.WriteString("\n\n")
	case "code":
		w.sb.WriteString("`")
	case "pre":
		w.sb.WriteString("\n```\n\n")
	case "strong", "b":
		w.sb.WriteString("**")
	case "em", "i":
		w.sb.WriteString("*")
	case "a":
		if href := w.href(n); href != "" {
			fmt.Fprintf(&w.sb, "](%s)", href)
		}
	}
}

func (w *mdWriter) children(n *html.Node, depth int) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c, depth+1)
	}
}

// href returns the resolved link target, or "" when links are off or the
// anchor is in-page.
func (w *mdWriter) href(n *html.Node) string {
	if !w.links {
		return ""
	}
	href := getAttr(n, "href")
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	if w.base != nil {
		if ref, err := url.Parse(href); err == nil {
			return w.base.ResolveReference(ref).String()
		}
	}
	return href
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func cleanMarkdown(s string) string {
	s = multiNewlinePattern.ReplaceAllString(s, "\n\n")
	s = multiSpacePattern.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	// Trimming lines can leave fresh runs of blank lines.
	s = multiNewlinePattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
