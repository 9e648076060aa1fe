// Package browser exposes the headless browser as browse_page and
// browser_action.
package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"ouroboros/internal/logging"
	"ouroboros/internal/tools"
	"ouroboros/internal/tools/research"
)

const (
	maxTextChars   = 30000
	maxHTMLChars   = 50000
	defaultTimeout = 30000
	sharedKey      = "shared"
)

// Driver is the page automation the tools need.
type Driver interface {
	Open(ctx context.Context, key, url, waitFor string, timeout time.Duration) error
	Text(ctx context.Context, key string) (string, error)
	HTML(ctx context.Context, key string) (string, error)
	URL(ctx context.Context, key string) (string, error)
	Screenshot(ctx context.Context, key string, fullPage bool) ([]byte, error)
	Click(ctx context.Context, key, selector string, timeout time.Duration) error
	Fill(ctx context.Context, key, selector, value string, timeout time.Duration) error
	Select(ctx context.Context, key, selector, value string, timeout time.Duration) error
	Evaluate(ctx context.Context, key, expr string) (string, error)
	Scroll(ctx context.Context, key string, dy int) error
}

// pageKey gives every task its own page.
func pageKey(ctx context.Context) string {
	if info, ok := tools.TaskInfoFrom(ctx); ok && info.TaskID != "" {
		return info.TaskID
	}
	return sharedKey
}

func timeoutArg(args map[string]any) time.Duration {
	ms, ok := args["timeout"].(int)
	if !ok || ms <= 0 {
		ms = defaultTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

// BrowsePageTool returns browse_page.
func BrowsePageTool(d Driver) *tools.Tool {
	return &tools.Tool{
		Name:        "browse_page",
		Description: "Open a URL in a headless browser and return its content as text, html, markdown or a base64 PNG screenshot. Use for pages that need JavaScript.",
		Category:    tools.CategoryBrowser,
		Timeout:     2 * time.Minute,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			raw, _ := args["url"].(string)
			u, err := url.Parse(strings.TrimSpace(raw))
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				return "", fmt.Errorf("invalid url %q: only http and https are supported", raw)
			}
			output, _ := args["output"].(string)
			waitFor, _ := args["wait_for"].(string)
			key := pageKey(ctx)

			logging.Browser("browse_page: %s (%s)", u, output)
			if err := d.Open(ctx, key, u.String(), waitFor, timeoutArg(args)); err != nil {
				return "", err
			}
			return render(ctx, d, key, output)
		},
		Schema: tools.ToolSchema{
			Required: []string{"url"},
			Properties: map[string]tools.Property{
				"url": {Type: "string", Description: "The http or https URL to open"},
				"output": {
					Type:        "string",
					Description: "Result format (default text)",
					Default:     "text",
					Enum:        []any{"text", "html", "markdown", "screenshot"},
				},
				"wait_for": {Type: "string", Description: "CSS selector to wait for before reading the page"},
				"timeout":  {Type: "integer", Description: "Timeout in milliseconds (default 30000)", Default: defaultTimeout},
			},
		},
	}
}

func render(ctx context.Context, d Driver, key, output string) (string, error) {
	switch output {
	case "html":
		html, err := d.HTML(ctx, key)
		if err != nil {
			return "", err
		}
		return research.Truncate(html, maxHTMLChars), nil
	case "markdown":
		html, err := d.HTML(ctx, key)
		if err != nil {
			return "", err
		}
		var base *url.URL
		if loc, err := d.URL(ctx, key); err == nil {
			base, _ = url.Parse(loc)
		}
		md, err := research.HTMLToMarkdown(html, base, true)
		if err != nil {
			return "", err
		}
		return research.Truncate(md, maxHTMLChars), nil
	case "screenshot":
		return screenshot(ctx, d, key)
	default:
		text, err := d.Text(ctx, key)
		if err != nil {
			return "", err
		}
		return research.Truncate(text, maxTextChars), nil
	}
}

func screenshot(ctx context.Context, d Driver, key string) (string, error) {
	png, err := d.Screenshot(ctx, key, false)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// BrowserActionTool returns browser_action, which works on the page the
// last browse_page call of this task opened.
func BrowserActionTool(d Driver) *tools.Tool {
	return &tools.Tool{
		Name:        "browser_action",
		Description: "Act on the page opened by browse_page: click, fill, select, screenshot, evaluate or scroll.",
		Category:    tools.CategoryBrowser,
		Timeout:     time.Minute,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			action, _ := args["action"].(string)
			selector, _ := args["selector"].(string)
			value, _ := args["value"].(string)
			key := pageKey(ctx)
			timeout := timeoutArg(args)

			needSelector := action == "click" || action == "fill" || action == "select"
			if needSelector && selector == "" {
				return "", fmt.Errorf("%s needs a selector", action)
			}
			logging.BrowserDebug("browser_action: %s %s", action, selector)

			switch action {
			case "click":
				if err := d.Click(ctx, key, selector, timeout); err != nil {
					return "", err
				}
				return "Clicked " + selector, nil
			case "fill":
				if err := d.Fill(ctx, key, selector, value, timeout); err != nil {
					return "", err
				}
				return fmt.Sprintf("Filled %s (%d chars)", selector, len(value)), nil
			case "select":
				if err := d.Select(ctx, key, selector, value, timeout); err != nil {
					return "", err
				}
				return fmt.Sprintf("Selected %q in %s", value, selector), nil
			case "screenshot":
				return screenshot(ctx, d, key)
			case "evaluate":
				if value == "" {
					return "", fmt.Errorf("evaluate needs a JavaScript expression in value")
				}
				out, err := d.Evaluate(ctx, key, value)
				if err != nil {
					return "", err
				}
				return research.Truncate(out, maxTextChars), nil
			case "scroll":
				dy, direction := 800, "down"
				switch value {
				case "up":
					dy, direction = -800, "up"
				case "", "down":
				default:
					return "", fmt.Errorf("scroll value must be up or down")
				}
				if err := d.Scroll(ctx, key, dy); err != nil {
					return "", err
				}
				return "Scrolled " + direction, nil
			default:
				return "", fmt.Errorf("unknown action %q", action)
			}
		},
		Schema: tools.ToolSchema{
			Required: []string{"action"},
			Properties: map[string]tools.Property{
				"action": {
					Type:        "string",
					Description: "What to do",
					Enum:        []any{"click", "fill", "select", "screenshot", "evaluate", "scroll"},
				},
				"selector": {Type: "string", Description: "CSS selector for click, fill and select"},
				"value":    {Type: "string", Description: "Text for fill, option for select, expression for evaluate, up/down for scroll"},
				"timeout":  {Type: "integer", Description: "Timeout in milliseconds (default 30000)", Default: defaultTimeout},
			},
		},
	}
}

// RegisterAll registers browse_page and browser_action.
func RegisterAll(registry *tools.Registry, d Driver) error {
	for _, tool := range []*tools.Tool{BrowsePageTool(d), BrowserActionTool(d)} {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
