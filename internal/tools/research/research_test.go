package research

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ouroboros/internal/tools"
)

const samplePage = `<html><head><title>Ouroboros</title><script>var x = 1;</script></head>
<body><nav>menu</nav>
<h2>Budget</h2>
<p>The ledger is <strong>authoritative</strong>. See <a href="/docs/budget">docs</a> or <a href="#top">top</a>.</p>
<ul><li>one</li><li>two</li></ul>
<img src="x.png" alt="diagram">
</body></html>`

func TestHTMLToMarkdown(t *testing.T) {
	base, _ := url.Parse("https://example.com/a/")
	md, err := HTMLToMarkdown(samplePage, base, true)
	require.NoError(t, err)

	assert.Contains(t, md, "# Ouroboros")
	assert.Contains(t, md, "## Budget")
	assert.Contains(t, md, "**authoritative**")
	assert.Contains(t, md, "[docs ](https://example.com/docs/budget)")
	assert.Contains(t, md, "- one")
	assert.Contains(t, md, "[Image: diagram]")
	assert.NotContains(t, md, "var x")
	assert.NotContains(t, md, "menu")
	assert.NotContains(t, md, "#top")
	assert.NotContains(t, md, "\n\n\n")
}

func TestHTMLToMarkdownWithoutLinks(t *testing.T) {
	md, err := HTMLToMarkdown(samplePage, nil, false)
	require.NoError(t, err)
	assert.Contains(t, md, "docs")
	assert.NotContains(t, md, "](")
}

func TestTruncateKeepsRunes(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	out := Truncate("héllo", 2)
	assert.Equal(t, "h"+truncatedMarker, out)
	assert.Equal(t, "abc", Truncate("abc", 0))
}

func TestWebFetchTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(samplePage))
		case "/plain":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(strings.Repeat("a", 100)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	reg := tools.NewRegistry()
	require.NoError(t, RegisterAll(reg, Config{FetchTimeout: 5 * time.Second}))
	assert.Nil(t, reg.Get("web_search"))

	res := reg.Execute(context.Background(), tools.Call{Name: "web_fetch", Args: map[string]any{"url": srv.URL + "/page"}})
	require.True(t, res.IsSuccess(), res.Payload)
	assert.Contains(t, res.Payload, "## Budget")
	assert.Contains(t, res.Payload, srv.URL+"/docs/budget")

	res = reg.Execute(context.Background(), tools.Call{Name: "web_fetch", Args: map[string]any{"url": srv.URL + "/plain", "max_length": float64(10)}})
	require.True(t, res.IsSuccess(), res.Payload)
	assert.Equal(t, strings.Repeat("a", 10)+truncatedMarker, res.Payload)

	res = reg.Execute(context.Background(), tools.Call{Name: "web_fetch", Args: map[string]any{"url": srv.URL + "/missing"}})
	assert.Equal(t, tools.StatusError, res.Status)
	assert.Contains(t, res.Payload, "404")
}

func TestWebFetchRejectsOtherSchemes(t *testing.T) {
	f := NewFetcher(nil, time.Second)
	_, err := f.Fetch(context.Background(), "file:///etc/passwd", 100, true)
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestWebSearch(t *testing.T) {
	var got responsesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/responses", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"output":[
			{"type":"web_search_call","status":"completed"},
			{"type":"message","content":[{"type":"output_text","text":"Go 1.24 is current."}]}
		]}`))
	}))
	defer srv.Close()

	reg := tools.NewRegistry()
	require.NoError(t, RegisterAll(reg, Config{OpenAIKey: "sk-test", BaseURL: srv.URL}))

	res := reg.Execute(context.Background(), tools.Call{Name: "web_search", Args: map[string]any{"query": "latest go"}})
	require.True(t, res.IsSuccess(), res.Payload)
	assert.Equal(t, "Go 1.24 is current.", res.Payload)
	assert.Equal(t, defaultSearchModel, got.Model)
	assert.Equal(t, "latest go", got.Input)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "web_search", got.Tools[0]["type"])
}

func TestWebSearchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/empty") {
			_, _ = w.Write([]byte(`{"output":[]}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	_, err := NewSearcher(nil, "k", "", srv.URL).Search(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")

	_, err = NewSearcher(nil, "k", "", srv.URL+"/empty").Search(context.Background(), "q")
	assert.ErrorIs(t, err, ErrEmptySearchResult)

	_, err = NewSearcher(nil, "k", "", srv.URL).Search(context.Background(), "  ")
	assert.Error(t, err)
}
