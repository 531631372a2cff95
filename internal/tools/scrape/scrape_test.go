package scrape

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/tool"
)

const samplePage = `<!doctype html>
<html><head>
<title>  Spring Sale | Example Shop </title>
<meta name="description" content="Up to 50% off running shoes.">
<style>body{color:red}</style>
<script>var tracking = true;</script>
</head>
<body>
<nav><a href="/home">Home</a></nav>
<h1>Spring Sale</h1>
<p>All running shoes are   discounted this week.</p>
<a href="/shoes#top">Shoes</a>
<a href="https://partner.example/offer">Partner</a>
<a href="mailto:sales@example.com">Mail</a>
</body></html>`

func decodePage(t *testing.T, out tool.Output) Page {
	t.Helper()
	var page Page
	require.NoError(t, json.Unmarshal(out.Data, &page))
	return page
}

func TestScrapeExtractsHTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "AgentFlowBot")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(samplePage))
	}))
	defer server.Close()

	out, err := New(Config{}).Invoke(context.Background(), map[string]any{"url": server.URL + "/sale"}, tool.RunContext{})
	require.NoError(t, err)
	assert.False(t, out.Degraded)

	page := decodePage(t, out)
	assert.Equal(t, "Spring Sale | Example Shop", page.Title)
	assert.Equal(t, "Up to 50% off running shoes.", page.Description)
	assert.Contains(t, page.Text, "All running shoes are discounted this week.")
	assert.NotContains(t, page.Text, "tracking")
	assert.NotContains(t, page.Text, "Home")
	assert.Equal(t, []string{server.URL + "/home", server.URL + "/shoes", "https://partner.example/offer"}, page.Links)
}

func TestScrapeNonHTMLIsDegraded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4"))
	}))
	defer server.Close()

	out, err := New(Config{}).Invoke(context.Background(), map[string]any{"url": server.URL}, tool.RunContext{})
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.Contains(t, out.Notes, "application/pdf")
	assert.Empty(t, decodePage(t, out).Text)
}

func TestScrapeTruncatedIsDegraded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><head><title>Big</title></head><body><p>" + strings.Repeat("word ", 1000) + "</p></body></html>"))
	}))
	defer server.Close()

	out, err := New(Config{MaxBytes: 512}).Invoke(context.Background(), map[string]any{"url": server.URL, "max_chars": float64(200)}, tool.RunContext{})
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	page := decodePage(t, out)
	assert.True(t, page.Truncated)
	assert.Equal(t, "Big", page.Title)
	assert.LessOrEqual(t, len([]rune(page.Text)), 201)
}

func TestScrapeErrors(t *testing.T) {
	_, err := New(Config{}).Invoke(context.Background(), map[string]any{"url": "ftp://example.com"}, tool.RunContext{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidParameters))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()
	_, err = New(Config{}).Invoke(context.Background(), map[string]any{"url": server.URL}, tool.RunContext{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
	assert.False(t, xerrors.RetryableError(err))
}
