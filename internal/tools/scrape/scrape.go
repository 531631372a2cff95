// Package scrape 提供 web.scrape 工具：抓取网页并用 x/net/html 提取标题、描述、正文摘要与链接。
package scrape

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/tool"
	"AgentFlow/internal/upstream"
)

// Name 是工具名。
const Name = "web.scrape"

const (
	serviceName      = "web"
	defaultMaxBytes  = 1 << 20
	defaultMaxChars  = 4000
	maxLinks         = 20
	defaultUserAgent = "AgentFlowBot/1.0 (+https://agentflow.dev/bot)"
)

// Config 控制抓取行为。
type Config struct {
	MaxBytes  int64         `yaml:"max_bytes" json:"max_bytes"`
	UserAgent string        `yaml:"user_agent" json:"user_agent"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
}

// Page 是抓取结果。
type Page struct {
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Text        string   `json:"text"`
	Links       []string `json:"links,omitempty"`
	ContentType string   `json:"content_type"`
	Truncated   bool     `json:"truncated,omitempty"`
}

// Tool 实现 web.scrape。
type Tool struct {
	httpClient *http.Client
	maxBytes   int64
	userAgent  string
	def        tool.Definition
}

// New 创建抓取工具。
func New(cfg Config) *Tool {
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Tool{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
		userAgent:  userAgent,
		def: tool.Definition{
			Name:        Name,
			Description: "Fetch a web page and extract its title, description, main text and links.",
			Category:    tool.CategoryScraping,
			RiskLevel:   tool.RiskLow,
			Service:     serviceName,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url":       map[string]any{"type": "string", "pattern": "^https?://"},
					"max_chars": map[string]any{"type": "integer", "minimum": 200, "maximum": 20000},
				},
				"required":             []any{"url"},
				"additionalProperties": false,
			},
			CreditCost: decimal.NewFromInt(1),
			CacheTTL:   15 * time.Minute,
			Timeout:    30 * time.Second,
		},
	}
}

// Describe 实现 tool.Tool。
func (t *Tool) Describe() tool.Definition { return t.def }

// Invoke 实现 tool.Tool。非 HTML 内容或被截断的页面返回降级结果。
func (t *Tool) Invoke(ctx context.Context, params map[string]any, _ tool.RunContext) (tool.Output, error) {
	raw, _ := params["url"].(string)
	target, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return tool.Output{}, xerrors.New(xerrors.CodeInvalidParameters, "url 必须是 http(s) 地址", xerrors.WithMetadata("url", raw))
	}
	maxChars := defaultMaxChars
	if n, ok := params["max_chars"].(float64); ok && n > 0 {
		maxChars = int(n)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return tool.Output{}, xerrors.Wrap(xerrors.CodeInvalidParameters, err, "构建抓取请求失败")
	}
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return tool.Output{}, upstream.TransportError(serviceName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return tool.Output{}, upstream.ResponseError(serviceName, resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes+1))
	if err != nil {
		return tool.Output{}, upstream.TransportError(serviceName, err)
	}
	page := Page{URL: resp.Request.URL.String()}
	if int64(len(body)) > t.maxBytes {
		body = body[:t.maxBytes]
		page.Truncated = true
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "" {
		mediaType = http.DetectContentType(body)
		mediaType, _, _ = mime.ParseMediaType(mediaType)
	}
	page.ContentType = mediaType

	var notes []string
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		if err := extract(&page, body, resp.Request.URL); err != nil {
			return tool.Output{}, xerrors.Wrap(xerrors.CodeMalformedOutput, err, "解析 HTML 失败")
		}
	case strings.HasPrefix(mediaType, "text/"):
		page.Text = collapseSpace(string(body))
		notes = append(notes, "page is not HTML, returned raw text")
	default:
		notes = append(notes, "page is not HTML ("+mediaType+"), no text extracted")
	}
	if page.Truncated {
		notes = append(notes, "page exceeded the size limit and was truncated")
	}
	page.Text = truncateRunes(page.Text, maxChars)

	out, err := tool.JSON(page)
	if err != nil {
		return tool.Output{}, err
	}
	if len(notes) > 0 {
		out.Degraded = true
		out.Notes = strings.Join(notes, "; ")
	}
	return out, nil
}

var skipped = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Template: true,
	atom.Svg: true, atom.Nav: true, atom.Footer: true, atom.Head: true,
}

// extract 遍历文档树，填充标题、描述、正文与链接。
func extract(page *Page, body []byte, base *url.URL) error {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return err
	}

	var (
		text  strings.Builder
		seen  = map[string]bool{}
		visit func(n *html.Node, inSkipped bool)
	)
	visit = func(n *html.Node, inSkipped bool) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Title:
				if page.Title == "" && n.FirstChild != nil {
					page.Title = collapseSpace(n.FirstChild.Data)
				}
			case atom.Meta:
				name := strings.ToLower(attr(n, "name"))
				if prop := strings.ToLower(attr(n, "property")); name == "" {
					name = prop
				}
				if (name == "description" || name == "og:description") && page.Description == "" {
					page.Description = collapseSpace(attr(n, "content"))
				}
			case atom.A:
				if href := strings.TrimSpace(attr(n, "href")); href != "" && len(page.Links) < maxLinks {
					if ref, err := base.Parse(href); err == nil && (ref.Scheme == "http" || ref.Scheme == "https") {
						ref.Fragment = ""
						if link := ref.String(); !seen[link] {
							seen[link] = true
							page.Links = append(page.Links, link)
						}
					}
				}
			}
			if skipped[n.DataAtom] {
				inSkipped = true
			}
		}
		if n.Type == html.TextNode && !inSkipped {
			if s := strings.TrimSpace(n.Data); s != "" {
				if text.Len() > 0 {
					text.WriteByte(' ')
				}
				text.WriteString(s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c, inSkipped)
		}
	}
	visit(doc, false)
	page.Text = collapseSpace(text.String())
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

var _ tool.Tool = (*Tool)(nil)
