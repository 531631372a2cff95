// Package media 提供 image.generate 与 video.generate 工具，
// 通过 HTTP 调用外部媒体生成服务。
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/tool"
	"AgentFlow/internal/upstream"
)

const (
	ImageName = "image.generate"
	VideoName = "video.generate"

	serviceName = "media"
)

// Config 描述媒体生成服务。
type Config struct {
	Endpoint string        `yaml:"endpoint" json:"endpoint"`
	Token    string        `yaml:"-" json:"-"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// Client 调用媒体生成服务：POST {endpoint}/{kind}s。
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewClient 创建媒体服务客户端。
func NewClient(cfg Config) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "媒体生成服务地址未配置")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{endpoint: endpoint, token: strings.TrimSpace(cfg.Token), httpClient: &http.Client{Timeout: timeout}}, nil
}

// Asset 是生成服务返回的素材。
type Asset struct {
	URL             string  `json:"url"`
	ThumbnailURL    string  `json:"thumbnail_url,omitempty"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Watermarked     bool    `json:"watermarked,omitempty"`
}

func (c *Client) generate(ctx context.Context, kind string, params map[string]any) (Asset, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return Asset{}, xerrors.Wrap(xerrors.CodeInvalidParameters, err, "序列化媒体请求失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/"+kind+"s", bytes.NewReader(payload))
	if err != nil {
		return Asset{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建媒体请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Asset{}, upstream.TransportError(serviceName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return Asset{}, upstream.ResponseError(serviceName, resp)
	}

	var asset Asset
	if err := json.NewDecoder(resp.Body).Decode(&asset); err != nil {
		return Asset{}, xerrors.Wrap(xerrors.CodeMalformedOutput, err, "解析媒体响应失败")
	}
	if strings.TrimSpace(asset.URL) == "" {
		return Asset{}, xerrors.New(xerrors.CodeMalformedOutput, "媒体响应缺少 url")
	}
	return asset, nil
}

// Tool 是一种媒体生成工具。
type Tool struct {
	client *Client
	kind   string
	def    tool.Definition
}

// NewImage 创建 image.generate 工具。
func NewImage(client *Client) *Tool {
	return &Tool{client: client, kind: "image", def: tool.Definition{
		Name:        ImageName,
		Description: "Generate an advertising image from a text prompt.",
		Category:    tool.CategoryGeneration,
		RiskLevel:   tool.RiskMedium,
		Service:     serviceName,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt": map[string]any{"type": "string", "minLength": 1},
				"size":   map[string]any{"type": "string", "enum": []any{"512x512", "1024x1024", "1024x1792", "1792x1024"}},
				"style":  map[string]any{"type": "string"},
			},
			"required":             []any{"prompt"},
			"additionalProperties": false,
		},
		CreditCost: decimal.NewFromInt(5),
		CacheTTL:   time.Hour,
		Timeout:    90 * time.Second,
	}}
}

// NewVideo 创建 video.generate 工具。
func NewVideo(client *Client) *Tool {
	return &Tool{client: client, kind: "video", def: tool.Definition{
		Name:        VideoName,
		Description: "Generate a short advertising video from a text prompt.",
		Category:    tool.CategoryGeneration,
		RiskLevel:   tool.RiskMedium,
		Service:     serviceName,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt":           map[string]any{"type": "string", "minLength": 1},
				"duration_seconds": map[string]any{"type": "integer", "minimum": 1, "maximum": 60},
				"style":            map[string]any{"type": "string"},
			},
			"required":             []any{"prompt"},
			"additionalProperties": false,
		},
		CreditCost: decimal.NewFromInt(20),
		CacheTTL:   time.Hour,
		Timeout:    3 * time.Minute,
	}}
}

// Describe 实现 tool.Tool。
func (t *Tool) Describe() tool.Definition { return t.def }

// Invoke 实现 tool.Tool。带水印的素材视为降级结果。
func (t *Tool) Invoke(ctx context.Context, params map[string]any, _ tool.RunContext) (tool.Output, error) {
	asset, err := t.client.generate(ctx, t.kind, params)
	if err != nil {
		return tool.Output{}, err
	}
	out, err := tool.JSON(asset)
	if err != nil {
		return tool.Output{}, err
	}
	if asset.Watermarked {
		out.Degraded = true
		out.Notes = "preview quality asset with watermark"
	}
	return out, nil
}

var _ tool.Tool = (*Tool)(nil)
