// Package adsapi 是外部投放平台的 HTTP 客户端，为规则引擎提供指标读取与动作执行，
// 也为 campaign.report 工具提供指标。
package adsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/rules"
	"AgentFlow/internal/upstream"
)

const (
	defaultTimeout = 15 * time.Second
	serviceName    = "ads API"
)

// Config 描述投放平台接口地址。Token 为空时不发送鉴权头。
type Config struct {
	MetricsURL string        `yaml:"metrics_url" json:"metrics_url"`
	ActionsURL string        `yaml:"actions_url" json:"actions_url"`
	Token      string        `yaml:"-" json:"-"`
	TokenEnv   string        `yaml:"token_env" json:"token_env"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// Client 通过 HTTP 调用投放平台。
type Client struct {
	metricsURL string
	actionsURL string
	token      string
	httpClient *http.Client
}

// NewClient 创建客户端，两个地址至少需要配置一个。
func NewClient(cfg Config) (*Client, error) {
	metricsURL := strings.TrimRight(strings.TrimSpace(cfg.MetricsURL), "/")
	actionsURL := strings.TrimRight(strings.TrimSpace(cfg.ActionsURL), "/")
	if metricsURL == "" && actionsURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "投放平台地址未配置")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		metricsURL: metricsURL,
		actionsURL: actionsURL,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type metricResponse struct {
	Value *float64 `json:"value"`
}

// ReadMetric 实现 rules.MetricsReader：GET {metrics_url}/metrics?entity=&metric=&window_seconds=。
func (c *Client) ReadMetric(ctx context.Context, entity, metric string, window time.Duration) (float64, error) {
	if c.metricsURL == "" {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "投放平台指标地址未配置")
	}
	query := url.Values{}
	query.Set("entity", entity)
	query.Set("metric", metric)
	if window > 0 {
		query.Set("window_seconds", strconv.FormatInt(int64(window/time.Second), 10))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.metricsURL+"/metrics?"+query.Encode(), nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建指标请求失败")
	}

	var decoded metricResponse
	if err := c.do(req, &decoded); err != nil {
		return 0, err
	}
	if decoded.Value == nil {
		return 0, xerrors.New(xerrors.CodeMalformedOutput, "指标响应缺少 value",
			xerrors.WithMetadata("entity", entity), xerrors.WithMetadata("metric", metric))
	}
	return *decoded.Value, nil
}

type actionRequest struct {
	RuleID string         `json:"rule_id"`
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

// ExecuteAction 实现 rules.ActionExecutor：POST {actions_url}/actions。
func (c *Client) ExecuteAction(ctx context.Context, ruleID string, action rules.Action) (rules.ActionResult, error) {
	if c.actionsURL == "" {
		return rules.ActionResult{}, xerrors.New(xerrors.CodeInitializationFailure, "投放平台动作地址未配置")
	}
	payload, err := json.Marshal(actionRequest{RuleID: ruleID, Kind: action.Kind, Params: action.Params})
	if err != nil {
		return rules.ActionResult{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化动作请求失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.actionsURL+"/actions", bytes.NewReader(payload))
	if err != nil {
		return rules.ActionResult{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建动作请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	var result rules.ActionResult
	if err := c.do(req, &result); err != nil {
		return rules.ActionResult{}, err
	}
	return result, nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return upstream.TransportError(serviceName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return upstream.ResponseError(serviceName, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeMalformedOutput, err, "解析投放平台响应失败")
	}
	return nil
}

var (
	_ rules.MetricsReader  = (*Client)(nil)
	_ rules.ActionExecutor = (*Client)(nil)
)
