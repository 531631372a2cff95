// Package report 提供 campaign.report 工具：并发读取一个广告系列的多项指标并汇总。
package report

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/tool"
)

// Name 是工具名。
const Name = "campaign.report"

// DefaultMetrics 是未指定 metrics 时读取的指标。
var DefaultMetrics = []string{"impressions", "clicks", "ctr", "spend", "conversions", "cpa"}

const (
	defaultWindow = 7 * 24 * time.Hour
	maxParallel   = 4
)

// MetricsReader 读取投放指标，adsapi.Client 实现了该接口。
type MetricsReader interface {
	ReadMetric(ctx context.Context, entity, metric string, window time.Duration) (float64, error)
}

// Report 是工具输出。
type Report struct {
	CampaignID string             `json:"campaign_id"`
	Window     string             `json:"window"`
	Metrics    map[string]float64 `json:"metrics"`
	Missing    []string           `json:"missing,omitempty"`
}

// Tool 实现 campaign.report。
type Tool struct {
	reader MetricsReader
	def    tool.Definition
}

// New 创建报表工具。
func New(reader MetricsReader) *Tool {
	return &Tool{reader: reader, def: tool.Definition{
		Name:        Name,
		Description: "Summarise delivery metrics of one campaign over a time window.",
		Category:    tool.CategoryReporting,
		RiskLevel:   tool.RiskLow,
		Service:     "ads.metrics",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"campaign_id": map[string]any{"type": "string", "minLength": 1},
				"window":      map[string]any{"type": "string", "pattern": `^[0-9]+(h|d|w)$`, "description": "e.g. 24h, 7d, 4w"},
				"metrics": map[string]any{
					"type":     "array",
					"items":    map[string]any{"type": "string", "minLength": 1},
					"minItems": 1,
					"maxItems": 12,
				},
			},
			"required":             []any{"campaign_id"},
			"additionalProperties": false,
		},
		CreditCost: decimal.NewFromInt(2),
		CacheTTL:   5 * time.Minute,
		Timeout:    30 * time.Second,
	}}
}

// Describe 实现 tool.Tool。
func (t *Tool) Describe() tool.Definition { return t.def }

// Invoke 实现 tool.Tool。部分指标不可用时返回降级结果；全部失败时返回第一个错误。
func (t *Tool) Invoke(ctx context.Context, params map[string]any, _ tool.RunContext) (tool.Output, error) {
	campaign, _ := params["campaign_id"].(string)
	campaign = strings.TrimSpace(campaign)
	if campaign == "" {
		return tool.Output{}, xerrors.New(xerrors.CodeInvalidParameters, "campaign_id 不能为空")
	}
	windowText, _ := params["window"].(string)
	window, err := ParseWindow(windowText)
	if err != nil {
		return tool.Output{}, err
	}
	metrics := metricNames(params["metrics"])

	var (
		mu       sync.Mutex
		values   = make(map[string]float64, len(metrics))
		failures = make(map[string]error)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, metric := range metrics {
		metric := metric
		g.Go(func() error {
			v, err := t.reader.ReadMetric(gctx, campaign, metric, window)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[metric] = err
				return nil
			}
			values[metric] = v
			return nil
		})
	}
	_ = g.Wait()

	if len(values) == 0 {
		return tool.Output{}, firstError(metrics, failures)
	}

	report := Report{CampaignID: campaign, Window: windowLabel(windowText), Metrics: values}
	for _, metric := range metrics {
		if _, ok := failures[metric]; ok {
			report.Missing = append(report.Missing, metric)
		}
	}
	out, err := tool.JSON(report)
	if err != nil {
		return tool.Output{}, err
	}
	if len(report.Missing) > 0 {
		out.Degraded = true
		out.Notes = "metrics unavailable: " + strings.Join(report.Missing, ", ")
	}
	return out, nil
}

// ParseWindow 解析 24h、7d、4w 形式的时间窗口，空字符串返回默认 7 天。
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return defaultWindow, nil
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, xerrors.New(xerrors.CodeInvalidParameters, "window 格式不正确", xerrors.WithMetadata("window", s))
	}
	switch unit {
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, xerrors.New(xerrors.CodeInvalidParameters, "window 单位必须是 h、d 或 w", xerrors.WithMetadata("window", s))
	}
}

func windowLabel(s string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return "7d"
}

func metricNames(v any) []string {
	var out []string
	seen := map[string]bool{}
	add := func(s string) {
		s = strings.TrimSpace(strings.ToLower(s))
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	switch list := v.(type) {
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	case []string:
		for _, s := range list {
			add(s)
		}
	case string:
		for _, s := range strings.Split(list, ",") {
			add(s)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), DefaultMetrics...)
	}
	return out
}

// firstError 按指标顺序返回第一个失败，保证错误码确定。
func firstError(metrics []string, failures map[string]error) error {
	for _, metric := range metrics {
		if err, ok := failures[metric]; ok {
			return err
		}
	}
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)
	return xerrors.New(xerrors.CodeUpstream, "no metric could be read", xerrors.WithMetadata("metrics", strings.Join(names, ",")))
}

var _ tool.Tool = (*Tool)(nil)
