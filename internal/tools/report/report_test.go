package report

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/tool"
)

type stubReader struct {
	mu      sync.Mutex
	values  map[string]float64
	fail    map[string]error
	windows []time.Duration
}

func (s *stubReader) ReadMetric(_ context.Context, entity, metric string, window time.Duration) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append(s.windows, window)
	if err, ok := s.fail[metric]; ok {
		return 0, err
	}
	return s.values[metric], nil
}

func TestReportAllMetrics(t *testing.T) {
	reader := &stubReader{values: map[string]float64{"clicks": 120, "spend": 45.5}}
	out, err := New(reader).Invoke(context.Background(), map[string]any{
		"campaign_id": "c1",
		"window":      "24h",
		"metrics":     []any{"clicks", "spend", "clicks"},
	}, tool.RunContext{})
	require.NoError(t, err)
	assert.False(t, out.Degraded)

	var report Report
	require.NoError(t, json.Unmarshal(out.Data, &report))
	assert.Equal(t, map[string]float64{"clicks": 120, "spend": 45.5}, report.Metrics)
	assert.Equal(t, "24h", report.Window)
	assert.Equal(t, []time.Duration{24 * time.Hour, 24 * time.Hour}, reader.windows)
}

func TestReportPartialIsDegraded(t *testing.T) {
	reader := &stubReader{
		values: map[string]float64{"impressions": 1000, "clicks": 10},
		fail:   map[string]error{"cpa": xerrors.New(xerrors.CodeUpstream, "cpa unavailable")},
	}
	out, err := New(reader).Invoke(context.Background(), map[string]any{
		"campaign_id": "c1",
		"metrics":     []any{"impressions", "clicks", "cpa"},
	}, tool.RunContext{})
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.Contains(t, out.Notes, "cpa")

	var report Report
	require.NoError(t, json.Unmarshal(out.Data, &report))
	assert.Equal(t, []string{"cpa"}, report.Missing)
	assert.Equal(t, "7d", report.Window)
}

func TestReportAllFailedReturnsFirstError(t *testing.T) {
	reader := &stubReader{fail: map[string]error{
		"clicks": xerrors.New(xerrors.CodeRateLimited, "slow down"),
		"spend":  xerrors.New(xerrors.CodeUpstream, "boom"),
	}}
	_, err := New(reader).Invoke(context.Background(), map[string]any{
		"campaign_id": "c1",
		"metrics":     []any{"clicks", "spend"},
	}, tool.RunContext{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeRateLimited))
}

func TestParseWindow(t *testing.T) {
	d, err := ParseWindow("2w")
	require.NoError(t, err)
	assert.Equal(t, 14*24*time.Hour, d)
	d, err = ParseWindow("")
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, d)
	_, err = ParseWindow("3m")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidParameters))
	_, err = ParseWindow("xd")
	assert.Error(t, err)
}

func TestDefaultMetrics(t *testing.T) {
	assert.Equal(t, DefaultMetrics, metricNames(nil))
	assert.Equal(t, []string{"ctr", "cpa"}, metricNames("CTR, cpa"))
}
