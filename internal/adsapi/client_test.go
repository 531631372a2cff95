package adsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/rules"
)

func TestReadMetric(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/metrics", r.URL.Path)
		assert.Equal(t, "c1", r.URL.Query().Get("entity"))
		assert.Equal(t, "cpa", r.URL.Query().Get("metric"))
		assert.Equal(t, "86400", r.URL.Query().Get("window_seconds"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"value": 72.5}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{MetricsURL: server.URL + "/", Token: "secret"})
	require.NoError(t, err)
	value, err := client.ReadMetric(context.Background(), "c1", "cpa", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 72.5, value)
}

func TestReadMetricMissingValue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{MetricsURL: server.URL})
	require.NoError(t, err)
	_, err = client.ReadMetric(context.Background(), "c1", "cpa", 0)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeMalformedOutput))
}

func TestReadMetricMapsStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, err := NewClient(Config{MetricsURL: server.URL})
	require.NoError(t, err)
	_, err = client.ReadMetric(context.Background(), "c1", "cpa", time.Hour)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeRateLimited))
	assert.True(t, xerrors.RetryableError(err))
}

func TestExecuteAction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/actions", r.URL.Path)
		var body actionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "r1", body.RuleID)
		assert.Equal(t, "pause_campaign", body.Kind)
		assert.Equal(t, "c1", body.Params["campaign_id"])
		_, _ = w.Write([]byte(`{"success": true, "details": {"paused": "c1"}}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{ActionsURL: server.URL})
	require.NoError(t, err)
	res, err := client.ExecuteAction(context.Background(), "r1", rules.Action{
		Kind:   "pause_campaign",
		Params: map[string]any{"campaign_id": "c1"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "c1", res.Details["paused"])
}

func TestExecuteActionUnconfigured(t *testing.T) {
	client, err := NewClient(Config{MetricsURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	_, err = client.ExecuteAction(context.Background(), "r1", rules.Action{Kind: "pause_campaign"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))

	_, err = NewClient(Config{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestRuleEngineOverHTTP(t *testing.T) {
	var actions int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/metrics":
			_, _ = w.Write([]byte(`{"value": 120}`))
		case "/actions":
			actions++
			_, _ = w.Write([]byte(`{"success": true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client, err := NewClient(Config{MetricsURL: server.URL, ActionsURL: server.URL})
	require.NoError(t, err)
	store := rules.NewMemoryStore(rules.Rule{
		ID: "r1", OwnerUserID: "u1", Active: true,
		Condition: rules.Condition{Entity: "c1", Metric: "cpa", Operator: rules.OpGreater, Threshold: 50},
		Action:    rules.Action{Kind: "pause_campaign"},
	})
	summary, err := rules.NewEngine(store, client, client).CheckRules(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ActionsTaken)
	assert.Equal(t, 1, actions)
}
