package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentFlow/internal/agent"
	"AgentFlow/internal/auth"
	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/jobs"
	"AgentFlow/internal/rules"
	"AgentFlow/internal/tool"
)

type stubTurns struct {
	got agent.TurnRequest
	err error
}

func (s *stubTurns) HandleTurn(_ context.Context, req agent.TurnRequest) (*agent.TurnOutcome, error) {
	s.got = req
	if s.err != nil {
		return nil, s.err
	}
	return &agent.TurnOutcome{
		TurnID:   "t-1",
		UserID:   req.UserID,
		Decision: agent.Respond(&agent.ResponsePayload{Summary: "done"}),
		Reply:    "done",
	}, nil
}

type stubRules struct {
	userID string
}

func (s *stubRules) CheckRules(_ context.Context, userID string) (rules.CheckSummary, error) {
	s.userID = userID
	return rules.CheckSummary{CycleID: "c-1", RulesChecked: 2, ActionsTaken: 1,
		Results: []rules.CheckResult{{RuleID: "r1", Status: rules.StatusTriggered, ActionTaken: true}}}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestCreateTurn(t *testing.T) {
	t.Parallel()

	turns := &stubTurns{}
	h := NewServer(":0", WithTurns(turns)).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/turns", `{"conversation_id":"c1","user_id":"u1","message":"write a tagline"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var outcome agent.TurnOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.Equal(t, agent.DecisionRespond, outcome.Decision.Kind)
	assert.Equal(t, "done", outcome.Reply)
	assert.Equal(t, "c1", turns.got.ConversationID)
	assert.Equal(t, "write a tagline", turns.got.Message)
}

func TestCreateTurnErrors(t *testing.T) {
	t.Parallel()

	t.Run("malformed body", func(t *testing.T) {
		h := NewServer(":0", WithTurns(&stubTurns{})).Handler()
		rec := do(t, h, http.MethodPost, "/api/v1/turns", `{"message":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, xerrors.CodeInvalidArgument, decodeError(t, rec).Code)
	})

	t.Run("unknown field", func(t *testing.T) {
		h := NewServer(":0", WithTurns(&stubTurns{})).Handler()
		rec := do(t, h, http.MethodPost, "/api/v1/turns", `{"message":"hi","user_id":"u","bogus":1}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("agent error", func(t *testing.T) {
		turns := &stubTurns{err: xerrors.New(xerrors.CodeInvalidArgument, "message is required")}
		h := NewServer(":0", WithTurns(turns)).Handler()
		rec := do(t, h, http.MethodPost, "/api/v1/turns", `{"user_id":"u"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeError(t, rec).Message, "message is required")
	})

	t.Run("not configured", func(t *testing.T) {
		h := NewServer(":0").Handler()
		rec := do(t, h, http.MethodPost, "/api/v1/turns", `{}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		h := NewServer(":0", WithTurns(&stubTurns{})).Handler()
		rec := do(t, h, http.MethodGet, "/api/v1/turns", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestJobEndpoints(t *testing.T) {
	t.Parallel()

	store := jobs.NewMemoryStore()
	svc := jobs.NewService(store, jobs.NewMemoryQueue(8), 3)
	h := NewServer(":0", WithJobs(svc)).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/jobs", `{"id":"job-1","user_id":"u1","message":"campaign report"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var job jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, jobs.StatusPending, job.Status)

	rec = do(t, h, http.MethodGet, "/api/v1/jobs/job-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, jobs.CodeJobNotFound, decodeError(t, rec).Code)

	rec = do(t, h, http.MethodGet, "/api/v1/jobs?status=pending&user_id=u1&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Jobs []jobs.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Jobs, 1)

	rec = do(t, h, http.MethodGet, "/api/v1/jobs?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/jobs/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats jobs.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Pending)

	rec = do(t, h, http.MethodPost, "/api/v1/jobs", `{"user_id":"u1","message":" "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, jobs.CodeJobValidation, decodeError(t, rec).Code)
}

func TestCheckRules(t *testing.T) {
	t.Parallel()

	checker := &stubRules{}
	h := NewServer(":0", WithRules(checker)).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/rules/check", `{"user_id":"u9"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u9", checker.userID)
	var summary rules.CheckSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 2, summary.RulesChecked)
	assert.Equal(t, 1, summary.ActionsTaken)
	require.Len(t, summary.Results, 1)

	rec = do(t, h, http.MethodPost, "/api/v1/rules/check", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, checker.userID)
}

func TestListToolsAndHealth(t *testing.T) {
	t.Parallel()

	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(tool.Func{
		Def: tool.Definition{
			Name:        "echo",
			Description: "echoes input",
			Category:    tool.CategoryUtility,
			RiskLevel:   tool.RiskLow,
			Parameters:  map[string]any{"type": "object"},
		},
		Fn: func(context.Context, map[string]any, tool.RunContext) (tool.Output, error) {
			return tool.Output{}, nil
		},
	}))
	h := NewServer(":0", WithTools(reg)).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/tools", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Tools []struct {
			Name      string `json:"name"`
			RiskLevel string `json:"risk_level"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tools, 1)
	assert.Equal(t, "echo", body.Tools[0].Name)
	assert.Equal(t, "low", body.Tools[0].RiskLevel)

	rec = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func doAs(t *testing.T, h http.Handler, token, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthScopesRequestsToBoundUser(t *testing.T) {
	t.Parallel()

	svc, err := auth.NewService(auth.Config{
		Mode: auth.ModeStatic,
		Tokens: []auth.TokenConfig{
			{Name: "ops", Token: "ops-token", Permissions: []string{auth.PermAll}},
			{Name: "alice", Token: "alice-token", UserID: "u1",
				Permissions: []string{auth.PermTurnsWrite, auth.PermJobsWrite, auth.PermJobsRead}},
		},
	})
	require.NoError(t, err)

	turns := &stubTurns{}
	checker := &stubRules{}
	jobSvc := jobs.NewService(jobs.NewMemoryStore(), jobs.NewMemoryQueue(8), 3)
	h := NewServer(":0", WithTurns(turns), WithJobs(jobSvc), WithRules(checker), WithAuth(svc)).Handler()

	rec := doAs(t, h, "", http.MethodPost, "/api/v1/turns", `{"message":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, xerrors.CodeUnauthorized, decodeError(t, rec).Code)

	rec = doAs(t, h, "alice-token", http.MethodPost, "/api/v1/turns", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", turns.got.UserID)

	rec = doAs(t, h, "alice-token", http.MethodPost, "/api/v1/turns", `{"user_id":"u2","message":"hi"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, auth.CodePermissionDenied, decodeError(t, rec).Code)

	rec = doAs(t, h, "alice-token", http.MethodPost, "/api/v1/rules/check", `{}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doAs(t, h, "ops-token", http.MethodPost, "/api/v1/jobs", `{"id":"job-2","user_id":"u2","message":"report"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = doAs(t, h, "alice-token", http.MethodGet, "/api/v1/jobs/job-2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doAs(t, h, "ops-token", http.MethodGet, "/api/v1/jobs/job-2", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doAs(t, h, "alice-token", http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Jobs []jobs.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Jobs)

	rec = doAs(t, h, "ops-token", http.MethodPost, "/api/v1/rules/check", `{"user_id":"u7"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u7", checker.userID)

	rec = doAs(t, h, "", http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusPaymentRequired, StatusFor(xerrors.CodeInsufficientCredits))
	assert.Equal(t, http.StatusTooManyRequests, StatusFor(xerrors.CodeRateLimited))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(xerrors.CodeStorageFailure))
	assert.Equal(t, http.StatusInternalServerError, StatusFor("SOMETHING_NEW"))
}
