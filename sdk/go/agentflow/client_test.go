package agentflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunTurnPostsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/turns" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req TurnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if req.UserID != "u1" || req.Message != "how are my campaigns doing?" {
			t.Fatalf("unexpected body: %+v", req)
		}
		_, _ = w.Write([]byte(`{"turn_id":"t1","conversation_id":"c1","user_id":"u1",
			"decision":{"kind":"respond","payload":{"intent":"performance"}},
			"reply":"spend is up","results":[{"step_id":"s1","tool_name":"get_campaign_metrics","iteration":1,"status":"success","credits_charged":"2"}],
			"iterations":1,"credits_charged":"2","elapsed_ms":12}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	outcome, err := client.RunTurn(context.Background(), TurnRequest{UserID: "u1", Message: "how are my campaigns doing?"})
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if !outcome.Responded() || outcome.Reply != "spend is up" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if len(outcome.Results) != 1 || outcome.Results[0].CreditsCharged.String() != "2" {
		t.Fatalf("unexpected results: %+v", outcome.Results)
	}
}

func TestAPIErrorIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"JOB_NOT_FOUND","message":"job not found","metadata":{"job_id":"missing"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.GetJob(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "JOB_NOT_FOUND" || apiErr.Metadata["job_id"] != "missing" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestPlainTextErrorFallsBackToBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.ListTools(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Message != "upstream unavailable" {
		t.Fatalf("unexpected message %q", apiErr.Message)
	}
}

func TestSubmitAndWaitForJob(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/jobs":
			if r.Header.Get("Authorization") != "Bearer secret" {
				t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
			}
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(Job{ID: "job-1", UserID: "u1", Status: "pending"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/jobs/job-1":
			status := "running"
			if polls.Add(1) >= 3 {
				status = "succeeded"
			}
			_ = json.NewEncoder(w).Encode(Job{ID: "job-1", UserID: "u1", Status: status})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	client.SetAccessToken("secret")

	job, err := client.SubmitJob(context.Background(), JobSubmission{UserID: "u1", Message: "pause campaign 42"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.ID != "job-1" || job.Done() {
		t.Fatalf("unexpected job: %+v", job)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := client.WaitForJob(ctx, job.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != "succeeded" || polls.Load() != 3 {
		t.Fatalf("unexpected final job %+v after %d polls", done, polls.Load())
	}
}

func TestListJobsEncodesFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "failed,retrying" || q.Get("user_id") != "u1" || q.Get("limit") != "5" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"jobs":[{"id":"a","status":"failed"},{"id":"b","status":"retrying"}]}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	jobs, err := client.ListJobs(context.Background(), JobFilter{Statuses: []string{"failed", "retrying"}, UserID: "u1", Limit: 5})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 || !jobs[0].Done() || jobs[1].Done() {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
}

func TestCheckRulesAndListTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/prefix/api/v1/rules/check":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["user_id"] != "u1" {
				t.Fatalf("unexpected body: %v", body)
			}
			_, _ = w.Write([]byte(`{"cycle_id":"cy","rules_checked":2,"actions_taken":1,"results":[{"rule_id":"r1","status":"triggered","action_taken":true},{"rule_id":"r2","status":"not_met"}]}`))
		case "/prefix/api/v1/tools":
			_, _ = w.Write([]byte(`{"tools":[{"name":"get_campaigns","risk_level":"low","static_credit_cost":"1"}]}`))
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL+"/prefix", srv.Client())
	summary, err := client.CheckRules(context.Background(), "u1")
	if err != nil {
		t.Fatalf("check rules: %v", err)
	}
	if summary.RulesChecked != 2 || summary.ActionsTaken != 1 || !summary.Results[0].ActionTaken {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 1 || tools[0].RiskLevel != "low" || tools[0].CreditCost.String() != "1" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient("localhost:8080", nil); err == nil {
		t.Fatal("expected error for url without scheme")
	}
}
