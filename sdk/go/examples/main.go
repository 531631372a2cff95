package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"AgentFlow/sdk/go/agentflow"
)

// 未设置 AGENTFLOW_URL 时使用内置的演示服务。
func main() {
	baseURL := os.Getenv("AGENTFLOW_URL")
	if baseURL == "" {
		srv := httptest.NewServer(demoMux())
		defer srv.Close()
		baseURL = srv.URL
	}

	client, err := agentflow.NewClient(baseURL, nil)
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	outcome, err := client.RunTurn(ctx, agentflow.TurnRequest{UserID: "demo-user", Message: "How did my campaigns perform last week?"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("turn %s decided %s: %s\n", outcome.TurnID, outcome.Decision.Kind, outcome.Reply)

	job, err := client.SubmitJob(ctx, agentflow.JobSubmission{UserID: "demo-user", Message: "Pause campaign 42"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted job %s (status=%s)\n", job.ID, job.Status)

	done, err := client.WaitForJob(ctx, job.ID, 200*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("job %s finished with status=%s\n", done.ID, done.Status)
}

func demoMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/turns", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentflow.TurnOutcome{
			TurnID:         "turn-demo",
			ConversationID: "conv-demo",
			UserID:         "demo-user",
			Decision:       agentflow.Decision{Kind: "respond"},
			Reply:          "Spend rose 12% while conversions held steady.",
			Iterations:     1,
			CreatedAt:      time.Now().UTC(),
		})
	})
	mux.HandleFunc("POST /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(agentflow.Job{ID: "job-demo", UserID: "demo-user", Status: "pending"})
	})
	mux.HandleFunc("GET /api/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentflow.Job{ID: r.PathValue("id"), UserID: "demo-user", Status: "succeeded"})
	})
	return mux
}
