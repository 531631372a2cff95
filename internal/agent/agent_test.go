package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentFlow/internal/cache"
	"AgentFlow/internal/credit"
	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/llm"
	"AgentFlow/internal/ratelimit"
	"AgentFlow/internal/retry"
	"AgentFlow/internal/storage"
	"AgentFlow/internal/tool"
)

// scriptedLLM 按 SchemaName 返回预设内容：intent 依次消费 intents（最后一个重复使用），
// parameters 返回 params。
type scriptedLLM struct {
	mu          sync.Mutex
	intents     []string
	params      string
	err         error
	intentCalls int
	lastHistory []llm.Message
}

func (s *scriptedLLM) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	switch req.SchemaName {
	case "intent":
		idx := s.intentCalls
		if idx >= len(s.intents) {
			idx = len(s.intents) - 1
		}
		s.intentCalls++
		s.lastHistory = req.History
		return &llm.Response{Text: s.intents[idx]}, nil
	case "parameters":
		return &llm.Response{Text: s.params}, nil
	default:
		return nil, fmt.Errorf("unexpected schema %q", req.SchemaName)
	}
}

type recordingTurns struct {
	mu      sync.Mutex
	records []storage.TurnRecord
}

func (r *recordingTurns) SaveTurn(_ context.Context, rec storage.TurnRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingTurns) ListRecent(_ context.Context, conversationID string, limit int) ([]storage.TurnRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []storage.TurnRecord
	for i := len(r.records) - 1; i >= 0 && len(out) < limit; i-- {
		if r.records[i].ConversationID == conversationID {
			out = append(out, r.records[i])
		}
	}
	return out, nil
}

type harness struct {
	gate     *credit.MemoryGate
	registry *tool.Registry
	llm      *scriptedLLM
	turns    *recordingTurns

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T, balance int64, intents ...string) *harness {
	t.Helper()
	h := &harness{
		gate:     credit.NewMemoryGate(),
		registry: tool.NewRegistry(),
		llm:      &scriptedLLM{intents: intents},
		turns:    &recordingTurns{},
	}
	h.gate.Deposit("u1", decimal.NewFromInt(balance))
	return h
}

func (h *harness) register(t *testing.T, tools ...tool.Tool) {
	t.Helper()
	for _, tl := range tools {
		require.NoError(t, h.registry.Register(tl))
	}
}

func (h *harness) sleep(_ context.Context, d time.Duration) error {
	h.mu.Lock()
	h.sleeps = append(h.sleeps, d)
	h.mu.Unlock()
	return nil
}

func (h *harness) recordedSleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func (h *harness) agent(opts ...Option) *Agent {
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond, Sleep: h.sleep}
	router := NewRouter(h.llm, policy, nil)
	planner := NewPlanner(h.registry, nil, WithExtractor(h.llm, policy))
	executor := NewExecutor(h.registry, h.gate, cache.NewManager(nil),
		ratelimit.New(ratelimit.NewWindowBackend(nil, nil)), WithRetryPolicy(policy))
	return New(router, planner, executor, h.gate, append([]Option{WithTurnStore(h.turns)}, opts...)...)
}

func (h *harness) available() decimal.Decimal {
	available, _ := h.gate.Balance("u1")
	return available
}

func intentJSON(category Category, slots map[string]any, followups ...Category) string {
	raw, _ := json.Marshal(map[string]any{"category": category, "confidence": 0.9, "slots": slots, "followups": followups})
	return string(raw)
}

var promptSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"prompt":  map[string]any{"type": "string", "minLength": 1},
		"style":   map[string]any{"type": "string"},
		"context": map[string]any{"type": "string"},
	},
	"required": []any{"prompt"},
}

type invokeFn func(ctx context.Context, params map[string]any) (tool.Output, error)

func newTool(name string, cost int64, ttl time.Duration, schema map[string]any, fn invokeFn) tool.Tool {
	return tool.Func{
		Def: tool.Definition{
			Name:       name,
			Category:   tool.CategoryGeneration,
			Service:    strings.Split(name, ".")[0],
			Parameters: schema,
			CreditCost: decimal.NewFromInt(cost),
			CacheTTL:   ttl,
		},
		Fn: func(ctx context.Context, params map[string]any, _ tool.RunContext) (tool.Output, error) {
			return fn(ctx, params)
		},
	}
}

func textReply(text string) invokeFn {
	return func(context.Context, map[string]any) (tool.Output, error) {
		return tool.JSON(map[string]any{"text": text})
	}
}

func TestHandleTurnRespondsAndCharges(t *testing.T) {
	h := newHarness(t, 10, intentJSON(CategoryContentText, map[string]any{"tone": "playful"}))
	var got map[string]any
	h.register(t, newTool("text.generate", 2, 0, promptSchema, func(_ context.Context, params map[string]any) (tool.Output, error) {
		got = params
		return tool.JSON(map[string]any{"text": "Fresh coffee, fresh start."})
	}))

	outcome, err := h.agent().HandleTurn(context.Background(), TurnRequest{ConversationID: "c1", UserID: "u1", Message: "write a tagline for our cafe"})
	require.NoError(t, err)

	assert.Equal(t, DecisionRespond, outcome.Decision.Kind)
	assert.Equal(t, CategoryContentText, outcome.Intent.Category)
	assert.Equal(t, 1, outcome.Iterations)
	assert.Equal(t, "Fresh coffee, fresh start.", outcome.Reply)
	assert.True(t, outcome.CreditsCharged.Equal(decimal.NewFromInt(2)))
	assert.True(t, h.available().Equal(decimal.NewFromInt(8)))
	assert.Equal(t, "write a tagline for our cafe", got["prompt"])
	assert.Equal(t, "playful", got["style"])
	require.Len(t, h.turns.records, 1)
	assert.Equal(t, "respond", h.turns.records[0].Decision)
}

func TestInsufficientCreditsFailsWithoutCharging(t *testing.T) {
	h := newHarness(t, 10, intentJSON(CategoryContentImage, nil))
	var invoked atomic.Int32
	h.register(t, newTool("image.generate", 15, 0, promptSchema, func(context.Context, map[string]any) (tool.Output, error) {
		invoked.Add(1)
		return tool.JSON(map[string]any{"url": "https://cdn.example/a.png"})
	}))

	outcome, err := h.agent().HandleTurn(context.Background(), TurnRequest{UserID: "u1", Message: "draw a cat"})
	require.NoError(t, err)

	assert.Equal(t, DecisionFail, outcome.Decision.Kind)
	assert.Equal(t, xerrors.CodeInsufficientCredits, outcome.Decision.ErrorKind)
	assert.Zero(t, invoked.Load())
	assert.True(t, h.available().Equal(decimal.NewFromInt(10)))
	assert.True(t, outcome.CreditsCharged.IsZero())
}

func TestConcurrentTurnsOfSameUserAdmitOnlyOne(t *testing.T) {
	h := newHarness(t, 10, intentJSON(CategoryContentText, nil))
	h.register(t, newTool("text.generate", 6, 0, promptSchema, textReply("ok")))
	ag := h.agent()

	var wg sync.WaitGroup
	outcomes := make([]*TurnOutcome, 2)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := ag.HandleTurn(context.Background(), TurnRequest{UserID: "u1", Message: fmt.Sprintf("copy %d", i)})
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	var responded, rejected int
	for _, out := range outcomes {
		require.NotNil(t, out)
		switch {
		case out.Decision.Kind == DecisionRespond:
			responded++
		case out.Decision.ErrorKind == xerrors.CodeInsufficientCredits:
			rejected++
		}
	}
	assert.Equal(t, 1, responded)
	assert.Equal(t, 1, rejected)
	assert.True(t, h.available().Equal(decimal.NewFromInt(4)))
}

func TestTransientFailuresAreRetriedWithinStep(t *testing.T) {
	h := newHarness(t, 10, intentJSON(CategoryContentText, nil))
	var calls atomic.Int32
	h.register(t, newTool("text.generate", 1, 0, promptSchema, func(context.Context, map[string]any) (tool.Output, error) {
		if calls.Add(1) <= 2 {
			return tool.Output{}, xerrors.New(xerrors.CodeTimeout, "generation timed out")
		}
		return tool.JSON(map[string]any{"text": "third time lucky"})
	}))

	outcome, err := h.agent().HandleTurn(context.Background(), TurnRequest{UserID: "u1", Message: "hello"})
	require.NoError(t, err)

	require.Equal(t, DecisionRespond, outcome.Decision.Kind)
	require.Len(t, outcome.Results, 1)
	assert.Equal(t, StatusOK, outcome.Results[0].Status)
	assert.Equal(t, 3, outcome.Results[0].Attempts)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, h.recordedSleeps())
	assert.True(t, h.available().Equal(decimal.NewFromInt(9)))
}

func TestCacheHitReleasesReservation(t *testing.T) {
	h := newHarness(t, 10, intentJSON(CategoryContentText, nil))
	var calls atomic.Int32
	h.register(t, newTool("text.generate", 2, time.Minute, promptSchema, func(context.Context, map[string]any) (tool.Output, error) {
		calls.Add(1)
		return tool.JSON(map[string]any{"text": "cached copy"})
	}))
	ag := h.agent()

	first, err := ag.HandleTurn(context.Background(), TurnRequest{UserID: "u1", Message: "same request"})
	require.NoError(t, err)
	second, err := ag.HandleTurn(context.Background(), TurnRequest{UserID: "u1", Message: "same request"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, first.Results[0].Cached)
	assert.True(t, second.Results[0].Cached)
	assert.True(t, second.CreditsCharged.IsZero())
	assert.Equal(t, first.Results[0].Data, second.Results[0].Data)
	assert.True(t, h.available().Equal(decimal.NewFromInt(8)))
}

func TestConcurrentIdenticalTurnsInvokeToolOnce(t *testing.T) {
	h := newHarness(t, 20, intentJSON(CategoryContentText, nil))
	var calls atomic.Int32
	release := make(chan struct{})
	h.register(t, newTool("text.generate", 2, time.Minute, promptSchema, func(ctx context.Context, _ map[string]any) (tool.Output, error) {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return tool.Output{}, ctx.Err()
		}
		return tool.JSON(map[string]any{"text": "one render for everyone"})
	}))
	ag := h.agent()

	const turns = 5
	var wg sync.WaitGroup
	outcomes := make([]*TurnOutcome, turns)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := ag.HandleTurn(context.Background(), TurnRequest{UserID: "u1", Message: "same banner copy"})
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	var charged, cached int
	for _, out := range outcomes {
		require.NotNil(t, out)
		require.Equal(t, DecisionRespond, out.Decision.Kind)
		require.Len(t, out.Results, 1)
		if out.Results[0].Cached {
			cached++
			assert.True(t, out.CreditsCharged.IsZero())
			continue
		}
		charged++
		assert.True(t, out.CreditsCharged.Equal(decimal.NewFromInt(2)))
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, charged)
	assert.Equal(t, turns-1, cached)
	assert.True(t, h.available().Equal(decimal.NewFromInt(18)))
	assert.Zero(t, h.gate.Pending())
}

func TestMalformedClassificationFallsBackToUnclassified(t *testing.T) {
	h := newHarness(t, 10, "definitely not json", `{"category":"astrology","confidence":0.5}`)
	h.register(t, newTool("text.generate", 0, 0, promptSchema, textReply("Happy to help.")))

	outcome, err := h.agent().HandleTurn(context.Background(), TurnRequest{UserID: "u1", Message: "hmm"})
	require.NoError(t, err)

	assert.Equal(t, CategoryUnclassified, outcome.Intent.Category)
	assert.Zero(t, outcome.Intent.Confidence)
	assert.Equal(t, DecisionRespond, outcome.Decision.Kind)
	assert.Equal(t, 2, h.llm.intentCalls)
}

func TestQuotaExceededDuringClassificationFailsTurn(t *testing.T) {
	h := newHarness(t, 10, intentJSON(CategoryContentText, nil))
	h.llm.err = xerrors.New(xerrors.CodeQuotaExceeded, "quota exhausted")

	outcome, err := h.agent().HandleTurn(context.Background(), TurnRequest{UserID: "u1", Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, DecisionFail, outcome.Decision.Kind)
	assert.Equal(t, xerrors.CodeQuotaExceeded, outcome.Decision.ErrorKind)
	assert.Empty(t, h.recordedSleeps())
}

func TestLoopStopsAtMaxIterations(t *testing.T) {
	h := newHarness(t, 10, intentJSON(CategoryContentText, nil))
	var calls atomic.Int32
	h.register(t, newTool("text.generate", 3, 0, promptSchema, func(context.Context, map[string]any) (tool.Output, error) {
		calls.Add(1)
		return tool.Output{}, xerrors.New(xerrors.CodeUpstream, "502 from provider")
	}))

	outcome, err := h.agent(WithMaxIterations(3)).HandleTurn(context.Background(), TurnRequest{UserID: "u1", Message: "hello"})
	require.NoError(t, err)

	assert.Equal(t, DecisionFail, outcome.Decision.Kind)
	assert.Equal(t, xerrors.CodeMaxIterationsExceeded, outcome.Decision.ErrorKind)
	assert.Equal(t, 3, outcome.Iterations)
	assert.Equal(t, int32(9), calls.Load())
	assert.True(t, h.available().Equal(decimal.NewFromInt(10)))
}

func TestDegradedResultRespondsWithCaveat(t *testing.T) {
	h := newHarness(t, 10, intentJSON(CategoryCampaignReport, map[string]any{"campaign_id": "cmp-1"}))
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"campaign_id": map[string]any{"type": "string"}},
		"required":   []any{"campaign_id"},
	}
	h.register(t, newTool("campaign.report", 1, time.Minute, schema, func(context.Context, map[string]any) (tool.Output, error) {
		out, err := tool.JSON(map[string]any{"impressions": 1200})
		out.Degraded = true
		out.Notes = "ctr unavailable"
		return out, err
	}))
	ag := h.agent()

	outcome, err := ag.HandleTurn(context.Background(), TurnRequest{UserID: "u1", Message: "how is cmp-1 doing"})
	require.NoError(t, err)

	require.Equal(t, DecisionRespond, outcome.Decision.Kind)
	require.NotNil(t, outcome.Decision.Payload)
	assert.True(t, outcome.Results[0].Degraded)
	require.Len(t, outcome.Decision.Payload.Caveats, 1)
	assert.Contains(t, outcome.Decision.Payload.Caveats[0], "ctr unavailable")

	// 降级结果不写入缓存。
	again, err := ag.HandleTurn(context.Background(), TurnRequest{UserID: "u1", Message: "how is cmp-1 doing"})
	require.NoError(t, err)
	assert.False(t, again.Results[0].Cached)
}

func webResearchTools(h *harness, t *testing.T, scrape invokeFn, prompts *[]string) {
	scrapeSchema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"url": map[string]any{"type": "string", "minLength": 1}},
		"required":   []any{"url"},
	}
	var mu sync.Mutex
	h.register(t,
		newTool("web.scrape", 1, 0, scrapeSchema, scrape),
		newTool("text.generate", 1, 0, promptSchema, func(_ context.Context, params map[string]any) (tool.Output, error) {
			mu.Lock()
			*prompts = append(*prompts, params["prompt"].(string))
			mu.Unlock()
			return tool.JSON(map[string]any{"text": "summary"})
		}),
	)
}

func TestDependentStepReceivesPriorResult(t *testing.T) {
	h := newHarness(t, 10, intentJSON(CategoryWebResearch, map[string]any{"url": "https://example.com"}))
	var prompts []string
	webResearchTools(h, t, func(_ context.Context, params map[string]any) (tool.Output, error) {
		return tool.JSON(map[string]any{"title": "Example Domain", "text": "This domain is for use in examples."})
	}, &prompts)

	outcome, err := h.agent().HandleTurn(context.Background(), TurnRequest{UserID: "u1", Message: "summarise example.com"})
	require.NoError(t, err)

	require.Equal(t, DecisionRespond, outcome.Decision.Kind)
	require.Len(t, outcome.Results, 2)
	assert.Equal(t, "page", outcome.Results[0].StepID)
	assert.Equal(t, "summary", outcome.Results[1].StepID)
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "Title: Example Domain")
	assert.Contains(t, prompts[0], "This domain is for use in examples.")
	assert.True(t, h.available().Equal(decimal.NewFromInt(8)))
}

func TestPermanentFailureUsesFallbackPlan(t *testing.T) {
	h := newHarness(t, 10, intentJSON(CategoryWebResearch, map[string]any{"url": "https://gone.example"}))
	var prompts []string
	webResearchTools(h, t, func(context.Context, map[string]any) (tool.Output, error) {
		return tool.Output{}, xerrors.New(xerrors.CodeNotFound, "404")
	}, &prompts)

	outcome, err := h.agent().HandleTurn(context.Background(), TurnRequest{UserID: "u1", Message: "what does gone.example say"})
	require.NoError(t, err)

	require.Equal(t, DecisionRespond, outcome.Decision.Kind)
	assert.Equal(t, 2, outcome.Iterations)
	require.Len(t, prompts, 1)
	assert.Equal(t, "what does gone.example say", prompts[0])

	byStep := map[string]ToolResult{}
	for _, r := range outcome.Results {
		byStep[r.StepID] = r
	}
	assert.Equal(t, xerrors.CodeNotFound, byStep["page"].ErrorKind)
	assert.Equal(t, xerrors.CodeDependencyFailed, byStep["summary"].ErrorKind)
	assert.Equal(t, StatusOK, byStep["answer_offline"].Status)
	assert.NotEmpty(t, outcome.Decision.Payload.Caveats)
	// 只有 answer_offline 被扣费。
	assert.True(t, h.available().Equal(decimal.NewFromInt(9)))
}

func TestFollowupCategoriesRunInLaterIterations(t *testing.T) {
	h := newHarness(t, 10, intentJSON(CategoryContentText, nil, CategoryContentImage))
	h.register(t,
		newTool("text.generate", 1, 0, promptSchema, textReply("caption")),
		newTool("image.generate", 2, 0, promptSchema, func(context.Context, map[string]any) (tool.Output, error) {
			return tool.JSON(map[string]any{"url": "https://cdn.example/a.png"})
		}),
	)

	outcome, err := h.agent().HandleTurn(context.Background(), TurnRequest{UserID: "u1", Message: "caption and picture"})
	require.NoError(t, err)

	require.Equal(t, DecisionRespond, outcome.Decision.Kind)
	assert.Equal(t, 2, outcome.Iterations)
	assert.Len(t, outcome.Decision.Payload.Results, 2)
	assert.True(t, h.available().Equal(decimal.NewFromInt(7)))
}

func TestMissingParametersAreExtractedOrRejected(t *testing.T) {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"address": map[string]any{"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"}},
		"required":   []any{"address"},
	}
	balance := func(_ context.Context, params map[string]any) (tool.Output, error) {
		return tool.JSON(map[string]any{"address": params["address"], "wei": "1000"})
	}

	t.Run("extracted", func(t *testing.T) {
		h := newHarness(t, 10, intentJSON(CategoryWalletBalance, nil))
		h.llm.params = `{"address":"0x00000000000000000000000000000000000000aa"}`
		h.register(t, newTool("wallet.balance", 0, 0, schema, balance))

		outcome, err := h.agent().HandleTurn(context.Background(), TurnRequest{UserID: "u1", Message: "balance of 0x...aa"})
		require.NoError(t, err)
		assert.Equal(t, DecisionRespond, outcome.Decision.Kind)
	})

	t.Run("rejected", func(t *testing.T) {
		h := newHarness(t, 10, intentJSON(CategoryWalletBalance, nil))
		h.llm.params = `{"address":"not-an-address"}`
		var invoked atomic.Int32
		h.register(t, newTool("wallet.balance", 0, 0, schema, func(ctx context.Context, params map[string]any) (tool.Output, error) {
			invoked.Add(1)
			return balance(ctx, params)
		}))

		outcome, err := h.agent().HandleTurn(context.Background(), TurnRequest{UserID: "u1", Message: "my balance"})
		require.NoError(t, err)
		assert.Equal(t, DecisionFail, outcome.Decision.Kind)
		assert.Equal(t, xerrors.CodeInvalidParameters, outcome.Decision.ErrorKind)
		assert.Zero(t, invoked.Load())
	})
}

func TestUnknownToolFailsWithToolNotFound(t *testing.T) {
	h := newHarness(t, 10, intentJSON(CategoryContentVideo, nil))

	outcome, err := h.agent().HandleTurn(context.Background(), TurnRequest{UserID: "u1", Message: "make a video"})
	require.NoError(t, err)
	assert.Equal(t, DecisionFail, outcome.Decision.Kind)
	assert.Equal(t, xerrors.CodeToolNotFound, outcome.Decision.ErrorKind)
}

func TestCancellationReleasesReservations(t *testing.T) {
	h := newHarness(t, 10, intentJSON(CategoryContentText, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.register(t, newTool("text.generate", 4, 0, promptSchema, func(ctx context.Context, _ map[string]any) (tool.Output, error) {
		cancel()
		<-ctx.Done()
		return tool.Output{}, ctx.Err()
	}))

	outcome, err := h.agent().HandleTurn(ctx, TurnRequest{UserID: "u1", Message: "hello"})
	require.NoError(t, err)

	assert.Equal(t, DecisionFail, outcome.Decision.Kind)
	assert.Equal(t, xerrors.CodeCanceled, outcome.Decision.ErrorKind)
	assert.True(t, h.available().Equal(decimal.NewFromInt(10)))
	_, reserved := h.gate.Balance("u1")
	assert.True(t, reserved.IsZero())
	assert.Len(t, h.turns.records, 1)
}

func TestTurnDeadlineFailsWithTimeout(t *testing.T) {
	h := newHarness(t, 10, intentJSON(CategoryContentText, nil))
	h.register(t, newTool("text.generate", 4, 0, promptSchema, func(ctx context.Context, _ map[string]any) (tool.Output, error) {
		<-ctx.Done()
		return tool.Output{}, ctx.Err()
	}))

	outcome, err := h.agent(WithTurnTimeout(30*time.Millisecond)).HandleTurn(context.Background(), TurnRequest{UserID: "u1", Message: "hello"})
	require.NoError(t, err)

	assert.Equal(t, DecisionFail, outcome.Decision.Kind)
	assert.Equal(t, xerrors.CodeTimeout, outcome.Decision.ErrorKind)
	assert.True(t, h.available().Equal(decimal.NewFromInt(10)))
}

func TestHistoryIsLoadedFromPreviousTurns(t *testing.T) {
	h := newHarness(t, 10, intentJSON(CategoryContentText, nil))
	h.register(t, newTool("text.generate", 0, 0, promptSchema, textReply("first answer")))
	ag := h.agent()

	_, err := ag.HandleTurn(context.Background(), TurnRequest{ConversationID: "conv", UserID: "u1", Message: "first"})
	require.NoError(t, err)
	_, err = ag.HandleTurn(context.Background(), TurnRequest{ConversationID: "conv", UserID: "u1", Message: "second"})
	require.NoError(t, err)

	require.Len(t, h.llm.lastHistory, 2)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "first"}, h.llm.lastHistory[0])
	assert.Equal(t, llm.Message{Role: llm.RoleAssistant, Content: "first answer"}, h.llm.lastHistory[1])
}

func TestHandleTurnValidatesInput(t *testing.T) {
	h := newHarness(t, 10, intentJSON(CategoryContentText, nil))
	_, err := h.agent().HandleTurn(context.Background(), TurnRequest{UserID: "u1", Message: "   "})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = h.agent().HandleTurn(context.Background(), TurnRequest{Message: "hi"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}
