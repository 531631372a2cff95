package tools

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentFlow/internal/llm"
	"AgentFlow/internal/tool"
	"AgentFlow/internal/tools/scrape"
	"AgentFlow/internal/tools/textgen"
)

func echoLLM() llm.Client {
	return llm.ClientFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: req.Prompt}, nil
	})
}

func TestBuiltinSkipsMissingDeps(t *testing.T) {
	list := Builtin(Deps{LLM: echoLLM()})
	var names []string
	for _, tl := range list {
		names = append(names, tl.Describe().Name)
	}
	assert.Equal(t, []string{textgen.Name, scrape.Name}, names)
}

func TestRegisterAppliesSettings(t *testing.T) {
	disabled := false
	cost := decimal.RequireFromString("0.5")
	noCache := time.Duration(0)
	reg := tool.NewRegistry()

	names, err := Register(reg, Builtin(Deps{LLM: echoLLM()}), map[string]Settings{
		textgen.Name: {CreditCost: &cost, CacheTTL: &noCache, RiskLevel: "medium"},
		scrape.Name:  {Enabled: &disabled},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{textgen.Name}, names)

	def, ok := reg.Definition(textgen.Name)
	require.True(t, ok)
	assert.True(t, def.CreditCost.Equal(cost))
	assert.Equal(t, time.Duration(0), def.CacheTTL)
	assert.Equal(t, tool.RiskMedium, def.RiskLevel)

	out, err := reg.Invoke(context.Background(), textgen.Name, map[string]any{"prompt": "hello"}, tool.RunContext{})
	require.NoError(t, err)
	assert.Contains(t, string(out.Data), "hello")
}

func TestApplyWithoutOverridesKeepsTool(t *testing.T) {
	tl := textgen.New(echoLLM())
	applied, ok := Apply(tl, Settings{})
	require.True(t, ok)
	assert.Same(t, tl, applied)
}
