package chain

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/tool"
	"AgentFlow/internal/web3"
)

type stubReader struct {
	gotChain string
}

func (s *stubReader) Snapshot(context.Context, string) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{}, nil
}

func (s *stubReader) BalanceAt(_ context.Context, chain, address string) (web3.Balance, error) {
	s.gotChain = chain
	if chain == "down" {
		return web3.Balance{}, xerrors.New(xerrors.CodeUpstream, "node unavailable")
	}
	return web3.Balance{Chain: "mainnet", Address: address, Wei: "1000000000000000000", Amount: "1", Symbol: "ETH", BlockNumber: 9}, nil
}

func (s *stubReader) Chains() []string { return []string{"down", "mainnet"} }

const addr = "0x00000000000000000000000000000000000000aa"

func TestWalletBalance(t *testing.T) {
	reader := &stubReader{}
	out, err := New(reader).Invoke(context.Background(), map[string]any{"address": addr}, tool.RunContext{})
	require.NoError(t, err)
	assert.Equal(t, "", reader.gotChain)

	var bal web3.Balance
	require.NoError(t, json.Unmarshal(out.Data, &bal))
	assert.Equal(t, "1", bal.Amount)
	assert.Equal(t, uint64(9), bal.BlockNumber)

	_, err = New(reader).Invoke(context.Background(), map[string]any{"address": addr, "chain": "down"}, tool.RunContext{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeUpstream))
}

func TestWalletBalanceSchema(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(New(&stubReader{})))
	assert.NoError(t, reg.Validate(Name, map[string]any{"address": addr, "chain": "mainnet"}))
	assert.Error(t, reg.Validate(Name, map[string]any{"address": "0x123"}))
	assert.Error(t, reg.Validate(Name, map[string]any{"address": addr, "chain": "solana"}))
}
