package provider

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/web3"
)

type stubClient struct {
	symbol  string
	balance *big.Int
	closed  bool
}

func (s *stubClient) Snapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{ChainID: "1", BlockNumber: 7}, nil
}

func (s *stubClient) BalanceAt(context.Context, common.Address) (*big.Int, uint64, error) {
	return s.balance, 7, nil
}

func (s *stubClient) Symbol() string { return s.symbol }
func (s *stubClient) Close()         { s.closed = true }

func TestRegistryResolvesDefaultChain(t *testing.T) {
	wei, _ := new(big.Int).SetString("2000000000000000000", 10)
	mainnet := &stubClient{symbol: "ETH", balance: wei}
	polygon := &stubClient{symbol: "POL", balance: big.NewInt(5)}
	reg, err := NewStatic("", map[string]web3.Client{"mainnet": mainnet, "polygon": polygon})
	require.NoError(t, err)
	assert.Equal(t, []string{"mainnet", "polygon"}, reg.Chains())

	bal, err := reg.BalanceAt(context.Background(), "", "0x00000000000000000000000000000000000000aa")
	require.NoError(t, err)
	assert.Equal(t, "mainnet", bal.Chain)
	assert.Equal(t, "2", bal.Amount)
	assert.Equal(t, "ETH", bal.Symbol)

	snap, err := reg.Snapshot(context.Background(), "polygon")
	require.NoError(t, err)
	assert.Equal(t, "polygon", snap.Chain)

	reg.Close()
	assert.True(t, mainnet.closed)
	assert.True(t, polygon.closed)
}

func TestRegistryRejectsBadInput(t *testing.T) {
	reg, err := NewStatic("mainnet", map[string]web3.Client{"mainnet": &stubClient{balance: big.NewInt(1)}})
	require.NoError(t, err)

	_, err = reg.BalanceAt(context.Background(), "", "not-an-address")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidParameters))

	_, err = reg.Snapshot(context.Background(), "solana")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = NewStatic("missing", map[string]web3.Client{"mainnet": &stubClient{}})
	assert.Error(t, err)
}

func TestNewRegistryRejectsUnsupportedType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chains:\n  sol:\n    type: solana\n    rpc_url: http://127.0.0.1:1\n"), 0o644))

	_, err := NewRegistry(context.Background(), web3.Config{ChainFile: path})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = NewRegistry(context.Background(), web3.Config{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))
}
