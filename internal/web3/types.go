package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// nativeDecimals 是 EVM 原生代币的精度。
const nativeDecimals = 18

// ChainSnapshot summarises the head of a chain.
type ChainSnapshot struct {
	Chain       string `json:"chain"`
	ChainID     string `json:"chain_id"`
	BlockNumber uint64 `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Balance is the native balance of an address at the head block.
type Balance struct {
	Chain       string `json:"chain"`
	Address     string `json:"address"`
	Wei         string `json:"wei"`
	Amount      string `json:"amount"`
	Symbol      string `json:"symbol,omitempty"`
	BlockNumber uint64 `json:"block_number"`
}

// FormatUnits converts a wei amount into whole units.
func FormatUnits(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -nativeDecimals).String()
}

// Client is implemented by every chain backend.
type Client interface {
	Snapshot(ctx context.Context) (ChainSnapshot, error)
	BalanceAt(ctx context.Context, address common.Address) (*big.Int, uint64, error)
	Symbol() string
	Close()
}

// Reader resolves chains by name. An empty name selects the default chain.
type Reader interface {
	Snapshot(ctx context.Context, chain string) (ChainSnapshot, error)
	BalanceAt(ctx context.Context, chain, address string) (Balance, error)
	Chains() []string
}
