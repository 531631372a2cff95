package ethereum

import (
	"context"
	stdErrors "errors"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/upstream"
	"AgentFlow/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Symbol string
	Notes  string
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name   string
	symbol string
	notes  string

	mu        sync.Mutex
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
}

// NewClient dials the configured RPC endpoint.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址", xerrors.WithMetadata("chain", cfg.Name))
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接以太坊节点失败", xerrors.WithMetadata("chain", cfg.Name))
	}
	return NewFromRPC(cfg, rpcClient), nil
}

// NewFromRPC wraps an already connected RPC client, e.g. an in-process one.
func NewFromRPC(cfg Config, rpcClient *gethrpc.Client) *Client {
	symbol := strings.TrimSpace(cfg.Symbol)
	if symbol == "" {
		symbol = "ETH"
	}
	return &Client{
		name:      cfg.Name,
		symbol:    symbol,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

// Symbol returns the native token symbol.
func (c *Client) Symbol() string { return c.symbol }

func (c *Client) client() (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "以太坊客户端已关闭", xerrors.WithMetadata("chain", c.name))
	}
	return c.eth, nil
}

// Snapshot reads the chain id and head block number.
func (c *Client) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	eth, err := c.client()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, rpcError(c.name, err, "获取链 ID 失败")
	}
	blockNumber, err := eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, rpcError(c.name, err, "获取最新区块高度失败")
	}
	return web3.ChainSnapshot{
		Chain:       c.name,
		ChainID:     chainID.String(),
		BlockNumber: blockNumber,
		Notes:       c.notes,
	}, nil
}

// BalanceAt returns the balance at the current head together with that block number.
func (c *Client) BalanceAt(ctx context.Context, address common.Address) (*big.Int, uint64, error) {
	eth, err := c.client()
	if err != nil {
		return nil, 0, err
	}
	head, err := eth.BlockNumber(ctx)
	if err != nil {
		return nil, 0, rpcError(c.name, err, "获取最新区块高度失败")
	}
	balance, err := eth.BalanceAt(ctx, address, new(big.Int).SetUint64(head))
	if err != nil {
		return nil, 0, rpcError(c.name, err, "查询余额失败")
	}
	return balance, head, nil
}

// rpcError 将节点错误映射为统一错误码：JSON-RPC 返回的错误视为上游错误，
// 传输层错误按超时或连接失败处理。
func rpcError(chain string, err error, msg string) error {
	var rpcErr gethrpc.Error
	if stdErrors.As(err, &rpcErr) {
		return xerrors.Wrap(xerrors.CodeUpstream, err, msg, xerrors.WithMetadata("chain", chain))
	}
	var httpErr gethrpc.HTTPError
	if stdErrors.As(err, &httpErr) {
		return upstream.StatusError("chain "+chain, httpErr.StatusCode, string(httpErr.Body))
	}
	return upstream.TransportError("chain "+chain, err)
}

var _ web3.Client = (*Client)(nil)
