package provider

import (
	"context"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentFlow/internal/errors"
	"AgentFlow/internal/web3"
	"AgentFlow/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg web3.Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainFile)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]web3.Client)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			closeAll(clients)
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "链使用了不支持的类型",
				xerrors.WithMetadata("chain", name), xerrors.WithMetadata("type", chain.Type))
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:   name,
			RPCURL: chain.RPCURL,
			Symbol: chain.Symbol,
			Notes:  chain.Description,
		})
		if err != nil {
			closeAll(clients)
			return nil, err
		}
		clients[name] = client
	}

	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}
	return NewStatic(cfg.DefaultChain, clients)
}

// NewStatic builds a registry over already constructed clients.
func NewStatic(defaultChain string, clients map[string]web3.Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任何链的 RPC 端点")
	}
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		closeAll(clients)
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "默认链未在配置中找到", xerrors.WithMetadata("chain", defaultChain))
	}
	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

func (r *Registry) resolve(chain string) (string, web3.Client, error) {
	name := strings.TrimSpace(chain)
	if name == "" {
		name = r.defaultChain
	}
	client, ok := r.clients[name]
	if !ok {
		return "", nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的链", xerrors.WithMetadata("chain", name))
	}
	return name, client, nil
}

// Snapshot implements web3.Reader.
func (r *Registry) Snapshot(ctx context.Context, chain string) (web3.ChainSnapshot, error) {
	name, client, err := r.resolve(chain)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	snap, err := client.Snapshot(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	snap.Chain = name
	return snap, nil
}

// BalanceAt implements web3.Reader.
func (r *Registry) BalanceAt(ctx context.Context, chain, address string) (web3.Balance, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return web3.Balance{}, xerrors.New(xerrors.CodeInvalidParameters, "地址格式不正确", xerrors.WithMetadata("address", address))
	}
	name, client, err := r.resolve(chain)
	if err != nil {
		return web3.Balance{}, err
	}
	addr := common.HexToAddress(address)
	wei, block, err := client.BalanceAt(ctx, addr)
	if err != nil {
		return web3.Balance{}, err
	}
	return web3.Balance{
		Chain:       name,
		Address:     addr.Hex(),
		Wei:         wei.String(),
		Amount:      web3.FormatUnits(wei),
		Symbol:      client.Symbol(),
		BlockNumber: block,
	}, nil
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.clients)
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func closeAll(clients map[string]web3.Client) {
	for name, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, name)
	}
}

var _ web3.Reader = (*Registry)(nil)
