package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"OpenGoal-Chain/internal/config"
	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/internal/web3"
	"OpenGoal-Chain/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain   string
	clients        map[string]web3.Client
	receiptTimeout time.Duration
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	set, err := web3.LoadChains(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]web3.Client, len(set.Chains))
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}
	for _, spec := range set.Chains {
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:        spec.Name,
			RPCURL:      spec.RPCURL,
			BatchRPCURL: spec.BatchRPCURL,
			Notes:       spec.Description,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", spec.Name, err)
		}
		clients[spec.Name] = client
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		defaultChain = set.Default
	}
	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if defaultChain == "" {
			defaultChain = "default"
		}
	}

	registry, err := NewRegistryFromClients(defaultChain, clients, cfg.ReceiptTimeout)
	if err != nil {
		closeAll()
		return nil, err
	}
	return registry, nil
}

// NewRegistryFromClients builds a registry around existing clients. An empty
// defaultChain selects the alphabetically first chain.
func NewRegistryFromClients(defaultChain string, clients map[string]web3.Client, receiptTimeout time.Duration) (*Registry, error) {
	if len(clients) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任何链的 RPC 端点")
	}
	copied := make(map[string]web3.Client, len(clients))
	for name, c := range clients {
		copied[name] = c
	}
	r := &Registry{defaultChain: defaultChain, clients: copied, receiptTimeout: receiptTimeout}
	if r.defaultChain == "" {
		r.defaultChain = r.Chains()[0]
	}
	if _, ok := copied[r.defaultChain]; !ok {
		return nil, xerrors.Newf(xerrors.CodeInitializationFailure, "默认链 %s 未在配置中找到", r.defaultChain)
	}
	return r, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的链客户端注册表")
	}
	return r.resolve("")
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

func (r *Registry) resolve(name string) (web3.Client, error) {
	if strings.TrimSpace(name) == "" {
		name = r.defaultChain
	}
	client, ok := r.clients[name]
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeNotFound, "链 %s 未在注册表中", name)
	}
	return client, nil
}

// Execute routes the request to the chain it names, or the default chain.
func (r *Registry) Execute(ctx context.Context, req web3.TransactionRequest) (string, error) {
	if r == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未初始化的链客户端注册表")
	}
	client, err := r.resolve(req.Chain)
	if err != nil {
		return "", err
	}
	if req.Chain == "" {
		req.Chain = r.defaultChain
	}
	return web3.Dispatch(ctx, client, req, r.receiptTimeout)
}

// Snapshots returns a snapshot of every registered chain. Chains that fail are skipped.
func (r *Registry) Snapshots(ctx context.Context) []web3.ChainSnapshot {
	if r == nil {
		return nil
	}
	var out []web3.ChainSnapshot
	for _, name := range r.Chains() {
		snapshot, err := r.clients[name].FetchChainSnapshot(ctx)
		if err != nil {
			continue
		}
		snapshot.Chain = name
		out = append(out, snapshot)
	}
	return out
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
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

// DefaultChain returns the name of the default chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}
