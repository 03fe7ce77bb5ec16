package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/internal/web3"

	"github.com/cenkalti/backoff/v5"
	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const (
	defaultPollInterval   = 500 * time.Millisecond
	defaultReceiptTimeout = 2 * time.Minute
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name         string
	RPCURL       string
	BatchRPCURL  string
	Notes        string
	PollInterval time.Duration
}

// Backend is the subset of the go-ethereum client API the Client relies on.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name         string
	notes        string
	rpcClient    *gethrpc.Client
	batchClient  *gethrpc.Client
	eth          *ethclient.Client
	backend      Backend
	pollInterval time.Duration
	mu           sync.Mutex
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接以太坊节点失败")
	}
	eth := ethclient.NewClient(rpcClient)

	batchClient := rpcClient
	if batchURL := strings.TrimSpace(cfg.BatchRPCURL); batchURL != "" && batchURL != rpcURL {
		batchClient, err = gethrpc.DialContext(ctx, batchURL)
		if err != nil {
			rpcClient.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接批量交易节点失败")
		}
	}

	c := NewClientWithBackend(cfg.Name, cfg.Notes, eth, cfg.PollInterval)
	c.rpcClient = rpcClient
	c.batchClient = batchClient
	c.eth = eth
	return c, nil
}

// NewClientWithBackend wraps an existing backend, such as a simulated chain.
func NewClientWithBackend(name, notes string, backend Backend, pollInterval time.Duration) *Client {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Client{name: name, notes: notes, backend: backend, pollInterval: pollInterval}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.batchClient != nil && c.batchClient != c.rpcClient {
		c.batchClient.Close()
	}
	if c.eth != nil {
		c.eth.Close()
	} else if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.eth = nil
	c.rpcClient = nil
	c.batchClient = nil
	c.backend = nil
}

func (c *Client) currentBackend() (Backend, error) {
	if c == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "以太坊客户端已关闭")
	}
	return c.backend, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	backend, err := c.currentBackend()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, upstream(err, "获取链 ID 失败")
	}
	blockNumber, err := backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, upstream(err, "获取最新区块高度失败")
	}
	return web3.ChainSnapshot{
		Chain:       c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// ExecuteAction runs small helper RPC calls keyed by JSON-RPC method name.
func (c *Client) ExecuteAction(ctx context.Context, action, address string) (string, error) {
	backend, err := c.currentBackend()
	if err != nil {
		return "", err
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "链上操作不能为空")
	}

	switch action {
	case web3.MethodGetBalance:
		addr, err := parseAddress(action, address)
		if err != nil {
			return "", err
		}
		balance, err := backend.BalanceAt(ctx, addr, nil)
		if err != nil {
			return "", upstream(err, "查询余额失败")
		}
		return toHexBig(balance), nil
	case web3.MethodGetTransactionCount:
		addr, err := parseAddress(action, address)
		if err != nil {
			return "", err
		}
		nonce, err := backend.PendingNonceAt(ctx, addr)
		if err != nil {
			return "", upstream(err, "查询交易计数失败")
		}
		return fmt.Sprintf("0x%x", nonce), nil
	default:
		return "", xerrors.Newf(xerrors.CodeInvalidArgument, "暂不支持的链上操作: %s", action)
	}
}

// Call performs a read-only eth_call against the latest block.
func (c *Client) Call(ctx context.Context, req web3.CallRequest) (string, error) {
	backend, err := c.currentBackend()
	if err != nil {
		return "", err
	}
	to, err := parseAddress(web3.MethodCall, req.To)
	if err != nil {
		return "", err
	}
	msg := gethcore.CallMsg{To: &to, Data: common.FromHex(req.Data)}
	if strings.TrimSpace(req.From) != "" {
		from, err := parseAddress(web3.MethodCall, req.From)
		if err != nil {
			return "", err
		}
		msg.From = from
	}
	out, err := backend.CallContract(ctx, msg, nil)
	if err != nil {
		return "", upstream(err, "eth_call 执行失败")
	}
	return "0x" + hex.EncodeToString(out), nil
}

// SendRawTransactions broadcasts pre-signed transactions. Several transactions
// go out in a single RPC batch when a batch endpoint is available.
func (c *Client) SendRawTransactions(ctx context.Context, raw []string) ([]common.Hash, error) {
	backend, err := c.currentBackend()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "没有可发送的交易")
	}

	txs := make([]*coretypes.Transaction, len(raw))
	for i, encoded := range raw {
		tx := new(coretypes.Transaction)
		if err := tx.UnmarshalBinary(common.FromHex(strings.TrimSpace(encoded))); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("交易 %d 不是有效的已签名交易", i))
		}
		txs[i] = tx
	}

	c.mu.Lock()
	batch := c.batchClient
	c.mu.Unlock()
	if batch != nil && len(txs) > 1 {
		return sendBatch(ctx, batch, txs)
	}

	hashes := make([]common.Hash, 0, len(txs))
	for i, tx := range txs {
		if err := backend.SendTransaction(ctx, tx); err != nil {
			return hashes, upstream(err, fmt.Sprintf("交易 %d 发送失败", i))
		}
		hashes = append(hashes, tx.Hash())
	}
	return hashes, nil
}

func sendBatch(ctx context.Context, batch *gethrpc.Client, txs []*coretypes.Transaction) ([]common.Hash, error) {
	hashes := make([]common.Hash, len(txs))
	elems := make([]gethrpc.BatchElem, len(txs))
	for i, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("序列化交易失败: %w", err)
		}
		elems[i] = gethrpc.BatchElem{
			Method: web3.MethodSendRawTransaction,
			Args:   []any{"0x" + hex.EncodeToString(raw)},
			Result: &hashes[i],
		}
	}
	if err := batch.BatchCallContext(ctx, elems); err != nil {
		return nil, upstream(err, "批量发送交易失败")
	}
	for i := range elems {
		if elems[i].Error != nil {
			return nil, upstream(elems[i].Error, fmt.Sprintf("交易 %d 发送失败", i))
		}
	}
	return hashes, nil
}

// WaitReceipt polls for the receipt of hash until it is mined or timeout elapses.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (web3.ReceiptSummary, error) {
	backend, err := c.currentBackend()
	if err != nil {
		return web3.ReceiptSummary{}, err
	}
	if timeout <= 0 {
		timeout = defaultReceiptTimeout
	}

	receipt, err := backoff.Retry(ctx, func() (*coretypes.Receipt, error) {
		receipt, err := backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, backoff.Permanent(err)
		}
		return nil, gethcore.NotFound
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.pollInterval)),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return web3.ReceiptSummary{}, xerrors.Newf(xerrors.CodeTimeout, "等待交易 %s 回执超时", hash.Hex())
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return web3.ReceiptSummary{}, ctxErr
		}
		return web3.ReceiptSummary{}, upstream(err, "查询交易回执失败")
	}

	summary := web3.ReceiptSummary{
		TxHash:  hash.Hex(),
		Status:  receipt.Status,
		GasUsed: receipt.GasUsed,
		Logs:    len(receipt.Logs),
	}
	if receipt.BlockNumber != nil {
		summary.BlockNumber = toHexBig(receipt.BlockNumber)
	}
	if receipt.ContractAddress != (common.Address{}) {
		summary.ContractAddress = receipt.ContractAddress.Hex()
	}
	return summary, nil
}

func parseAddress(method, address string) (common.Address, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return common.Address{}, xerrors.Newf(xerrors.CodeInvalidArgument, "%s 需要提供地址", method)
	}
	if !common.IsHexAddress(address) {
		return common.Address{}, xerrors.Newf(xerrors.CodeInvalidArgument, "%s 的地址 %q 无效", method, address)
	}
	return common.HexToAddress(address), nil
}

func upstream(err error, message string) error {
	return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, message)
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
