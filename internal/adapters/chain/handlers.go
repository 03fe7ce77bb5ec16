// Package chain exposes the web3 registry to the orchestrator as input,
// action and output handlers so the Processor can route on-chain reads and
// broadcasts through the autonomous dispatch loop.
package chain

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	xerrors "OpenGoal-Chain/internal/errors"
	"OpenGoal-Chain/internal/orchestrator"
	"OpenGoal-Chain/internal/web3"
	"OpenGoal-Chain/pkg/logger"
)

// 注册的处理器名称。
const (
	HandlerSnapshot = "chain_snapshot"
	HandlerRead     = "chain_read"
	HandlerSend     = "chain_send_raw_transaction"
	HandlerReport   = "chain_report"
)

const readSchema = `{
  "type": "object",
  "required": ["method"],
  "properties": {
    "chain": {"type": "string"},
    "method": {"enum": ["snapshot", "eth_getBalance", "eth_getTransactionCount", "eth_call"]},
    "address": {"type": "string"},
    "from": {"type": "string"},
    "to": {"type": "string"},
    "data": {"type": "string"}
  }
}`

const sendSchema = `{
  "type": "object",
  "anyOf": [{"required": ["raw_tx"]}, {"required": ["raw_txs"]}],
  "properties": {
    "chain": {"type": "string"},
    "raw_tx": {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
    "raw_txs": {"type": "array", "minItems": 1, "items": {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"}},
    "wait_receipt": {"type": "boolean"}
  }
}`

// Chains 是处理器依赖的链访问能力，由 provider.Registry 实现。
type Chains interface {
	Execute(ctx context.Context, req web3.TransactionRequest) (string, error)
	Snapshots(ctx context.Context) []web3.ChainSnapshot
}

// Registrar 接收处理器注册，由 orchestrator.Orchestrator 实现。
type Registrar interface {
	RegisterIOHandler(h orchestrator.Handler) error
}

type adapter struct {
	chains Chains
	logger *slog.Logger
	audit  *slog.Logger
}

// Options 控制注册哪些处理器。
type Options struct {
	// SnapshotInterval 大于 0 时链快照输入按该间隔定时触发。
	SnapshotInterval time.Duration
	// AllowBroadcast 为 false 时不注册广播交易的动作处理器。
	AllowBroadcast bool
	Logger         *slog.Logger
}

// Register 把链处理器注册到 registrar。
func Register(r Registrar, chains Chains, opts Options) error {
	if chains == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置链客户端注册表")
	}
	a := &adapter{chains: chains, logger: opts.Logger, audit: logger.Audit()}
	if a.logger == nil {
		a.logger = logger.Named("chain-adapter")
	}

	handlers := []orchestrator.Handler{
		{
			Name:        HandlerSnapshot,
			Role:        orchestrator.RoleInput,
			Description: "Fetch chain id and latest block number of every configured chain.",
			Handler:     a.snapshot,
			Interval:    opts.SnapshotInterval,
		},
		{
			Name:        HandlerRead,
			Role:        orchestrator.RoleAction,
			Description: "Read chain state: snapshot, eth_getBalance, eth_getTransactionCount or eth_call.",
			Schema:      json.RawMessage(readSchema),
			Handler:     a.read,
		},
		{
			Name:        HandlerReport,
			Role:        orchestrator.RoleOutput,
			Description: "Record a chain result in the audit log.",
			Handler:     a.report,
		},
	}
	if opts.AllowBroadcast {
		handlers = append(handlers, orchestrator.Handler{
			Name:        HandlerSend,
			Role:        orchestrator.RoleAction,
			Description: "Broadcast pre-signed raw transactions and optionally wait for receipts.",
			Schema:      json.RawMessage(sendSchema),
			Handler:     a.send,
		})
	}
	for _, h := range handlers {
		if err := r.RegisterIOHandler(h); err != nil {
			return err
		}
	}
	return nil
}

func (a *adapter) snapshot(ctx context.Context, _ any) (any, error) {
	snapshots := a.chains.Snapshots(ctx)
	if len(snapshots) == 0 {
		a.logger.Debug("没有可用的链快照")
		return nil, nil
	}
	return snapshots, nil
}

func (a *adapter) read(ctx context.Context, payload any) (any, error) {
	req, err := decodeRequest(payload)
	if err != nil {
		return nil, err
	}
	if req.Method == web3.MethodSendRawTransaction {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "%s 不能广播交易", HandlerRead)
	}
	return a.chains.Execute(ctx, req)
}

func (a *adapter) send(ctx context.Context, payload any) (any, error) {
	req, err := decodeRequest(payload)
	if err != nil {
		return nil, err
	}
	req.Method = web3.MethodSendRawTransaction
	result, err := a.chains.Execute(ctx, req)
	if err != nil {
		a.audit.Warn("广播交易失败", slog.String("chain", req.Chain), slog.Any("error", err))
		return nil, err
	}
	a.audit.Info("广播交易", slog.String("chain", req.Chain), slog.String("result", result))
	return result, nil
}

func (a *adapter) report(_ context.Context, payload any) (any, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化链结果失败")
	}
	a.audit.Info("链结果", slog.String("payload", string(encoded)))
	return nil, nil
}

// decodeRequest 把处理器收到的任意载荷转换为 TransactionRequest。
func decodeRequest(payload any) (web3.TransactionRequest, error) {
	var req web3.TransactionRequest
	var raw []byte
	switch v := payload.(type) {
	case nil:
		return req, xerrors.New(xerrors.CodeInvalidArgument, "链请求不能为空")
	case web3.TransactionRequest:
		return v, nil
	case *web3.TransactionRequest:
		if v == nil {
			return req, xerrors.New(xerrors.CodeInvalidArgument, "链请求不能为空")
		}
		return *v, nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	case string:
		raw = []byte(strings.TrimSpace(v))
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return req, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化链请求失败")
		}
		raw = encoded
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析链请求失败")
	}
	return req, nil
}
