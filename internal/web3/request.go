package web3

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	xerrors "OpenGoal-Chain/internal/errors"
)

// Supported request methods.
const (
	MethodSnapshot            = "snapshot"
	MethodGetBalance          = "eth_getBalance"
	MethodGetTransactionCount = "eth_getTransactionCount"
	MethodCall                = "eth_call"
	MethodSendRawTransaction  = "eth_sendRawTransaction"
)

// TransactionRequest is the payload accepted by EXECUTE_TRANSACTION actions
// and the chain action handlers.
type TransactionRequest struct {
	Chain   string   `json:"chain,omitempty"`
	Method  string   `json:"method"`
	Address string   `json:"address,omitempty"`
	From    string   `json:"from,omitempty"`
	To      string   `json:"to,omitempty"`
	Data    string   `json:"data,omitempty"`
	RawTx   string   `json:"raw_tx,omitempty"`
	RawTxs  []string `json:"raw_txs,omitempty"`
	// WaitReceipt 为 true 时广播后等待回执。
	WaitReceipt bool `json:"wait_receipt,omitempty"`
}

// SendResult is returned for eth_sendRawTransaction requests.
type SendResult struct {
	Hashes   []string         `json:"hashes"`
	Receipts []ReceiptSummary `json:"receipts,omitempty"`
}

// Dispatch executes the request against client and renders the result as text.
// Snapshot and broadcast results are JSON encoded.
func Dispatch(ctx context.Context, client Client, req TransactionRequest, receiptTimeout time.Duration) (string, error) {
	if client == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未配置链客户端")
	}
	method := strings.TrimSpace(req.Method)
	switch method {
	case "", MethodSnapshot:
		snapshot, err := client.FetchChainSnapshot(ctx)
		if err != nil {
			return "", err
		}
		if snapshot.Chain == "" {
			snapshot.Chain = req.Chain
		}
		return encode(snapshot)
	case MethodGetBalance, MethodGetTransactionCount:
		address := req.Address
		if address == "" {
			address = req.From
		}
		return client.ExecuteAction(ctx, method, address)
	case MethodCall:
		if strings.TrimSpace(req.To) == "" {
			return "", xerrors.New(xerrors.CodeInvalidArgument, "eth_call 需要提供 to 地址")
		}
		return client.Call(ctx, CallRequest{From: req.From, To: req.To, Data: req.Data})
	case MethodSendRawTransaction:
		raws := append([]string(nil), req.RawTxs...)
		if req.RawTx != "" {
			raws = append([]string{req.RawTx}, raws...)
		}
		if len(raws) == 0 {
			return "", xerrors.New(xerrors.CodeInvalidArgument, "eth_sendRawTransaction 需要提供已签名交易")
		}
		hashes, err := client.SendRawTransactions(ctx, raws)
		if err != nil {
			return "", err
		}
		result := SendResult{Hashes: make([]string, 0, len(hashes))}
		for _, h := range hashes {
			result.Hashes = append(result.Hashes, h.Hex())
		}
		if req.WaitReceipt {
			for _, h := range hashes {
				receipt, err := client.WaitReceipt(ctx, h, receiptTimeout)
				if err != nil {
					return "", err
				}
				result.Receipts = append(result.Receipts, receipt)
			}
		}
		return encode(result)
	default:
		return "", xerrors.Newf(xerrors.CodeInvalidArgument, "暂不支持的链上操作: %s", method)
	}
}

func encode(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("序列化链上结果失败: %w", err)
	}
	return string(raw), nil
}
