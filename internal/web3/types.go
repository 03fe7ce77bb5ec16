package web3

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot represents summarized network metadata for prompts and reporting.
type ChainSnapshot struct {
	Chain       string `json:"chain,omitempty"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// CallRequest describes a read-only eth_call.
type CallRequest struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Data string `json:"data,omitempty"`
}

// ReceiptSummary is the subset of a transaction receipt reported back to callers.
type ReceiptSummary struct {
	TxHash          string `json:"tx_hash"`
	Status          uint64 `json:"status"`
	BlockNumber     string `json:"block_number"`
	GasUsed         uint64 `json:"gas_used"`
	ContractAddress string `json:"contract_address,omitempty"`
	Logs            int    `json:"logs"`
}

// Client defines the operations a chain implementation must provide. Signing
// is out of scope: transactions arrive already signed and RLP encoded.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	ExecuteAction(ctx context.Context, action, address string) (string, error)
	Call(ctx context.Context, req CallRequest) (string, error)
	SendRawTransactions(ctx context.Context, raw []string) ([]common.Hash, error)
	WaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (ReceiptSummary, error)
	Close()
}
