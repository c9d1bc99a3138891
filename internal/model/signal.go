package model

import (
	"github.com/shopspring/decimal"
)

// Signal is a trade instruction produced by a strategy, consumed first by the
// risk gate. TimestampNS and Nonce feed the deterministic client order id:
// retries of one logical submission reuse the pair, a genuinely new signal
// captures a fresh timestamp or bumps the nonce.
type Signal struct {
	Strategy    string          `json:"strategy"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	StopPrice   decimal.Decimal `json:"stop_price"`
	AssetVol    decimal.Decimal `json:"asset_vol"`
	TimestampNS int64           `json:"timestamp_ns"`
	Nonce       uint64          `json:"nonce"`
	Urgent      bool            `json:"urgent"`
}

// StopDistance returns |entry - stop| for the proposed trade.
func (s Signal) StopDistance() decimal.Decimal {
	return s.EntryPrice.Sub(s.StopPrice).Abs()
}

// ApprovedSignal is a Signal that cleared the risk gate, carrying the
// approved position size.
type ApprovedSignal struct {
	Signal
	Size decimal.Decimal `json:"size"`
}
