package api

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/dicebet/pkg/bet"
	"github.com/uhyunpark/dicebet/pkg/quote"
	"github.com/uhyunpark/dicebet/pkg/storage"
	"github.com/uhyunpark/dicebet/pkg/swap"
	"github.com/uhyunpark/dicebet/pkg/units"
)

// API response types for REST endpoints and WebSocket messages.
// Amounts are base-unit integer strings; *Display fields are for rendering only.

// ==============================
// REST Response Types
// ==============================

type AssetInfo struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals int32  `json:"decimals"`
}

func assetInfo(a units.Asset) AssetInfo {
	return AssetInfo{Symbol: a.Symbol, Address: a.Address.Hex(), Decimals: a.Decimals}
}

type LimitsInfo struct {
	MinStake        string `json:"minStake"`
	MaxStake        string `json:"maxStake"`
	MinStakeDisplay string `json:"minStakeDisplay"`
	MaxStakeDisplay string `json:"maxStakeDisplay"`
}

// ConfigResponse is served by GET /api/v1/config.
type ConfigResponse struct {
	Player        string     `json:"player"` // empty = read-only session
	ChainID       int64      `json:"chainId"`
	Contract      string     `json:"contract"`
	WinMultiplier int64      `json:"winMultiplier"`
	Limits        LimitsInfo `json:"limits"`
	QuoteTiers    []string   `json:"quoteTiers"`
	SwapRouter    string     `json:"swapRouter"`
	Sell          AssetInfo  `json:"sell"`
	Buy           AssetInfo  `json:"buy"`
}

type OutcomeInfo struct {
	RolledValue   uint8  `json:"rolledValue"`
	IsWinner      bool   `json:"isWinner"`
	Payout        string `json:"payout"`
	PayoutDisplay string `json:"payoutDisplay"`
}

type PayoutInfo struct {
	Amount string `json:"amount"`
	TxHash string `json:"txHash"`
}

type WagerInfo struct {
	ID           string       `json:"id,omitempty"`
	Player       string       `json:"player"`
	Choice       uint8        `json:"choice"`
	Stake        string       `json:"stake"`
	StakeDisplay string       `json:"stakeDisplay"`
	Status       string       `json:"status"`
	TxHash       string       `json:"txHash,omitempty"`
	Outcome      *OutcomeInfo `json:"outcome,omitempty"`
	Payout       *PayoutInfo  `json:"payout,omitempty"`
	CreatedAt    int64        `json:"createdAt"` // Unix milliseconds
	UpdatedAt    int64        `json:"updatedAt"`
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func wagerInfo(w bet.Wager) WagerInfo {
	info := WagerInfo{
		Player:       w.Player.Hex(),
		Choice:       w.Choice,
		Stake:        amountString(w.Stake),
		StakeDisplay: units.FormatDisplay(w.Stake, units.MON.Decimals),
		Status:       w.Status.String(),
		CreatedAt:    w.CreatedAt.UnixMilli(),
		UpdatedAt:    w.UpdatedAt.UnixMilli(),
	}
	if w.ID != nil {
		info.ID = w.ID.String()
	}
	if w.TxHash != (common.Hash{}) {
		info.TxHash = w.TxHash.Hex()
	}
	if o := w.Outcome; o != nil {
		info.Outcome = &OutcomeInfo{
			RolledValue:   o.RolledValue,
			IsWinner:      o.IsWinner,
			Payout:        amountString(o.Payout),
			PayoutDisplay: units.FormatDisplay(o.Payout, units.MON.Decimals),
		}
	}
	if p := w.Payout; p != nil {
		info.Payout = &PayoutInfo{Amount: amountString(p.Amount), TxHash: p.TxHash.Hex()}
	}
	return info
}

// WagerResponse is served by GET /api/v1/wager.
type WagerResponse struct {
	Active bool       `json:"active"`
	Wager  *WagerInfo `json:"wager,omitempty"`
}

type RoundsResponse struct {
	Rounds []storage.Round `json:"rounds"`
}

type QuoteResponse struct {
	Quote         quote.PriceQuote `json:"quote"`
	SourceDisplay string           `json:"sourceDisplay"`
	TargetDisplay string           `json:"targetDisplay"`
}

func quoteResponse(q quote.PriceQuote) QuoteResponse {
	return QuoteResponse{
		Quote:         q,
		SourceDisplay: quote.DisplayTokenAmount(q.SourceAmount, q.Sell.Decimals),
		TargetDisplay: quote.DisplayTokenAmount(q.TargetAmount, q.Buy.Decimals),
	}
}

type SwapResponse struct {
	Ticket       swap.Ticket        `json:"ticket"`
	Confirmation *swap.Confirmation `json:"confirmation,omitempty"`
}

// ==============================
// REST Request Types
// ==============================

// PlaceBetRequest is the payload for POST /api/v1/bets. Stake is a decimal
// amount of the native asset, e.g. "0.01".
type PlaceBetRequest struct {
	Choice int    `json:"choice"`
	Stake  string `json:"stake"`
}

// SwapRequest is the payload for POST /api/v1/swaps: a quote previously
// returned by a /quotes endpoint.
type SwapRequest struct {
	Quote quote.PriceQuote `json:"quote"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by clients to change channel subscriptions.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// WSMessage is pushed to clients on the wager, payout and swap channels.
type WSMessage struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

const (
	ChannelWager  = "wager"
	ChannelPayout = "payout"
	ChannelSwap   = "swap"
)
