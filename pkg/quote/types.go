package quote

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/dicebet/pkg/units"
)

var (
	// ErrInvalidAmount is the only error GetPrice returns.
	ErrInvalidAmount = errors.New("invalid amount")

	ErrThrottled  = errors.New("provider throttled")
	ErrZeroTarget = errors.New("quote yields zero target amount")
)

// Request asks a provider to price SellAmount (base units of Sell) in Buy.
type Request struct {
	SellAmount *big.Int
	Sell       units.Asset
	Buy        units.Asset
}

// Price is what a provider answers. BuyAmount is set only by providers that
// quote base units directly.
type Price struct {
	UnitPrice  decimal.Decimal
	BuyAmount  *big.Int
	SellAmount *big.Int
}

type Provider interface {
	Name() string
	Quote(ctx context.Context, req Request) (Price, error)
}

// PriceQuote is a normalized conversion estimate. Amounts are integer strings
// in base units; UnitPrice is for display only.
type PriceQuote struct {
	SourceAmount string      `json:"sourceAmount"`
	TargetAmount string      `json:"targetAmount"`
	UnitPrice    string      `json:"unitPrice"`
	Provider     string      `json:"provider"`
	Sell         units.Asset `json:"sell"`
	Buy          units.Asset `json:"buy"`
	FetchedAt    time.Time   `json:"fetchedAt"`
}

func (q PriceQuote) Source() *big.Int { return parseInt(q.SourceAmount) }
func (q PriceQuote) Target() *big.Int { return parseInt(q.TargetAmount) }

func parseInt(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// SourceUnavailable wraps one tier's failure inside the fallback chain.
type SourceUnavailable struct {
	Provider string
	Err      error
}

func (e *SourceUnavailable) Error() string {
	return fmt.Sprintf("price source %s unavailable: %v", e.Provider, e.Err)
}

func (e *SourceUnavailable) Unwrap() error { return e.Err }
