package quote

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/uhyunpark/dicebet/pkg/metrics"
	"github.com/uhyunpark/dicebet/pkg/units"
	"github.com/uhyunpark/dicebet/pkg/util"
)

type Config struct {
	Sell            units.Asset
	Buy             units.Asset
	ProviderTimeout time.Duration
	RateLimitRPS    float64 // <= 0 disables throttling
	RateLimitBurst  int
}

// Aggregator walks an ordered list of price tiers and stops at the first valid
// result. The fixed fallback runs last and cannot fail.
type Aggregator struct {
	cfg      Config
	tiers    []Provider
	limiters map[string]*rate.Limiter
	fallback *Fixed
	clock    util.Clock
	logger   *zap.SugaredLogger
}

func NewAggregator(cfg Config, tiers []Provider, fallback *Fixed, clock util.Clock, logger *zap.SugaredLogger) *Aggregator {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 2500 * time.Millisecond
	}
	a := &Aggregator{
		cfg:      cfg,
		tiers:    tiers,
		limiters: make(map[string]*rate.Limiter, len(tiers)),
		fallback: fallback,
		clock:    util.OrReal(clock),
		logger:   util.OrNop(logger),
	}
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		for _, p := range tiers {
			a.limiters[p.Name()] = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
		}
	}
	return a
}

// Tiers lists provider tags in the order they are tried.
func (a *Aggregator) Tiers() []string {
	names := make([]string, 0, len(a.tiers)+1)
	for _, p := range a.tiers {
		names = append(names, p.Name())
	}
	return append(names, a.fallback.Name())
}

// GetPrice converts sourceAmount (base units of the sell asset). Only malformed
// input, or an amount that only the fallback answers and truncates to zero,
// fails; upstream outages fall through to the next tier.
func (a *Aggregator) GetPrice(ctx context.Context, sourceAmount string) (PriceQuote, error) {
	amount, err := units.ParseBaseUnits(sourceAmount)
	if err != nil {
		return PriceQuote{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	req := Request{SellAmount: amount, Sell: a.cfg.Sell, Buy: a.cfg.Buy}

	for _, p := range a.tiers {
		q, err := a.attempt(ctx, p, req)
		if err == nil {
			return a.serve(q), nil
		}
		a.logger.Warnw("quote_source_unavailable", "provider", p.Name(), "err", err)
	}

	q, err := a.attempt(context.WithoutCancel(ctx), a.fallback, req)
	if errors.Is(err, ErrZeroTarget) {
		// no tier priced it and the fixed rate truncates it to nothing
		return PriceQuote{}, fmt.Errorf("%w: %s base units is below the smallest quotable amount", ErrInvalidAmount, sourceAmount)
	}
	if err != nil {
		return PriceQuote{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return a.serve(q), nil
}

func (a *Aggregator) serve(q PriceQuote) PriceQuote {
	metrics.QuotesServed.WithLabelValues(q.Provider).Inc()
	a.logger.Infow("quote_served",
		"provider", q.Provider,
		"source_amount", q.SourceAmount,
		"target_amount", q.TargetAmount,
		"unit_price", q.UnitPrice,
	)
	return q
}

// attempt runs one tier inside its own error boundary.
func (a *Aggregator) attempt(ctx context.Context, p Provider, req Request) (q PriceQuote, err error) {
	name := p.Name()
	if l := a.limiters[name]; l != nil && !l.Allow() {
		metrics.QuoteAttempts.WithLabelValues(name, "throttled").Inc()
		return PriceQuote{}, &SourceUnavailable{Provider: name, Err: ErrThrottled}
	}

	actx, cancel := context.WithTimeout(ctx, a.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.QuoteLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			err = &SourceUnavailable{Provider: name, Err: fmt.Errorf("panic: %v", r)}
		}
		result := "ok"
		var unavailable *SourceUnavailable
		switch {
		case errors.Is(err, ErrZeroTarget):
			result = "invalid"
		case errors.As(err, &unavailable):
			result = "unavailable"
		}
		metrics.QuoteAttempts.WithLabelValues(name, result).Inc()
	}()

	price, err := p.Quote(actx, req)
	if err != nil {
		return PriceQuote{}, &SourceUnavailable{Provider: name, Err: err}
	}

	target, unit := normalize(price, req)
	if target.Sign() <= 0 {
		return PriceQuote{}, &SourceUnavailable{Provider: name, Err: ErrZeroTarget}
	}

	return PriceQuote{
		SourceAmount: req.SellAmount.String(),
		TargetAmount: target.String(),
		UnitPrice:    unit.String(),
		Provider:     name,
		Sell:         req.Sell,
		Buy:          req.Buy,
		FetchedAt:    a.clock.Now(),
	}, nil
}

// normalize returns the target amount in buy base units and the unit price.
// Base-unit answers are taken as is; unit prices are applied with truncation.
func normalize(p Price, req Request) (*big.Int, decimal.Decimal) {
	if p.BuyAmount != nil && p.BuyAmount.Sign() > 0 {
		unit := p.UnitPrice
		if unit.IsZero() {
			sell := units.ToDecimal(req.SellAmount, req.Sell.Decimals)
			unit = units.ToDecimal(p.BuyAmount, req.Buy.Decimals).DivRound(sell, req.Buy.Decimals+2)
		}
		return p.BuyAmount, unit
	}
	if !p.UnitPrice.IsPositive() {
		return new(big.Int), p.UnitPrice
	}
	return units.ConvertTruncated(req.SellAmount, req.Sell.Decimals, p.UnitPrice, req.Buy.Decimals), p.UnitPrice
}

// FormatTokenAmount renders base units exactly in the asset's precision.
func FormatTokenAmount(baseUnits string, decimals int32) (string, error) {
	v, ok := new(big.Int).SetString(baseUnits, 10)
	if !ok || v.Sign() < 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAmount, baseUnits)
	}
	return units.FormatUnits(v, decimals), nil
}

// ParseTokenAmount is the inverse of FormatTokenAmount.
func ParseTokenAmount(amount string, decimals int32) (string, error) {
	v, err := units.ParseUnits(amount, decimals)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return v.String(), nil
}

// DisplayTokenAmount is the short, truncated form shown next to a quote.
func DisplayTokenAmount(baseUnits string, decimals int32) string {
	return units.FormatDisplay(parseInt(baseUnits), decimals)
}
