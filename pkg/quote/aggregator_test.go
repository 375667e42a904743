package quote

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/dicebet/pkg/units"
)

const oneMON = "1000000000000000000"

type stubProvider struct {
	name  string
	price Price
	err   error
	delay time.Duration
	calls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Quote(ctx context.Context, req Request) (Price, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Price{}, ctx.Err()
		}
	}
	if s.err != nil {
		return Price{}, s.err
	}
	return s.price, nil
}

type panicProvider struct{}

func (panicProvider) Name() string { return "broken" }
func (panicProvider) Quote(context.Context, Request) (Price, error) {
	var m map[string]int
	m["boom"]++
	return Price{}, nil
}

func unit(s string) Price { return Price{UnitPrice: decimal.RequireFromString(s)} }

func newTestAggregator(t *testing.T, tiers ...Provider) *Aggregator {
	t.Helper()
	fallback, err := NewFixed("0.0024")
	if err != nil {
		t.Fatalf("NewFixed: %v", err)
	}
	return NewAggregator(Config{
		Sell:            units.MON,
		Buy:             units.USDC,
		ProviderTimeout: 50 * time.Millisecond,
	}, tiers, fallback, nil, nil)
}

func TestGetPrice_FallbackWhenAllTiersFail(t *testing.T) {
	down := errors.New("connection refused")
	agg := newTestAggregator(t,
		&stubProvider{name: "real", err: down},
		&stubProvider{name: "coingecko", err: down},
		&stubProvider{name: "0x", err: down},
	)

	q, err := agg.GetPrice(context.Background(), oneMON)
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if q.TargetAmount != "2400" {
		t.Errorf("target = %s, want 2400", q.TargetAmount)
	}
	if q.Provider != "fallback" || q.SourceAmount != oneMON || q.UnitPrice != "0.0024" {
		t.Errorf("quote = %+v", q)
	}
}

func TestGetPrice_FirstValidTierWins(t *testing.T) {
	primary := &stubProvider{name: "real", price: unit("0.0031")}
	secondary := &stubProvider{name: "coingecko", price: unit("0.0029")}
	agg := newTestAggregator(t, primary, secondary)

	q, err := agg.GetPrice(context.Background(), "2500000000000000000")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if q.Provider != "real" || q.TargetAmount != "7750" {
		t.Errorf("quote = %+v, want real/7750", q)
	}
	if secondary.calls != 0 {
		t.Error("secondary tier queried after primary succeeded")
	}
}

func TestGetPrice_SkipsInvalidTiers(t *testing.T) {
	tests := []struct {
		name string
		tier Provider
	}{
		{"error", &stubProvider{name: "real", err: errors.New("http 500")}},
		{"timeout", &stubProvider{name: "real", price: unit("1"), delay: time.Second}},
		{"zero price", &stubProvider{name: "real", price: unit("0")}},
		{"zero buy amount", &stubProvider{name: "real", price: Price{BuyAmount: new(big.Int)}}},
		{"dust after truncation", &stubProvider{name: "real", price: unit("0.0000000000001")}},
		{"panic", panicProvider{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := &stubProvider{name: "0x", price: Price{BuyAmount: big.NewInt(2391)}}
			agg := newTestAggregator(t, tt.tier, next)

			start := time.Now()
			q, err := agg.GetPrice(context.Background(), oneMON)
			if err != nil {
				t.Fatalf("GetPrice: %v", err)
			}
			if q.Provider != "0x" || q.TargetAmount != "2391" {
				t.Errorf("quote = %+v, want 0x/2391", q)
			}
			if time.Since(start) > 500*time.Millisecond {
				t.Errorf("tier not bounded by provider timeout: %v", time.Since(start))
			}
		})
	}
}

func TestGetPrice_BaseUnitAnswerDerivesUnitPrice(t *testing.T) {
	agg := newTestAggregator(t, &stubProvider{name: "0x", price: Price{BuyAmount: big.NewInt(2400)}})

	q, err := agg.GetPrice(context.Background(), oneMON)
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if q.UnitPrice != "0.0024" {
		t.Errorf("unit price = %s, want 0.0024", q.UnitPrice)
	}
}

func TestGetPrice_InvalidAmount(t *testing.T) {
	tier := &stubProvider{name: "real", price: unit("1")}
	agg := newTestAggregator(t, tier)

	for _, in := range []string{"", "0", "-1", "1.5", "abc", "1e18"} {
		if _, err := agg.GetPrice(context.Background(), in); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("GetPrice(%q) err = %v, want ErrInvalidAmount", in, err)
		}
	}
	if tier.calls != 0 {
		t.Errorf("provider called %d times for invalid input", tier.calls)
	}
}

func TestGetPrice_DustFloorAppliesToServingTier(t *testing.T) {
	const microMON = "1000000000000" // 1e-6 MON; 0.0024 of a USDC base unit at the fixed rate

	tests := []struct {
		name     string
		tier     *stubProvider
		amount   string
		provider string
		target   string
	}{
		{"higher tier prices it", &stubProvider{name: "real", price: unit("1")}, microMON, "real", "1"},
		{"base-unit answer for one wei", &stubProvider{name: "0x", price: Price{BuyAmount: big.NewInt(1)}}, "1", "0x", "1"},
		{"tier down, fallback truncates", &stubProvider{name: "real", err: errors.New("down")}, microMON, "", ""},
		{"tier truncates too", &stubProvider{name: "real", price: unit("1")}, "1", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := newTestAggregator(t, tt.tier)
			q, err := agg.GetPrice(context.Background(), tt.amount)
			if tt.provider == "" {
				if !errors.Is(err, ErrInvalidAmount) {
					t.Fatalf("err = %v, want ErrInvalidAmount", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetPrice: %v", err)
			}
			if q.Provider != tt.provider || q.TargetAmount != tt.target {
				t.Errorf("quote = %+v, want %s/%s", q, tt.provider, tt.target)
			}
		})
	}
}

func TestGetPrice_NeverFailsForValidInput(t *testing.T) {
	agg := newTestAggregator(t, &stubProvider{name: "real", err: errors.New("down")})

	for _, in := range []string{"416667000000000", oneMON, "50000000000000000", "999999999999999999999999"} {
		q, err := agg.GetPrice(context.Background(), in)
		if err != nil {
			t.Fatalf("GetPrice(%s): %v", in, err)
		}
		if q.Target().Sign() <= 0 || q.Provider == "" {
			t.Errorf("GetPrice(%s) = %+v", in, q)
		}
	}
}

func TestGetPrice_Throttled(t *testing.T) {
	tier := &stubProvider{name: "real", price: unit("0.003")}
	fallback, _ := NewFixed("0.0024")
	agg := NewAggregator(Config{
		Sell:           units.MON,
		Buy:            units.USDC,
		RateLimitRPS:   0.001,
		RateLimitBurst: 1,
	}, []Provider{tier}, fallback, nil, nil)

	first, _ := agg.GetPrice(context.Background(), oneMON)
	second, _ := agg.GetPrice(context.Background(), oneMON)
	if first.Provider != "real" || second.Provider != "fallback" {
		t.Errorf("providers = %s, %s; want real, fallback", first.Provider, second.Provider)
	}
	if tier.calls != 1 {
		t.Errorf("throttled tier called %d times, want 1", tier.calls)
	}
}

func TestTiers(t *testing.T) {
	agg := newTestAggregator(t, &stubProvider{name: "real"}, &stubProvider{name: "0x"})
	got := agg.Tiers()
	if len(got) != 3 || got[0] != "real" || got[2] != "fallback" {
		t.Errorf("tiers = %v", got)
	}
}

func TestTokenAmountRoundTrip(t *testing.T) {
	for _, amount := range []string{"0", "0.000001", "1", "999999.999999"} {
		base, err := ParseTokenAmount(amount, units.USDC.Decimals)
		if err != nil {
			t.Fatalf("ParseTokenAmount(%s): %v", amount, err)
		}
		back, err := FormatTokenAmount(base, units.USDC.Decimals)
		if err != nil {
			t.Fatalf("FormatTokenAmount(%s): %v", base, err)
		}
		if back != amount {
			t.Errorf("%s -> %s -> %s", amount, base, back)
		}
	}

	if got := DisplayTokenAmount("2400", units.USDC.Decimals); got != "0.00" {
		t.Errorf("display = %s, want 0.00", got)
	}
	if _, err := FormatTokenAmount("-5", 6); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("err = %v, want ErrInvalidAmount", err)
	}
}

type memCache struct {
	mu   sync.Mutex
	data map[string]string
	err  error
}

func (m *memCache) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	return nil
}

func TestCached(t *testing.T) {
	inner := &stubProvider{name: "coingecko", price: unit("0.0025")}
	cache := &memCache{data: map[string]string{}}
	p := Cached(inner, cache, time.Minute, nil)
	req := Request{SellAmount: big.NewInt(1), Sell: units.MON, Buy: units.USDC}

	for i := 0; i < 3; i++ {
		price, err := p.Quote(context.Background(), req)
		if err != nil {
			t.Fatalf("Quote: %v", err)
		}
		if !price.UnitPrice.Equal(decimal.RequireFromString("0.0025")) {
			t.Errorf("unit price = %s", price.UnitPrice)
		}
	}
	if inner.calls != 1 {
		t.Errorf("inner called %d times, want 1", inner.calls)
	}
	if _, ok := cache.data["quote:price:coingecko:MON:USDC"]; !ok {
		t.Errorf("cache keys = %v", cache.data)
	}

	// a broken cache falls through to the provider
	cache.err = errors.New("redis down")
	if _, err := p.Quote(context.Background(), req); err != nil {
		t.Fatalf("Quote with broken cache: %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("inner called %d times, want 2", inner.calls)
	}
}
