package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Second}
}

// getJSON issues a GET and decodes the body with numbers kept as json.Number.
func getJSON(ctx context.Context, client *http.Client, rawURL string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("http %d from %s", res.StatusCode, req.URL.Host)
	}

	dec := json.NewDecoder(res.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("malformed body: %w", err)
	}
	return nil
}

func positivePrice(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, errors.New("price missing")
	}
	p, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed price %q: %w", n, err)
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price %s", p)
	}
	return p, nil
}

// ============================================================================
// CoinMarketCap (primary real-time feed)
// ============================================================================

type CoinMarketCap struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewCoinMarketCap(baseURL, apiKey string) *CoinMarketCap {
	return &CoinMarketCap{BaseURL: strings.TrimRight(baseURL, "/"), APIKey: apiKey, HTTP: newHTTPClient()}
}

func (c *CoinMarketCap) Name() string { return "real" }

type cmcResponse struct {
	Data map[string]struct {
		Quote map[string]struct {
			Price json.Number `json:"price"`
		} `json:"quote"`
	} `json:"data"`
}

func (c *CoinMarketCap) Quote(ctx context.Context, req Request) (Price, error) {
	if c.APIKey == "" {
		return Price{}, errors.New("coinmarketcap api key not configured")
	}
	u := c.BaseURL + "/v1/cryptocurrency/quotes/latest?symbol=" + url.QueryEscape(req.Sell.Symbol)

	var body cmcResponse
	if err := getJSON(ctx, c.HTTP, u, map[string]string{"X-CMC_PRO_API_KEY": c.APIKey}, &body); err != nil {
		return Price{}, err
	}
	asset, ok := body.Data[req.Sell.Symbol]
	if !ok {
		return Price{}, fmt.Errorf("no data for %s", req.Sell.Symbol)
	}
	usd, ok := asset.Quote["USD"]
	if !ok {
		return Price{}, errors.New("no USD quote")
	}
	p, err := positivePrice(usd.Price)
	if err != nil {
		return Price{}, err
	}
	return Price{UnitPrice: p, SellAmount: req.SellAmount}, nil
}

// ============================================================================
// CoinGecko (public market data)
// ============================================================================

// CoinGecko tries each listing id in order; the first positive price wins.
type CoinGecko struct {
	BaseURL string
	IDs     []string
	HTTP    *http.Client
}

func NewCoinGecko(baseURL string, ids []string) *CoinGecko {
	return &CoinGecko{BaseURL: strings.TrimRight(baseURL, "/"), IDs: ids, HTTP: newHTTPClient()}
}

func (c *CoinGecko) Name() string { return "coingecko" }

func (c *CoinGecko) Quote(ctx context.Context, req Request) (Price, error) {
	if len(c.IDs) == 0 {
		return Price{}, errors.New("no coingecko ids configured")
	}

	var errs []error
	for _, id := range c.IDs {
		u := c.BaseURL + "/api/v3/simple/price?ids=" + url.QueryEscape(id) + "&vs_currencies=usd"

		var body map[string]map[string]json.Number
		if err := getJSON(ctx, c.HTTP, u, nil, &body); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		p, err := positivePrice(body[id]["usd"])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		return Price{UnitPrice: p, SellAmount: req.SellAmount}, nil
	}
	return Price{}, errors.Join(errs...)
}

// ============================================================================
// 0x (DEX price endpoint)
// ============================================================================

type ZeroX struct {
	BaseURL string
	APIKey  string
	ChainID int64
	HTTP    *http.Client
}

func NewZeroX(baseURL, apiKey string, chainID int64) *ZeroX {
	return &ZeroX{BaseURL: strings.TrimRight(baseURL, "/"), APIKey: apiKey, ChainID: chainID, HTTP: newHTTPClient()}
}

func (z *ZeroX) Name() string { return "0x" }

type zeroXPrice struct {
	Price      json.Number `json:"price"`
	BuyAmount  string      `json:"buyAmount"`
	SellAmount string      `json:"sellAmount"`
}

func (z *ZeroX) headers() map[string]string {
	if z.APIKey == "" {
		return nil
	}
	return map[string]string{"0x-api-key": z.APIKey}
}

func (z *ZeroX) query(req Request) url.Values {
	q := url.Values{}
	q.Set("sellToken", req.Sell.Address.Hex())
	q.Set("buyToken", req.Buy.Address.Hex())
	q.Set("sellAmount", req.SellAmount.String())
	q.Set("chainId", fmt.Sprint(z.ChainID))
	return q
}

func (z *ZeroX) Quote(ctx context.Context, req Request) (Price, error) {
	var body zeroXPrice
	if err := getJSON(ctx, z.HTTP, z.BaseURL+"/swap/v1/price?"+z.query(req).Encode(), z.headers(), &body); err != nil {
		return Price{}, err
	}

	buy, ok := new(big.Int).SetString(body.BuyAmount, 10)
	if !ok {
		return Price{}, fmt.Errorf("malformed buyAmount %q", body.BuyAmount)
	}
	out := Price{BuyAmount: buy, SellAmount: req.SellAmount}
	if body.Price != "" {
		if p, err := positivePrice(body.Price); err == nil {
			out.UnitPrice = p
		}
	}
	return out, nil
}

// ============================================================================
// Fixed (deterministic last resort)
// ============================================================================

type Fixed struct {
	price decimal.Decimal
}

func NewFixed(price string) (*Fixed, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fallback price: %w", err)
	}
	if !p.IsPositive() {
		return nil, fmt.Errorf("fallback price must be positive, got %s", p)
	}
	return &Fixed{price: p}, nil
}

func (f *Fixed) Name() string { return "fallback" }

func (f *Fixed) Quote(ctx context.Context, req Request) (Price, error) {
	return Price{UnitPrice: f.price, SellAmount: req.SellAmount}, nil
}
