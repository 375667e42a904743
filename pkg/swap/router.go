package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/uhyunpark/dicebet/pkg/chain"
)

// Router turns a ticket into the transaction that executes it.
type Router interface {
	Name() string
	Build(ctx context.Context, t Ticket, taker common.Address) (chain.TxRequest, error)
}

// ZeroExRouter asks the 0x firm-quote endpoint for executable calldata.
type ZeroExRouter struct {
	BaseURL string
	APIKey  string
	ChainID int64
	HTTP    *http.Client
}

func NewZeroExRouter(baseURL, apiKey string, chainID int64) *ZeroExRouter {
	return &ZeroExRouter{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		ChainID: chainID,
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (r *ZeroExRouter) Name() string { return "0x" }

type zeroXQuote struct {
	To           string `json:"to"`
	Data         string `json:"data"`
	Value        string `json:"value"`
	Gas          string `json:"gas"`
	EstimatedGas string `json:"estimatedGas"`
}

func (r *ZeroExRouter) Build(ctx context.Context, t Ticket, taker common.Address) (chain.TxRequest, error) {
	q := url.Values{}
	q.Set("sellToken", t.Quote.Sell.Address.Hex())
	q.Set("buyToken", t.Quote.Buy.Address.Hex())
	q.Set("sellAmount", t.Quote.SourceAmount)
	q.Set("takerAddress", taker.Hex())
	q.Set("chainId", strconv.FormatInt(r.ChainID, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BaseURL+"/swap/v1/quote?"+q.Encode(), nil)
	if err != nil {
		return chain.TxRequest{}, err
	}
	if r.APIKey != "" {
		req.Header.Set("0x-api-key", r.APIKey)
	}
	res, err := r.HTTP.Do(req)
	if err != nil {
		return chain.TxRequest{}, fmt.Errorf("failed to fetch firm quote: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return chain.TxRequest{}, fmt.Errorf("firm quote http %d", res.StatusCode)
	}

	var body zeroXQuote
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return chain.TxRequest{}, fmt.Errorf("malformed firm quote: %w", err)
	}
	if !common.IsHexAddress(body.To) {
		return chain.TxRequest{}, fmt.Errorf("firm quote has invalid target %q", body.To)
	}
	data, err := hexutil.Decode(body.Data)
	if err != nil {
		return chain.TxRequest{}, fmt.Errorf("firm quote has invalid calldata: %w", err)
	}
	value := new(big.Int)
	if body.Value != "" {
		if _, ok := value.SetString(body.Value, 10); !ok {
			return chain.TxRequest{}, fmt.Errorf("firm quote has invalid value %q", body.Value)
		}
	}
	gasStr := body.EstimatedGas
	if gasStr == "" {
		gasStr = body.Gas
	}
	var gas uint64
	if gasStr != "" {
		if gas, err = strconv.ParseUint(gasStr, 10, 64); err != nil {
			return chain.TxRequest{}, fmt.Errorf("firm quote has invalid gas %q", gasStr)
		}
	}

	return chain.TxRequest{To: common.HexToAddress(body.To), Data: data, Value: value, Gas: gas}, nil
}

// TransferRouter sends the source amount to the taker as a plain value
// transfer. It stands in for a DEX on chains 0x does not serve.
type TransferRouter struct {
	GasLimit uint64
}

func (r TransferRouter) Name() string { return "transfer" }

func (r TransferRouter) Build(ctx context.Context, t Ticket, taker common.Address) (chain.TxRequest, error) {
	amount, ok := new(big.Int).SetString(t.Quote.SourceAmount, 10)
	if !ok || amount.Sign() <= 0 {
		return chain.TxRequest{}, errors.New("ticket has no source amount")
	}
	return chain.TxRequest{To: taker, Value: amount, Gas: r.GasLimit}, nil
}
