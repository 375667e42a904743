package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"github.com/uhyunpark/dicebet/pkg/util"
)

const defaultResubscribeMax = 30 * time.Second

type EthConfig struct {
	RPCURL         string
	WSURL          string // empty = RPCURL
	Contract       common.Address
	ChainID        *big.Int
	ResubscribeMax time.Duration // ceiling of the reconnect backoff; 0 = 30s
}

// EthGateway implements Gateway, Transactor, ReceiptReader and BalanceReader
// over JSON-RPC.
type EthGateway struct {
	rpc      *ethclient.Client
	stream   *ethclient.Client // log subscriptions
	logs     ethereum.LogFilterer
	contract common.Address
	abi      abi.ABI
	identity Identity // nil = read-only
	chainID  *big.Int
	logger   *zap.SugaredLogger

	backoffMax time.Duration
}

func DialEthGateway(ctx context.Context, cfg EthConfig, identity Identity, logger *zap.SugaredLogger) (*EthGateway, error) {
	parsed, err := ParseDiceABI()
	if err != nil {
		return nil, err
	}

	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc %s: %w", cfg.RPCURL, err)
	}
	stream := rpc
	if cfg.WSURL != "" && cfg.WSURL != cfg.RPCURL {
		stream, err = ethclient.DialContext(ctx, cfg.WSURL)
		if err != nil {
			rpc.Close()
			return nil, fmt.Errorf("failed to dial stream %s: %w", cfg.WSURL, err)
		}
	}

	chainID := cfg.ChainID
	if chainID == nil {
		if chainID, err = rpc.ChainID(ctx); err != nil {
			rpc.Close()
			return nil, fmt.Errorf("failed to get chain id: %w", err)
		}
	}

	return &EthGateway{
		rpc:        rpc,
		stream:     stream,
		logs:       stream,
		contract:   cfg.Contract,
		abi:        parsed,
		identity:   identity,
		chainID:    chainID,
		logger:     util.OrNop(logger),
		backoffMax: cfg.ResubscribeMax,
	}, nil
}

func (g *EthGateway) Close() {
	if g.stream != g.rpc {
		g.stream.Close()
	}
	g.rpc.Close()
}

// Identity returns the connected signing identity, or nil.
func (g *EthGateway) Identity() Identity { return g.identity }

func (g *EthGateway) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := g.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &g.contract, Data: data}
	if g.identity != nil {
		msg.From = g.identity.Address()
	}
	raw, err := g.rpc.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	out, err := g.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return out, nil
}

func (g *EthGateway) Send(ctx context.Context, method string, value *big.Int, args ...any) (TxHandle, error) {
	if g.identity == nil {
		return TxHandle{}, ErrSignerUnavailable
	}
	data, err := g.abi.Pack(method, args...)
	if err != nil {
		return TxHandle{}, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	return g.SendTransaction(ctx, TxRequest{To: g.contract, Data: data, Value: value})
}

func (g *EthGateway) SendTransaction(ctx context.Context, req TxRequest) (TxHandle, error) {
	if g.identity == nil {
		return TxHandle{}, ErrSignerUnavailable
	}
	from := g.identity.Address()
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := g.rpc.PendingNonceAt(ctx, from)
	if err != nil {
		return TxHandle{}, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := g.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return TxHandle{}, fmt.Errorf("failed to suggest gas price: %w", err)
	}
	gas := req.Gas
	if gas == 0 {
		gas, err = g.rpc.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &req.To, Value: value, Data: req.Data})
		if err != nil {
			return TxHandle{}, fmt.Errorf("failed to estimate gas: %w", err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &req.To,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     req.Data,
	})
	signed, err := g.identity.SignTx(tx, g.chainID)
	if err != nil {
		// keep ErrUserRejected visible to callers
		return TxHandle{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := g.rpc.SendTransaction(ctx, signed); err != nil {
		return TxHandle{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	g.logger.Infow("tx_sent",
		"hash", signed.Hash().Hex(),
		"to", req.To.Hex(),
		"value", value.String(),
		"nonce", nonce,
		"gas", gas,
	)
	return TxHandle{Hash: signed.Hash()}, nil
}

func (g *EthGateway) Receipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	r, err := g.rpc.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	rec := &Receipt{TxHash: r.TxHash, Status: r.Status, GasUsed: r.GasUsed}
	if r.BlockNumber != nil {
		rec.BlockNumber = r.BlockNumber.Uint64()
	}
	return rec, nil
}

func (g *EthGateway) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	bal, err := g.rpc.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return bal, nil
}

// Subscribe opens one log filter covering every named event, so logs reach
// handler in chain order. A dropped stream is re-established with backoff; the
// drop is reported to onErr and logs emitted during the gap are not replayed.
func (g *EthGateway) Subscribe(ctx context.Context, events []string, handler func(Log), onErr func(error)) (Unsubscribe, error) {
	if len(events) == 0 {
		return nil, errors.New("no events to subscribe")
	}
	ids := make([]common.Hash, 0, len(events))
	for _, name := range events {
		ev, ok := g.abi.Events[name]
		if !ok {
			return nil, fmt.Errorf("unknown event %s", name)
		}
		ids = append(ids, ev.ID)
	}

	query := ethereum.FilterQuery{
		Addresses: []common.Address{g.contract},
		Topics:    [][]common.Hash{ids},
	}
	logs := make(chan types.Log, 64)
	first, err := g.logs.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %v logs: %w", events, err)
	}

	sub := event.ResubscribeErr(g.resubscribeMax(), func(ctx context.Context, lastErr error) (event.Subscription, error) {
		if first != nil {
			s := first
			first = nil
			return s, nil
		}
		if lastErr != nil {
			g.logger.Warnw("subscription_dropped", "events", events, "err", lastErr)
			onErr(fmt.Errorf("log subscription: %w", lastErr))
		}
		s, err := g.logs.SubscribeFilterLogs(ctx, query, logs)
		if err != nil {
			g.logger.Debugw("resubscribe_failed", "events", events, "err", err)
			return nil, err
		}
		g.logger.Infow("subscription_restored", "events", events)
		return s, nil
	})

	done := make(chan struct{})
	go func() {
		for {
			select {
			case lg := <-logs:
				g.deliver(lg, handler, onErr)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.Unsubscribe()
			close(done)
		})
	}, nil
}

func (g *EthGateway) deliver(lg types.Log, handler func(Log), onErr func(error)) {
	if lg.Removed {
		g.logger.Debugw("log_removed", "tx", lg.TxHash.Hex())
		return
	}
	if len(lg.Topics) == 0 {
		onErr(&DecodeError{Event: "unknown", Err: errors.New("log without topics")})
		return
	}
	ev, err := g.abi.EventByID(lg.Topics[0])
	if err != nil {
		onErr(&DecodeError{Event: "unknown", Err: err})
		return
	}
	decoded, err := decodeLog(*ev, lg)
	if err != nil {
		onErr(err)
		return
	}
	handler(decoded)
}

func (g *EthGateway) resubscribeMax() time.Duration {
	if g.backoffMax > 0 {
		return g.backoffMax
	}
	return defaultResubscribeMax
}
