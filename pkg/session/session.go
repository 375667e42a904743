// Package session binds one player's betting round to quoting, swapping and
// the round journal.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/dicebet/pkg/bet"
	"github.com/uhyunpark/dicebet/pkg/chain"
	"github.com/uhyunpark/dicebet/pkg/notify"
	"github.com/uhyunpark/dicebet/pkg/quote"
	"github.com/uhyunpark/dicebet/pkg/storage"
	"github.com/uhyunpark/dicebet/pkg/swap"
	"github.com/uhyunpark/dicebet/pkg/units"
	"github.com/uhyunpark/dicebet/pkg/util"
)

var (
	// ErrNoWinnings: there is no resolved winning wager to convert.
	ErrNoWinnings = errors.New("no winnings to convert")
	// ErrAssetMismatch: a swap quote names a pair other than the configured one.
	ErrAssetMismatch = errors.New("quote assets do not match the configured pair")
)

type Quoter interface {
	GetPrice(ctx context.Context, sourceAmount string) (quote.PriceQuote, error)
}

type Swapper interface {
	Submit(ctx context.Context, t *swap.Ticket) (chain.TxHandle, error)
	AwaitConfirmation(ctx context.Context, t *swap.Ticket) (swap.Confirmation, error)
}

type RoundStore interface {
	SaveRound(r storage.Round) error
	ListRounds(player common.Address, limit int) ([]storage.Round, error)
}

type Deps struct {
	Coordinator *bet.Coordinator
	Quotes      Quoter
	Swaps       Swapper
	Rounds      RoundStore       // optional
	Publisher   notify.Publisher // optional
	QuoteTTL    time.Duration
	Sell, Buy   units.Asset // the only pair Swap executes; zero = MON -> USDC
	Clock       util.Clock
	Logger      *zap.SugaredLogger
}

// Handlers fan session activity out to the presentation layer.
type Handlers struct {
	OnWager  func(w bet.Wager)
	OnPayout func(w bet.Wager, n bet.PayoutNotice)
	OnSwap   func(t swap.Ticket)
}

type Session struct {
	coord     *bet.Coordinator
	quotes    Quoter
	swaps     Swapper
	rounds    RoundStore
	publisher notify.Publisher
	ttl       time.Duration
	sell, buy units.Asset
	clock     util.Clock
	log       *zap.SugaredLogger

	mu       sync.Mutex
	handlers Handlers
	closed   bool // no publishes start once set

	publishing sync.WaitGroup
	closeOnce  sync.Once
}

const publishTimeout = 5 * time.Second

func New(deps Deps) *Session {
	s := &Session{
		coord:     deps.Coordinator,
		quotes:    deps.Quotes,
		swaps:     deps.Swaps,
		rounds:    deps.Rounds,
		publisher: deps.Publisher,
		ttl:       deps.QuoteTTL,
		sell:      deps.Sell,
		buy:       deps.Buy,
		clock:     util.OrReal(deps.Clock),
		log:       util.OrNop(deps.Logger),
	}
	if s.publisher == nil {
		s.publisher = notify.Nop{}
	}
	if s.ttl <= 0 {
		s.ttl = 30 * time.Minute
	}
	if s.sell == (units.Asset{}) {
		s.sell = units.MON
	}
	if s.buy == (units.Asset{}) {
		s.buy = units.USDC
	}
	s.coord.SetHandlers(bet.Handlers{
		OnChange: func(w bet.Wager) {
			if h := s.hooks().OnWager; h != nil {
				h(w)
			}
		},
		OnSettled: s.recordSettlement,
		OnPayout: func(w bet.Wager, n bet.PayoutNotice) {
			if h := s.hooks().OnPayout; h != nil {
				h(w, n)
			}
		},
	})
	return s
}

func (s *Session) SetHandlers(h Handlers) {
	s.mu.Lock()
	s.handlers = h
	s.mu.Unlock()
}

func (s *Session) hooks() Handlers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers
}

func (s *Session) Player() common.Address { return s.coord.Player() }

// Start subscribes to the ledger and loads limits, balance and any pending
// bet. Only the subscription is fatal; the reads fall back to defaults.
func (s *Session) Start(ctx context.Context) error {
	if err := s.coord.Start(ctx); err != nil {
		return err
	}
	if err := s.coord.RefreshLimits(ctx); err != nil {
		s.log.Warnw("limits_refresh_failed", "err", err)
	}
	if err := s.coord.RefreshBalance(ctx); err != nil {
		s.log.Warnw("balance_refresh_failed", "err", err)
	}
	if err := s.coord.Sync(ctx); err != nil {
		s.log.Warnw("pending_bet_sync_failed", "err", err)
	}
	return nil
}

// ============================================================================
// Betting
// ============================================================================

// PlaceBet forwards to the coordinator, which reads the balance only after
// the local checks pass.
func (s *Session) PlaceBet(ctx context.Context, choice int, stake *big.Int) (bet.Wager, error) {
	return s.coord.PlaceBet(ctx, choice, stake)
}

func (s *Session) CurrentWager() (bet.Wager, bool) { return s.coord.CurrentWager() }
func (s *Session) NewRound() error                 { return s.coord.NewRound() }
func (s *Session) Abandon()                        { s.coord.Abandon() }
func (s *Session) Limits() bet.Limits              { return s.coord.Limits() }

// Sync reconciles the tracked wager with the ledger.
func (s *Session) Sync(ctx context.Context) error { return s.coord.Sync(ctx) }

// History lists journaled rounds, newest first.
func (s *Session) History(limit int) ([]storage.Round, error) {
	if s.rounds == nil {
		return []storage.Round{}, nil
	}
	return s.rounds.ListRounds(s.coord.Player(), limit)
}

func (s *Session) recordSettlement(st bet.Settlement) {
	r, err := storage.RoundFromSettlement(st)
	if err != nil {
		s.log.Warnw("round_not_journaled", "err", err)
		return
	}
	if s.rounds != nil {
		if err := s.rounds.SaveRound(r); err != nil {
			s.log.Errorw("round_save_failed", "bet_id", r.BetID, "err", err)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.Debugw("round_publish_skipped", "bet_id", r.BetID, "reason", "closed")
		return
	}
	s.publishing.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.publishing.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.publisher.PublishRound(ctx, r); err != nil {
			s.log.Warnw("round_publish_failed", "bet_id", r.BetID, "err", err)
		}
	}()
}

// ============================================================================
// Winnings conversion
// ============================================================================

// QuoteWinnings prices the payout of the resolved winning wager.
func (s *Session) QuoteWinnings(ctx context.Context) (quote.PriceQuote, error) {
	w, ok := s.coord.CurrentWager()
	if !ok || w.Status != bet.StatusResolved || w.Outcome == nil || !w.Outcome.IsWinner ||
		w.Outcome.Payout == nil || w.Outcome.Payout.Sign() <= 0 {
		return quote.PriceQuote{}, ErrNoWinnings
	}
	return s.quotes.GetPrice(ctx, w.Outcome.Payout.String())
}

func (s *Session) Quote(ctx context.Context, sourceAmount string) (quote.PriceQuote, error) {
	return s.quotes.GetPrice(ctx, sourceAmount)
}

// Swap executes q as one transaction and waits for its receipt. Only quotes
// for the configured pair are executed. Declining to call Swap keeps the
// winnings in the native asset.
func (s *Session) Swap(ctx context.Context, q quote.PriceQuote) (swap.Ticket, swap.Confirmation, error) {
	if q.Source().Sign() <= 0 {
		return swap.Ticket{}, swap.Confirmation{}, fmt.Errorf("%w: %q", quote.ErrInvalidAmount, q.SourceAmount)
	}
	if !sameAsset(q.Sell, s.sell) || !sameAsset(q.Buy, s.buy) {
		return swap.Ticket{}, swap.Confirmation{}, fmt.Errorf("%w: sell %s buy %s", ErrAssetMismatch, q.Sell.Address.Hex(), q.Buy.Address.Hex())
	}
	t := swap.BuildTicket(q, s.ttl)
	s.emitSwap(t)

	if _, err := s.swaps.Submit(ctx, &t); err != nil {
		s.emitSwap(t)
		return t, swap.Confirmation{}, err
	}
	s.emitSwap(t)

	conf, err := s.swaps.AwaitConfirmation(ctx, &t)
	s.emitSwap(t)
	return t, conf, err
}

func sameAsset(a, b units.Asset) bool {
	return a.Address == b.Address && a.Decimals == b.Decimals
}

func (s *Session) emitSwap(t swap.Ticket) {
	if h := s.hooks().OnSwap; h != nil {
		h(t)
	}
}

// Close releases the ledger subscription and flushes pending publishes.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.coord.Close()
		s.publishing.Wait()
		if err := s.publisher.Close(); err != nil {
			s.log.Warnw("publisher_close_failed", "err", err)
		}
	})
}
