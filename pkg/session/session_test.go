package session

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/dicebet/pkg/bet"
	"github.com/uhyunpark/dicebet/pkg/chain"
	"github.com/uhyunpark/dicebet/pkg/quote"
	"github.com/uhyunpark/dicebet/pkg/storage"
	"github.com/uhyunpark/dicebet/pkg/swap"
	"github.com/uhyunpark/dicebet/pkg/units"
)

var player = common.HexToAddress("0x00000000000000000000000000000000000000a1")

type fakeLedger struct {
	released int
}

func (f *fakeLedger) PendingBet(context.Context, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}
func (f *fakeLedger) Bet(context.Context, *big.Int) (chain.BetRecord, error) {
	return chain.BetRecord{}, errors.New("no such bet")
}
func (f *fakeLedger) MinBetAmount(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeLedger) MaxBetAmount(context.Context) (*big.Int, error) { return big.NewInt(1_000_000), nil }
func (f *fakeLedger) PlaceBet(context.Context, uint8, *big.Int) (chain.TxHandle, error) {
	return chain.TxHandle{Hash: common.HexToHash("0x01")}, nil
}
func (f *fakeLedger) SubscribeEvents(context.Context, func(chain.Event), func(error)) (chain.Unsubscribe, error) {
	return func() { f.released++ }, nil
}

type fakeQuoter struct {
	mu     sync.Mutex
	amount []string
}

func (f *fakeQuoter) GetPrice(_ context.Context, amount string) (quote.PriceQuote, error) {
	f.mu.Lock()
	f.amount = append(f.amount, amount)
	f.mu.Unlock()
	return quote.PriceQuote{
		SourceAmount: amount,
		TargetAmount: "4800",
		UnitPrice:    "0.0024",
		Provider:     "fallback",
		Sell:         units.MON,
		Buy:          units.USDC,
		FetchedAt:    time.Now(),
	}, nil
}

type countingBalances struct {
	mu    sync.Mutex
	reads int
}

func (f *countingBalances) Balance(context.Context, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return big.NewInt(1e18), nil
}

func (f *countingBalances) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

type fakeSwapper struct {
	submitErr error
	submits   int
}

func (f *fakeSwapper) Submit(_ context.Context, t *swap.Ticket) (chain.TxHandle, error) {
	f.submits++
	if f.submitErr != nil {
		t.State = swap.StateFailed
		return chain.TxHandle{}, f.submitErr
	}
	t.State = swap.StateSubmitted
	t.TxHash = common.HexToHash("0x02")
	return chain.TxHandle{Hash: t.TxHash}, nil
}

func (f *fakeSwapper) AwaitConfirmation(_ context.Context, t *swap.Ticket) (swap.Confirmation, error) {
	t.State = swap.StateConfirmed
	return swap.Confirmation{TxHash: t.TxHash, BlockNumber: 9}, nil
}

type capturePublisher struct {
	mu         sync.Mutex
	rounds     []storage.Round
	closed     bool
	afterClose int
}

func (c *capturePublisher) PublishRound(_ context.Context, r storage.Round) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.afterClose++
	}
	c.rounds = append(c.rounds, r)
	return nil
}

func (c *capturePublisher) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type fixture struct {
	sess     *Session
	coord    *bet.Coordinator
	ledger   *fakeLedger
	balances *countingBalances
	quotes *fakeQuoter
	swaps  *fakeSwapper
	pub    *capturePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewPebbleStore("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{ledger: &fakeLedger{}, balances: &countingBalances{}, quotes: &fakeQuoter{}, swaps: &fakeSwapper{}, pub: &capturePublisher{}}
	f.coord = bet.NewCoordinator(bet.Config{Player: player, WinMultiplier: 2}, bet.Deps{Ledger: f.ledger, Balances: f.balances})
	f.sess = New(Deps{
		Coordinator: f.coord,
		Quotes:      f.quotes,
		Swaps:       f.swaps,
		Rounds:      store,
		Publisher:   f.pub,
		QuoteTTL:    time.Minute,
		Sell:        units.MON,
		Buy:         units.USDC,
	})
	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) resolve(t *testing.T, id int64, choice, rolled uint8, stake int64) {
	t.Helper()
	meta := chain.EventMeta{BetID: big.NewInt(id), Player: player}
	f.coord.OnLedgerEvent(chain.BetPlaced{EventMeta: meta, Choice: choice, Amount: big.NewInt(stake)})
	f.coord.OnLedgerEvent(chain.DiceRolled{EventMeta: meta, Choice: choice, DiceResult: rolled, IsWinner: choice == rolled})
}

func TestWinningRoundIsJournaledAndQuoted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if got := f.sess.Limits(); got.MaxStake.Int64() != 1_000_000 {
		t.Fatalf("limits not refreshed on start: %+v", got)
	}
	if _, err := f.sess.QuoteWinnings(ctx); !errors.Is(err, ErrNoWinnings) {
		t.Fatalf("quote before any bet: err = %v", err)
	}

	if _, err := f.sess.PlaceBet(ctx, 3, big.NewInt(1000)); err != nil {
		t.Fatalf("place: %v", err)
	}
	if _, err := f.sess.QuoteWinnings(ctx); !errors.Is(err, ErrNoWinnings) {
		t.Fatalf("quote before resolution: err = %v", err)
	}
	f.resolve(t, 7, 3, 3, 1000)

	rounds, err := f.sess.History(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rounds) != 1 || rounds[0].BetID != "7" || rounds[0].Payout != "2000" || !rounds[0].IsWinner {
		t.Fatalf("history = %+v", rounds)
	}

	q, err := f.sess.QuoteWinnings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if q.SourceAmount != "2000" {
		t.Errorf("quoted %s, want the 2000 payout", q.SourceAmount)
	}

	f.sess.Close()
	if len(f.pub.rounds) != 1 || f.pub.rounds[0].BetID != "7" || !f.pub.closed {
		t.Errorf("published %+v closed=%v", f.pub.rounds, f.pub.closed)
	}
	if f.ledger.released != 1 {
		t.Errorf("subscription released %d times, want 1", f.ledger.released)
	}
	f.sess.Close()
	if f.ledger.released != 1 {
		t.Error("second Close released again")
	}
}

func TestLosingRoundHasNoWinnings(t *testing.T) {
	f := newFixture(t)
	defer f.sess.Close()
	ctx := context.Background()

	if _, err := f.sess.PlaceBet(ctx, 2, big.NewInt(500)); err != nil {
		t.Fatal(err)
	}
	f.resolve(t, 8, 2, 5, 500)

	if _, err := f.sess.QuoteWinnings(ctx); !errors.Is(err, ErrNoWinnings) {
		t.Fatalf("err = %v, want ErrNoWinnings", err)
	}
	rounds, _ := f.sess.History(0)
	if len(rounds) != 1 || rounds[0].IsWinner || rounds[0].Payout != "0" {
		t.Errorf("history = %+v", rounds)
	}
}

func TestSwapEmitsTicketStates(t *testing.T) {
	f := newFixture(t)
	defer f.sess.Close()

	var mu sync.Mutex
	var states []swap.State
	f.sess.SetHandlers(Handlers{OnSwap: func(tk swap.Ticket) {
		mu.Lock()
		states = append(states, tk.State)
		mu.Unlock()
	}})

	q, _ := f.sess.Quote(context.Background(), "2000")
	tk, conf, err := f.sess.Swap(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	if tk.State != swap.StateConfirmed || conf.BlockNumber != 9 {
		t.Errorf("ticket = %+v conf = %+v", tk, conf)
	}
	want := []swap.State{swap.StateQuoted, swap.StateSubmitted, swap.StateConfirmed}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestSwapFailures(t *testing.T) {
	f := newFixture(t)
	defer f.sess.Close()

	if _, _, err := f.sess.Swap(context.Background(), quote.PriceQuote{SourceAmount: "0"}); !errors.Is(err, quote.ErrInvalidAmount) {
		t.Fatalf("zero source: err = %v", err)
	}

	f.swaps.submitErr = swap.ErrRejected
	q, _ := f.sess.Quote(context.Background(), "10")
	tk, _, err := f.sess.Swap(context.Background(), q)
	if !errors.Is(err, swap.ErrRejected) {
		t.Fatalf("err = %v, want Rejected", err)
	}
	if tk.State != swap.StateFailed {
		t.Errorf("state = %s, want Failed", tk.State)
	}
}

func TestWagerHandlerReceivesChanges(t *testing.T) {
	f := newFixture(t)
	defer f.sess.Close()

	var mu sync.Mutex
	var statuses []bet.Status
	f.sess.SetHandlers(Handlers{OnWager: func(w bet.Wager) {
		mu.Lock()
		statuses = append(statuses, w.Status)
		mu.Unlock()
	}})

	if _, err := f.sess.PlaceBet(context.Background(), 1, big.NewInt(10)); err != nil {
		t.Fatal(err)
	}
	f.resolve(t, 3, 1, 4, 10)

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) == 0 || statuses[len(statuses)-1] != bet.StatusResolved {
		t.Fatalf("statuses = %v", statuses)
	}
	if err := f.sess.NewRound(); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.sess.CurrentWager(); ok {
		t.Error("NewRound left a wager tracked")
	}
}

func TestPlaceBetRejectionsSkipBalanceRead(t *testing.T) {
	f := newFixture(t)
	defer f.sess.Close()
	ctx := context.Background()
	start := f.balances.count()

	tests := []struct {
		name   string
		choice int
		stake  int64
		want   error
	}{
		{"choice above range", 9, 10, bet.ErrInvalidChoice},
		{"choice below range", 0, 10, bet.ErrInvalidChoice},
		{"zero stake", 1, 0, bet.ErrStakeOutOfRange},
		{"stake above max", 1, 2_000_000, bet.ErrStakeOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.sess.PlaceBet(ctx, tt.choice, big.NewInt(tt.stake)); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if got := f.balances.count() - start; got != 0 {
		t.Fatalf("balance read %d times for rejected bets", got)
	}

	if _, err := f.sess.PlaceBet(ctx, 1, big.NewInt(10)); err != nil {
		t.Fatal(err)
	}
	if got := f.balances.count() - start; got != 1 {
		t.Fatalf("balance read %d times for an accepted bet, want 1", got)
	}
	if _, err := f.sess.PlaceBet(ctx, 2, big.NewInt(10)); !errors.Is(err, bet.ErrPendingBetExists) {
		t.Fatalf("err = %v, want PendingBetExists", err)
	}
	if got := f.balances.count() - start; got != 1 {
		t.Errorf("balance read while a bet was pending")
	}
}

func TestSwapRejectsForeignPair(t *testing.T) {
	weth := units.Asset{Symbol: "WETH", Address: common.HexToAddress("0xbeef"), Decimals: 18}
	tests := []struct {
		name string
		edit func(q *quote.PriceQuote)
	}{
		{"sell token", func(q *quote.PriceQuote) { q.Sell = weth }},
		{"buy token", func(q *quote.PriceQuote) { q.Buy = weth }},
		{"buy decimals", func(q *quote.PriceQuote) { q.Buy.Decimals = 18 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			defer f.sess.Close()

			q, _ := f.sess.Quote(context.Background(), "2000")
			tt.edit(&q)
			if _, _, err := f.sess.Swap(context.Background(), q); !errors.Is(err, ErrAssetMismatch) {
				t.Fatalf("err = %v, want ErrAssetMismatch", err)
			}
			if f.swaps.submits != 0 {
				t.Errorf("swap submitted %d times", f.swaps.submits)
			}
		})
	}
}

func TestSettlementAfterCloseIsNotPublished(t *testing.T) {
	f := newFixture(t)
	st := bet.Settlement{
		Wager:     bet.Wager{ID: big.NewInt(5), Player: player, Choice: 2, Stake: big.NewInt(10), Status: bet.StatusResolved},
		Outcome:   bet.Outcome{RolledValue: 2, IsWinner: true, Payout: big.NewInt(20)},
		SettledAt: time.Now(),
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.sess.recordSettlement(st)
		}()
	}
	f.sess.Close()
	wg.Wait()

	f.sess.recordSettlement(st)

	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	if f.pub.afterClose != 0 {
		t.Errorf("%d rounds published after the publisher closed", f.pub.afterClose)
	}
}
