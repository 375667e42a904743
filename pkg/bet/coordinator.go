// Package bet tracks one player's wager against the dice ledger. The local
// state only moves on ledger acknowledgements; inbound events that do not match
// the tracked wager are recorded as protocol violations and dropped.
package bet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/dicebet/pkg/chain"
	"github.com/uhyunpark/dicebet/pkg/metrics"
	"github.com/uhyunpark/dicebet/pkg/util"
)

// Ledger is the part of the dice contract the coordinator drives.
// *chain.DiceContract implements it.
type Ledger interface {
	PendingBet(ctx context.Context, player common.Address) (*big.Int, error)
	Bet(ctx context.Context, betID *big.Int) (chain.BetRecord, error)
	MinBetAmount(ctx context.Context) (*big.Int, error)
	MaxBetAmount(ctx context.Context) (*big.Int, error)
	PlaceBet(ctx context.Context, choice uint8, stake *big.Int) (chain.TxHandle, error)
	SubscribeEvents(ctx context.Context, onEvent func(chain.Event), onErr func(error)) (chain.Unsubscribe, error)
}

type Config struct {
	Player           common.Address // zero = not connected
	Limits           Limits         // used until RefreshLimits succeeds
	WinMultiplier    int64
	PlacementTimeout time.Duration // 0 = do not wait for the placement receipt
	ReceiptPoll      time.Duration
	ResyncInterval   time.Duration // ledger resync while a wager is open; 0 = 10s
}

type Deps struct {
	Ledger   Ledger
	Receipts chain.ReceiptReader // optional
	Balances chain.BalanceReader // optional
	Clock    util.Clock
	Logger   *zap.SugaredLogger
}

// Handlers are invoked outside the coordinator lock, one at a time and in state
// order; a snapshot older than one already delivered is not delivered. They
// must not call PlaceBet, Sync or OnLedgerEvent.
type Handlers struct {
	OnChange  func(w Wager)
	OnSettled func(s Settlement)
	OnPayout  func(w Wager, n PayoutNotice)
}

const (
	maxViolations = 32
	maxEarly      = 4
)

var errPlacementTimeout = errors.New("placement receipt not seen before timeout")

type Coordinator struct {
	cfg      Config
	ledger   Ledger
	receipts chain.ReceiptReader
	balances chain.BalanceReader
	clock    util.Clock
	logger   *zap.SugaredLogger

	mu         sync.Mutex
	handlers   Handlers
	limits     Limits
	balance    *big.Int // nil = unknown, check skipped
	current    *Wager
	attempt    uint64 // bumped per placement and on reset; stale sends compare against it
	unsub      chain.Unsubscribe
	stop       chan struct{}
	violations []ProtocolViolation
	early      []chain.Event // outcome events seen before the tracked wager's echo
	seq        uint64

	kick       chan struct{}
	dispatchMu sync.Mutex
	delivered  uint64 // seq of the last snapshot handed to OnChange
}

func NewCoordinator(cfg Config, deps Deps) *Coordinator {
	if cfg.WinMultiplier <= 0 {
		cfg.WinMultiplier = 2
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = time.Second
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = 10 * time.Second
	}
	return &Coordinator{
		cfg:      cfg,
		ledger:   deps.Ledger,
		receipts: deps.Receipts,
		balances: deps.Balances,
		clock:    util.OrReal(deps.Clock),
		logger:   util.OrNop(deps.Logger),
		limits:   Limits{MinStake: copyInt(cfg.Limits.MinStake), MaxStake: copyInt(cfg.Limits.MaxStake)},
		kick:     make(chan struct{}, 1),
	}
}

func (c *Coordinator) SetHandlers(h Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

func (c *Coordinator) Player() common.Address { return c.cfg.Player }

// ============================================================================
// Lifecycle
// ============================================================================

// Start subscribes to ledger events and starts the resync loop. Calling it
// again while subscribed is a no-op.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsub != nil {
		return nil
	}
	unsub, err := c.ledger.SubscribeEvents(ctx, c.OnLedgerEvent, c.onSubscriptionError)
	if err != nil {
		return fmt.Errorf("failed to subscribe to ledger events: %w", err)
	}
	c.unsub = unsub
	c.stop = make(chan struct{})
	go c.resyncLoop(c.stop)
	c.logger.Infow("coordinator_started", "player", c.cfg.Player.Hex())
	return nil
}

// Close releases the event subscription and clears local state (disconnect).
func (c *Coordinator) Close() {
	c.mu.Lock()
	unsub, stop := c.unsub, c.stop
	c.unsub, c.stop = nil, nil
	c.current = nil
	c.early = nil
	c.attempt++
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if unsub != nil {
		unsub()
	}
}

// onSubscriptionError records undecodable logs as violations. Either kind of
// failure may have cost us an event, so both schedule a resync.
func (c *Coordinator) onSubscriptionError(err error) {
	var decErr *chain.DecodeError
	if errors.As(err, &decErr) {
		c.mu.Lock()
		c.violationLocked(ProtocolViolation{Event: decErr.Event, Detail: decErr.Err.Error()})
		c.mu.Unlock()
	} else {
		c.logger.Warnw("ledger_subscription_error", "player", c.cfg.Player.Hex(), "err", err)
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// resyncLoop runs Sync every ResyncInterval while a placed wager is open, and
// right away after a subscription error.
func (c *Coordinator) resyncLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-c.kick:
		case <-c.clock.After(c.cfg.ResyncInterval):
			if !c.awaitingLedger() {
				continue
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ResyncInterval)
		if err := c.Sync(ctx); err != nil {
			c.logger.Warnw("resync_failed", "player", c.cfg.Player.Hex(), "err", err)
		}
		cancel()
	}
}

// awaitingLedger is true while the tracked wager waits on an echo or a roll.
func (c *Coordinator) awaitingLedger() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && !c.current.Status.Terminal() && c.current.Status >= StatusAwaitingConfirmation
}

// RefreshLimits caches the ledger's stake bounds.
func (c *Coordinator) RefreshLimits(ctx context.Context) error {
	lo, err := c.ledger.MinBetAmount(ctx)
	if err != nil {
		return err
	}
	hi, err := c.ledger.MaxBetAmount(ctx)
	if err != nil {
		return err
	}
	if lo.Cmp(hi) > 0 {
		return fmt.Errorf("ledger limits inverted: min %s > max %s", lo, hi)
	}

	c.mu.Lock()
	c.limits = Limits{MinStake: lo, MaxStake: hi}
	c.mu.Unlock()
	return nil
}

// RefreshBalance caches the player's balance for the local balance check.
func (c *Coordinator) RefreshBalance(ctx context.Context) error {
	if c.balances == nil || c.cfg.Player == (common.Address{}) {
		return nil
	}
	bal, err := c.balances.Balance(ctx, c.cfg.Player)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.balance = bal
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) Limits() Limits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Limits{MinStake: copyInt(c.limits.MinStake), MaxStake: copyInt(c.limits.MaxStake)}
}

// CurrentWager returns a snapshot of the tracked wager.
func (c *Coordinator) CurrentWager() (Wager, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Wager{}, false
	}
	return c.current.clone(), true
}

// Violations returns the most recent protocol violations, oldest first.
func (c *Coordinator) Violations() []ProtocolViolation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ProtocolViolation(nil), c.violations...)
}

// NewRound clears a settled wager so the next PlaceBet starts fresh.
func (c *Coordinator) NewRound() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && !c.current.Status.Terminal() {
		return ErrWagerInFlight
	}
	c.current = nil
	c.early = nil
	c.attempt++
	return nil
}

// Abandon stops tracking the current wager. A broadcast bet still resolves on
// the ledger; only the local view is dropped.
func (c *Coordinator) Abandon() {
	c.mu.Lock()
	if c.current != nil {
		c.logger.Infow("wager_abandoned", "player", c.cfg.Player.Hex(), "status", c.current.Status.String())
	}
	c.current = nil
	c.early = nil
	c.attempt++
	c.mu.Unlock()
}

// ============================================================================
// Placement
// ============================================================================

// PlaceBet validates locally, then sends placeBet to the ledger. The pending
// slot, choice and stake checks return before any network call; the balance
// is read only once they pass. Nothing is retried.
func (c *Coordinator) PlaceBet(ctx context.Context, choice int, stake *big.Int) (Wager, error) {
	c.mu.Lock()
	rej := c.validateLocked(choice, stake)
	c.mu.Unlock()
	if rej == nil {
		if err := c.RefreshBalance(ctx); err != nil {
			c.logger.Debugw("balance_refresh_failed", "player", c.cfg.Player.Hex(), "err", err)
		}
	}

	c.mu.Lock()
	if rej == nil {
		// state may have moved while the balance was read
		if rej = c.validateLocked(choice, stake); rej == nil {
			rej = c.balanceCheckLocked(stake)
		}
	}
	if rej != nil {
		c.mu.Unlock()
		metrics.BetsTotal.WithLabelValues("rejected_" + string(rej.Reason)).Inc()
		c.logger.Infow("bet_rejected", "player", c.cfg.Player.Hex(), "reason", rej.Reason, "choice", choice)
		return Wager{}, rej
	}

	c.attempt++
	token := c.attempt
	now := c.clock.Now()
	c.early = nil
	c.current = &Wager{
		Player:    c.cfg.Player,
		Choice:    uint8(choice),
		Stake:     copyInt(stake),
		Status:    StatusSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	snap := c.current.clone()
	submitted := c.stampLocked(notice{change: &snap})
	c.mu.Unlock()

	metrics.BetsTotal.WithLabelValues("submitted").Inc()
	c.logger.Infow("bet_submitted", "player", snap.Player.Hex(), "choice", choice, "stake", stake.String())
	c.dispatch(submitted)

	handle, err := c.ledger.PlaceBet(ctx, uint8(choice), stake)
	if err != nil {
		rej := classify(err)
		c.failAttempt(token, rej)
		return Wager{}, rej
	}

	c.mu.Lock()
	var n notice
	if c.attempt == token && c.current != nil {
		c.current.TxHash = handle.Hash
		// the BetPlaced echo may already have moved it further
		if c.current.Status == StatusSubmitted {
			c.current.Status = StatusAwaitingConfirmation
			c.current.UpdatedAt = c.clock.Now()
			s := c.current.clone()
			n = c.stampLocked(notice{change: &s})
		}
	}
	c.mu.Unlock()

	c.logger.Infow("bet_broadcast", "player", snap.Player.Hex(), "tx", handle.Hash.Hex())
	c.dispatch(n)

	if c.receipts != nil && c.cfg.PlacementTimeout > 0 {
		rec, err := c.waitPlacement(ctx, token, handle.Hash)
		switch {
		case err == nil && rec != nil && !rec.Succeeded():
			rej := reject(Reverted, fmt.Errorf("placement tx %s reverted", handle.Hash.Hex()))
			c.failAttempt(token, rej)
			return Wager{}, rej
		case errors.Is(err, errPlacementTimeout):
			c.logger.Warnw("placement_unconfirmed", "tx", handle.Hash.Hex(), "timeout", c.cfg.PlacementTimeout)
		case err != nil:
			c.logger.Warnw("placement_wait_aborted", "tx", handle.Hash.Hex(), "err", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt == token && c.current != nil {
		return c.current.clone(), nil
	}
	// abandoned while in flight; the bet was still broadcast
	snap.TxHash = handle.Hash
	return snap, nil
}

func (c *Coordinator) validateLocked(choice int, stake *big.Int) *Rejection {
	if c.cfg.Player == (common.Address{}) {
		return reject(NotConnected, nil)
	}
	if c.current != nil && !c.current.Status.Terminal() {
		return reject(PendingBetExists, nil)
	}
	if choice < MinChoice || choice > MaxChoice {
		return reject(InvalidChoice, fmt.Errorf("choice %d not in [%d,%d]", choice, MinChoice, MaxChoice))
	}
	if stake == nil || stake.Sign() <= 0 || !c.limits.contains(stake) {
		return reject(StakeOutOfRange, fmt.Errorf("stake %v not in [%v,%v]", stake, c.limits.MinStake, c.limits.MaxStake))
	}
	return nil
}

func (c *Coordinator) balanceCheckLocked(stake *big.Int) *Rejection {
	if c.balance != nil && c.balance.Cmp(stake) < 0 {
		return reject(InsufficientBalance, fmt.Errorf("balance %s < stake %s", c.balance, stake))
	}
	return nil
}

func classify(err error) *Rejection {
	switch {
	case errors.Is(err, chain.ErrSignerUnavailable):
		return reject(SignerUnavailable, err)
	case errors.Is(err, chain.ErrUserRejected):
		return reject(UserRejected, err)
	default:
		return reject(SubmissionFailed, err)
	}
}

// failAttempt moves the attempt's wager to Failed and frees the slot, unless
// the ledger already acknowledged it.
func (c *Coordinator) failAttempt(token uint64, rej *Rejection) {
	c.mu.Lock()
	var n notice
	if c.attempt == token && c.current != nil && c.current.Status < StatusAwaitingResolution {
		c.current.Status = StatusFailed
		c.current.UpdatedAt = c.clock.Now()
		s := c.current.clone()
		n = c.stampLocked(notice{change: &s})
		c.current = nil
		c.early = nil
	}
	c.mu.Unlock()

	metrics.BetsTotal.WithLabelValues("failed").Inc()
	c.logger.Warnw("bet_failed", "player", c.cfg.Player.Hex(), "reason", rej.Reason, "err", rej.Err)
	c.dispatch(n)
}

// awaitingAck is true while the attempt is current and not yet echoed by the ledger.
func (c *Coordinator) awaitingAck(token uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt == token && c.current != nil && c.current.Status < StatusAwaitingResolution
}

// waitPlacement polls the placement receipt until it appears, the ledger echo
// arrives, or PlacementTimeout elapses.
func (c *Coordinator) waitPlacement(ctx context.Context, token uint64, hash common.Hash) (*chain.Receipt, error) {
	deadline := c.clock.After(c.cfg.PlacementTimeout)
	for {
		if !c.awaitingAck(token) {
			return nil, nil
		}
		rec, err := c.receipts.Receipt(ctx, hash)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, chain.ErrNotFound) {
			c.logger.Debugw("receipt_poll_error", "tx", hash.Hex(), "err", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, errPlacementTimeout
		case <-c.clock.After(c.cfg.ReceiptPoll):
		}
	}
}

// ============================================================================
// Reconciliation
// ============================================================================

type notice struct {
	seq     uint64
	change  *Wager
	settled *Settlement
	payout  *PayoutNotice
}

func (c *Coordinator) stampLocked(n notice) notice {
	if n.change != nil {
		c.seq++
		n.seq = c.seq
	}
	return n
}

// OnLedgerEvent applies one inbound ledger event. Events for other players are
// ignored. A roll or payout that arrives before the tracked wager's echo is
// held and applied once the echo names its bet; other events that do not
// match the tracked wager are dropped as protocol violations. Safe to call
// concurrently with PlaceBet.
func (c *Coordinator) OnLedgerEvent(ev chain.Event) {
	meta := ev.Meta()
	if meta.Player != c.cfg.Player {
		return
	}

	c.mu.Lock()
	ns := c.applyLocked(ev)
	c.mu.Unlock()

	c.dispatch(ns...)
}

func (c *Coordinator) applyLocked(ev chain.Event) []notice {
	if c.holdEarlyLocked(ev) {
		return nil
	}

	var n notice
	switch e := ev.(type) {
	case chain.BetPlaced:
		n = c.applyPlacedLocked(e)
	case chain.DiceRolled:
		n = c.applyRolledLocked(e)
	case chain.PayoutSent:
		n = c.applyPayoutLocked(e)
	default:
		c.violationLocked(ProtocolViolation{Event: ev.Name(), BetID: ev.Meta().BetID, Detail: "unsupported event"})
	}
	ns := []notice{c.stampLocked(n)}

	if _, ok := ev.(chain.BetPlaced); ok && c.current != nil && c.current.ID != nil {
		early := c.early
		c.early = nil
		for _, e := range early {
			ns = append(ns, c.applyLocked(e)...)
		}
	}
	return ns
}

// holdEarlyLocked parks an outcome event while the tracked wager has not been
// echoed yet.
func (c *Coordinator) holdEarlyLocked(ev chain.Event) bool {
	switch ev.(type) {
	case chain.DiceRolled, chain.PayoutSent:
	default:
		return false
	}
	w := c.current
	if w == nil || w.ID != nil || w.Status.Terminal() {
		return false
	}
	if len(c.early) >= maxEarly {
		c.violationLocked(ProtocolViolation{Event: ev.Name(), BetID: ev.Meta().BetID, Detail: "too many events before acknowledgement"})
		return true
	}
	c.early = append(c.early, ev)
	c.logger.Debugw("event_held", "event", ev.Name(), "bet_id", ev.Meta().BetID, "player", c.cfg.Player.Hex())
	return true
}

func (c *Coordinator) applyPlacedLocked(e chain.BetPlaced) notice {
	w := c.current
	switch {
	case w == nil:
		c.violationLocked(ProtocolViolation{Event: e.Name(), BetID: e.BetID, Detail: "no tracked wager"})
		return notice{}
	case w.ID != nil:
		if w.ID.Cmp(e.BetID) != 0 {
			c.violationLocked(ProtocolViolation{Event: e.Name(), BetID: e.BetID, Detail: fmt.Sprintf("tracked wager is bet %s", w.ID)})
		}
		// same id: duplicate echo
		return notice{}
	case w.Status.Terminal():
		c.violationLocked(ProtocolViolation{Event: e.Name(), BetID: e.BetID, Detail: "tracked wager already " + w.Status.String()})
		return notice{}
	case e.Choice != w.Choice || (e.Amount != nil && e.Amount.Cmp(w.Stake) != 0):
		c.violationLocked(ProtocolViolation{Event: e.Name(), BetID: e.BetID,
			Detail: fmt.Sprintf("echo choice=%d amount=%v does not match choice=%d stake=%s", e.Choice, e.Amount, w.Choice, w.Stake)})
		return notice{}
	}

	w.ID = copyInt(e.BetID)
	w.Status = StatusAwaitingResolution
	if w.TxHash == (common.Hash{}) {
		w.TxHash = e.TxHash
	}
	w.UpdatedAt = c.clock.Now()
	c.logger.Infow("bet_acknowledged", "player", w.Player.Hex(), "bet_id", w.ID.String(), "block", e.BlockNumber)

	s := w.clone()
	return notice{change: &s}
}

func (c *Coordinator) applyRolledLocked(e chain.DiceRolled) notice {
	w := c.current
	switch {
	case w == nil:
		c.violationLocked(ProtocolViolation{Event: e.Name(), BetID: e.BetID, Detail: "no tracked wager"})
		return notice{}
	case w.ID == nil:
		c.violationLocked(ProtocolViolation{Event: e.Name(), BetID: e.BetID, Detail: "tracked wager already " + w.Status.String()})
		return notice{}
	case w.ID.Cmp(e.BetID) != 0:
		c.violationLocked(ProtocolViolation{Event: e.Name(), BetID: e.BetID, Detail: fmt.Sprintf("tracked wager is bet %s", w.ID)})
		return notice{}
	case w.Status == StatusResolved:
		// replay
		return notice{}
	case e.DiceResult < MinChoice || e.DiceResult > MaxChoice:
		c.violationLocked(ProtocolViolation{Event: e.Name(), BetID: e.BetID, Detail: fmt.Sprintf("dice result %d out of range", e.DiceResult)})
		return notice{}
	}

	payout := new(big.Int)
	if e.IsWinner {
		payout.Mul(w.Stake, big.NewInt(c.cfg.WinMultiplier))
	}
	now := c.clock.Now()
	w.Outcome = &Outcome{RolledValue: e.DiceResult, IsWinner: e.IsWinner, Payout: payout}
	w.Status = StatusResolved
	w.UpdatedAt = now

	result := "lost"
	if e.IsWinner {
		result = "won"
	}
	metrics.BetsTotal.WithLabelValues(result).Inc()
	c.logger.Infow("bet_resolved",
		"player", w.Player.Hex(),
		"bet_id", w.ID.String(),
		"choice", w.Choice,
		"rolled", e.DiceResult,
		"winner", e.IsWinner,
		"payout", payout.String(),
	)

	s := w.clone()
	return notice{change: &s, settled: &Settlement{Wager: s, Outcome: *s.Outcome, SettledAt: now}}
}

func (c *Coordinator) applyPayoutLocked(e chain.PayoutSent) notice {
	w := c.current
	switch {
	case w == nil || w.ID == nil || w.ID.Cmp(e.BetID) != 0:
		c.violationLocked(ProtocolViolation{Event: e.Name(), BetID: e.BetID, Detail: "does not match tracked wager"})
		return notice{}
	case w.Payout != nil:
		return notice{}
	}

	w.Payout = &PayoutNotice{Amount: copyInt(e.Amount), TxHash: e.TxHash}
	w.UpdatedAt = c.clock.Now()
	c.logger.Infow("payout_received", "player", w.Player.Hex(), "bet_id", w.ID.String(), "amount", e.Amount.String())

	s := w.clone()
	p := *s.Payout
	return notice{change: &s, payout: &p}
}

func (c *Coordinator) violationLocked(v ProtocolViolation) {
	metrics.ProtocolViolations.WithLabelValues(v.Event).Inc()
	c.logger.Warnw("protocol_violation", "event", v.Event, "bet_id", v.BetID, "detail", v.Detail, "player", c.cfg.Player.Hex())
	c.violations = append(c.violations, v)
	if len(c.violations) > maxViolations {
		c.violations = c.violations[len(c.violations)-maxViolations:]
	}
}

// dispatch hands notices to the handlers. PlaceBet and the event stream both
// dispatch, so delivery is serialized and a change stamped before the last
// delivered one is stale and skipped.
func (c *Coordinator) dispatch(ns ...notice) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()

	for _, n := range ns {
		if n.change != nil && n.seq > c.delivered {
			c.delivered = n.seq
			if h.OnChange != nil {
				h.OnChange(*n.change)
			}
		}
		if n.settled != nil && h.OnSettled != nil {
			h.OnSettled(*n.settled)
		}
		if n.payout != nil && h.OnPayout != nil {
			h.OnPayout(*n.change, *n.payout)
		}
	}
}

// ============================================================================
// Recovery
// ============================================================================

// Sync reconciles local state with the ledger's records. It adopts the player's
// pending bet when nothing is tracked, and applies a resolution that was missed
// on the event stream. Results go through the same path as live events.
func (c *Coordinator) Sync(ctx context.Context) error {
	if c.cfg.Player == (common.Address{}) {
		return nil
	}

	c.mu.Lock()
	var current *Wager
	if c.current != nil {
		w := c.current.clone()
		current = &w
	}
	token := c.attempt
	c.mu.Unlock()

	switch {
	case current == nil, current.ID == nil && current.Status == StatusAwaitingConfirmation:
		id, err := c.ledger.PendingBet(ctx, c.cfg.Player)
		if err != nil {
			return fmt.Errorf("failed to read pending bet: %w", err)
		}
		if id.Sign() == 0 {
			return nil
		}
		rec, err := c.ledger.Bet(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to read bet %s: %w", id, err)
		}
		if current == nil {
			c.adopt(token, id, rec)
		} else {
			c.OnLedgerEvent(chain.BetPlaced{
				EventMeta: chain.EventMeta{BetID: id, Player: c.cfg.Player},
				Choice:    rec.Choice,
				Amount:    rec.Amount,
			})
		}
		c.applyRecord(id, rec)

	case current.ID != nil && current.Status == StatusAwaitingResolution:
		rec, err := c.ledger.Bet(ctx, current.ID)
		if err != nil {
			return fmt.Errorf("failed to read bet %s: %w", current.ID, err)
		}
		c.applyRecord(current.ID, rec)
	}
	return nil
}

func (c *Coordinator) adopt(token uint64, id *big.Int, rec chain.BetRecord) {
	c.mu.Lock()
	if c.attempt != token || c.current != nil {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	c.attempt++
	c.early = nil
	c.current = &Wager{
		ID:        copyInt(id),
		Player:    c.cfg.Player,
		Choice:    rec.Choice,
		Stake:     copyInt(rec.Amount),
		Status:    StatusAwaitingResolution,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s := c.current.clone()
	n := c.stampLocked(notice{change: &s})
	c.mu.Unlock()

	c.logger.Infow("pending_bet_adopted", "player", c.cfg.Player.Hex(), "bet_id", id.String())
	c.dispatch(n)
}

func (c *Coordinator) applyRecord(id *big.Int, rec chain.BetRecord) {
	if !rec.IsResolved {
		return
	}
	c.OnLedgerEvent(chain.DiceRolled{
		EventMeta:  chain.EventMeta{BetID: id, Player: c.cfg.Player},
		Choice:     rec.Choice,
		DiceResult: rec.DiceResult,
		IsWinner:   rec.IsWinner,
	})
}
