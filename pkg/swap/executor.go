// Package swap executes accepted price quotes as on-chain transactions.
package swap

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/dicebet/pkg/chain"
	"github.com/uhyunpark/dicebet/pkg/metrics"
	"github.com/uhyunpark/dicebet/pkg/util"
)

type Config struct {
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

type Deps struct {
	Transactor chain.Transactor
	Receipts   chain.ReceiptReader
	Router     Router
	Identity   chain.Identity // nil = read-only session
	Clock      util.Clock
	Logger     *zap.SugaredLogger
}

type Executor struct {
	cfg   Config
	deps  Deps
	clock util.Clock
	log   *zap.SugaredLogger

	mu   sync.Mutex
	used map[uuid.UUID]struct{}
}

func NewExecutor(cfg Config, deps Deps) *Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	return &Executor{
		cfg:   cfg,
		deps:  deps,
		clock: util.OrReal(deps.Clock),
		log:   util.OrNop(deps.Logger),
		used:  make(map[uuid.UUID]struct{}),
	}
}

// claim marks the ticket spent. A ticket is spent even when its submission
// fails, so a retry needs a fresh quote.
func (e *Executor) claim(t *Ticket) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.State != StateQuoted {
		return false
	}
	if _, ok := e.used[t.ID]; ok {
		return false
	}
	e.used[t.ID] = struct{}{}
	return true
}

// Submit sends the ticket's single transaction. On success the ticket moves to
// Submitted and carries the transaction hash.
func (e *Executor) Submit(ctx context.Context, t *Ticket) (chain.TxHandle, error) {
	if !e.claim(t) {
		return chain.TxHandle{}, ErrTicketUsed
	}

	fail := func(kind ErrorKind, err error) (chain.TxHandle, error) {
		t.State = StateFailed
		metrics.SwapsTotal.WithLabelValues(string(kind)).Inc()
		e.log.Warnw("swap_submit_failed", "ticket", t.ID, "kind", kind, "err", err)
		return chain.TxHandle{}, execErr(kind, err)
	}

	if e.deps.Identity == nil {
		return fail(SignerUnavailable, chain.ErrSignerUnavailable)
	}
	if t.Expired(e.clock.Now()) {
		return fail(SubmissionFailed, errors.New("quote expired"))
	}

	req, err := e.deps.Router.Build(ctx, *t, e.deps.Identity.Address())
	if err != nil {
		return fail(SubmissionFailed, err)
	}

	handle, err := e.deps.Transactor.SendTransaction(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, chain.ErrSignerUnavailable):
		return fail(SignerUnavailable, err)
	case errors.Is(err, chain.ErrUserRejected):
		return fail(Rejected, err)
	default:
		return fail(SubmissionFailed, err)
	}

	t.State = StateSubmitted
	t.TxHash = handle.Hash
	e.log.Infow("swap_submitted", "ticket", t.ID, "router", e.deps.Router.Name(),
		"tx", handle.Hash.Hex(), "source", t.Quote.SourceAmount, "target", t.Quote.TargetAmount)
	return handle, nil
}

// AwaitConfirmation polls for the receipt of a submitted ticket until it is
// included or ConfirmTimeout elapses. Cancelling ctx stops the wait and leaves
// the ticket Submitted.
func (e *Executor) AwaitConfirmation(ctx context.Context, t *Ticket) (Confirmation, error) {
	if t.State != StateSubmitted {
		return Confirmation{}, execErr(SubmissionFailed, errors.New("ticket was not submitted"))
	}

	conf, kind, err := e.poll(ctx, t.TxHash)
	switch {
	case err == nil:
		t.State = StateConfirmed
		metrics.SwapsTotal.WithLabelValues("confirmed").Inc()
		e.log.Infow("swap_confirmed", "ticket", t.ID, "tx", t.TxHash.Hex(), "block", conf.BlockNumber)
		return conf, nil
	case ctx.Err() != nil:
		return Confirmation{}, execErr(Timeout, ctx.Err())
	default:
		t.State = StateFailed
		metrics.SwapsTotal.WithLabelValues(string(kind)).Inc()
		e.log.Warnw("swap_failed", "ticket", t.ID, "tx", t.TxHash.Hex(), "kind", kind)
		return conf, execErr(kind, err)
	}
}

func (e *Executor) poll(ctx context.Context, hash common.Hash) (Confirmation, ErrorKind, error) {
	deadline := e.clock.After(e.cfg.ConfirmTimeout)
	for {
		rec, err := e.deps.Receipts.Receipt(ctx, hash)
		switch {
		case err == nil:
			conf := Confirmation{TxHash: hash, BlockNumber: rec.BlockNumber, GasUsed: rec.GasUsed}
			if !rec.Succeeded() {
				return conf, Reverted, errors.New("transaction reverted")
			}
			return conf, "", nil
		case !errors.Is(err, chain.ErrNotFound):
			e.log.Debugw("swap_receipt_poll_error", "tx", hash.Hex(), "err", err)
		}

		select {
		case <-ctx.Done():
			return Confirmation{}, Timeout, ctx.Err()
		case <-deadline:
			return Confirmation{}, Timeout, errors.New("no receipt before deadline")
		case <-e.clock.After(e.cfg.PollInterval):
		}
	}
}
