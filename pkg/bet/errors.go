package bet

import (
	"errors"
	"fmt"
	"math/big"
)

type RejectionReason string

const (
	// Local validation; the ledger is never contacted.
	InvalidChoice       RejectionReason = "InvalidChoice"
	StakeOutOfRange     RejectionReason = "StakeOutOfRange"
	InsufficientBalance RejectionReason = "InsufficientBalance"
	PendingBetExists    RejectionReason = "PendingBetExists"

	// Execution; the slot is released and nothing is retried.
	NotConnected      RejectionReason = "NotConnected"
	SignerUnavailable RejectionReason = "SignerUnavailable"
	UserRejected      RejectionReason = "UserRejected"
	SubmissionFailed  RejectionReason = "SubmissionFailed"
	Reverted          RejectionReason = "Reverted"
)

// Validation reports whether r is decided locally before any network call.
func (r RejectionReason) Validation() bool {
	switch r {
	case InvalidChoice, StakeOutOfRange, InsufficientBalance, PendingBetExists:
		return true
	}
	return false
}

// Rejection is the typed error PlaceBet returns.
type Rejection struct {
	Reason RejectionReason
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("bet rejected (%s): %v", r.Reason, r.Err)
	}
	return fmt.Sprintf("bet rejected (%s)", r.Reason)
}

func (r *Rejection) Unwrap() error { return r.Err }

// Is matches any Rejection with the same reason, so errors.Is(err, ErrPendingBetExists) works.
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Reason == r.Reason
}

var (
	ErrInvalidChoice       = &Rejection{Reason: InvalidChoice}
	ErrStakeOutOfRange     = &Rejection{Reason: StakeOutOfRange}
	ErrInsufficientBalance = &Rejection{Reason: InsufficientBalance}
	ErrPendingBetExists    = &Rejection{Reason: PendingBetExists}
	ErrNotConnected        = &Rejection{Reason: NotConnected}
	ErrSignerUnavailable   = &Rejection{Reason: SignerUnavailable}
	ErrUserRejected        = &Rejection{Reason: UserRejected}
	ErrSubmissionFailed    = &Rejection{Reason: SubmissionFailed}
	ErrReverted            = &Rejection{Reason: Reverted}
)

func reject(reason RejectionReason, err error) *Rejection {
	return &Rejection{Reason: reason, Err: err}
}

// ErrWagerInFlight is returned by NewRound while the current wager is not terminal.
var ErrWagerInFlight = errors.New("current wager has not settled")

// ProtocolViolation describes an inbound event that did not match the tracked wager.
// It is logged and counted, never returned.
type ProtocolViolation struct {
	Event  string
	BetID  *big.Int
	Detail string
}

func (p ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation on %s (bet %v): %s", p.Event, p.BetID, p.Detail)
}
