package bet

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Status int

const (
	StatusNone Status = iota
	StatusSubmitted
	StatusAwaitingConfirmation
	StatusAwaitingResolution
	StatusResolved
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSubmitted:
		return "Submitted"
	case StatusAwaitingConfirmation:
		return "AwaitingConfirmation"
	case StatusAwaitingResolution:
		return "AwaitingResolution"
	case StatusResolved:
		return "Resolved"
	case StatusFailed:
		return "Failed"
	default:
		return "None"
	}
}

func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusFailed
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

const (
	MinChoice = 1
	MaxChoice = 6
)

type Outcome struct {
	RolledValue uint8    `json:"rolledValue"`
	IsWinner    bool     `json:"isWinner"`
	Payout      *big.Int `json:"payout"` // stake * multiplier for a win, 0 for a loss
}

// PayoutNotice is the informational PayoutSent echo.
type PayoutNotice struct {
	Amount *big.Int    `json:"amount"`
	TxHash common.Hash `json:"txHash"`
}

// Wager is one betting round as tracked locally.
type Wager struct {
	ID        *big.Int       `json:"id,omitempty"` // ledger-issued; nil until BetPlaced
	Player    common.Address `json:"player"`
	Choice    uint8          `json:"choice"`
	Stake     *big.Int       `json:"stake"`
	Status    Status         `json:"status"`
	TxHash    common.Hash    `json:"txHash"`
	Outcome   *Outcome       `json:"outcome,omitempty"`
	Payout    *PayoutNotice  `json:"payout,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func (w *Wager) clone() Wager {
	c := *w
	c.ID = copyInt(w.ID)
	c.Stake = copyInt(w.Stake)
	if w.Outcome != nil {
		o := *w.Outcome
		o.Payout = copyInt(o.Payout)
		c.Outcome = &o
	}
	if w.Payout != nil {
		p := *w.Payout
		p.Amount = copyInt(p.Amount)
		c.Payout = &p
	}
	return c
}

// Settlement is emitted exactly once per resolved wager.
type Settlement struct {
	Wager     Wager     `json:"wager"`
	Outcome   Outcome   `json:"outcome"`
	SettledAt time.Time `json:"settledAt"`
}

// Limits bounds the stake. Both ends are inclusive, in native base units.
type Limits struct {
	MinStake *big.Int `json:"minStake"`
	MaxStake *big.Int `json:"maxStake"`
}

func (l Limits) contains(stake *big.Int) bool {
	if l.MinStake != nil && stake.Cmp(l.MinStake) < 0 {
		return false
	}
	if l.MaxStake != nil && stake.Cmp(l.MaxStake) > 0 {
		return false
	}
	return true
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
