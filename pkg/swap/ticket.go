package swap

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/uhyunpark/dicebet/pkg/quote"
)

type State int

const (
	StateQuoted State = iota
	StateSubmitted
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "Submitted"
	case StateConfirmed:
		return "Confirmed"
	case StateFailed:
		return "Failed"
	default:
		return "Quoted"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Ticket is an accepted quote on its way to becoming one transaction.
type Ticket struct {
	ID        uuid.UUID        `json:"id"`
	Quote     quote.PriceQuote `json:"quote"`
	State     State            `json:"state"`
	TxHash    common.Hash      `json:"txHash"`
	CreatedAt time.Time        `json:"createdAt"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

// BuildTicket wraps q without touching the network. The ticket expires ttl
// after the quote was fetched.
func BuildTicket(q quote.PriceQuote, ttl time.Duration) Ticket {
	return Ticket{
		ID:        uuid.New(),
		Quote:     q,
		State:     StateQuoted,
		CreatedAt: q.FetchedAt,
		ExpiresAt: q.FetchedAt.Add(ttl),
	}
}

func (t Ticket) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Confirmation reports the swap transaction's inclusion.
type Confirmation struct {
	TxHash      common.Hash `json:"txHash"`
	BlockNumber uint64      `json:"blockNumber"`
	GasUsed     uint64      `json:"gasUsed"`
}
