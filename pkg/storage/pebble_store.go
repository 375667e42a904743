// Package storage journals settled rounds so history survives a page reload.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/dicebet/pkg/bet"
)

// Round is the journaled form of one settled wager. Amounts are base units.
type Round struct {
	BetID       string         `json:"betId"`
	Player      common.Address `json:"player"`
	Choice      uint8          `json:"choice"`
	Stake       string         `json:"stake"`
	RolledValue uint8          `json:"rolledValue"`
	IsWinner    bool           `json:"isWinner"`
	Payout      string         `json:"payout"`
	TxHash      common.Hash    `json:"txHash"`
	SettledAt   time.Time      `json:"settledAt"`
}

func RoundFromSettlement(s bet.Settlement) (Round, error) {
	if s.Wager.ID == nil {
		return Round{}, errors.New("settlement has no bet id")
	}
	r := Round{
		BetID:       s.Wager.ID.String(),
		Player:      s.Wager.Player,
		Choice:      s.Wager.Choice,
		Stake:       "0",
		RolledValue: s.Outcome.RolledValue,
		IsWinner:    s.Outcome.IsWinner,
		Payout:      "0",
		TxHash:      s.Wager.TxHash,
		SettledAt:   s.SettledAt,
	}
	if s.Wager.Stake != nil {
		r.Stake = s.Wager.Stake.String()
	}
	if s.Outcome.Payout != nil {
		r.Payout = s.Outcome.Payout.String()
	}
	return r, nil
}

type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens the journal at path. An empty path keeps it in memory.
func NewPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{}
	if path == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open round store: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// keys: r:<20-byte player>:<32-byte big-endian bet id>
func roundPrefix(player common.Address) []byte {
	k := append([]byte("r:"), player.Bytes()...)
	return append(k, ':')
}

func roundKey(player common.Address, id *big.Int) []byte {
	var b [32]byte
	id.FillBytes(b[:])
	return append(roundPrefix(player), b[:]...)
}

func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// SaveRound persists r. Saving the same bet id again overwrites it.
func (s *PebbleStore) SaveRound(r Round) error {
	id, ok := new(big.Int).SetString(r.BetID, 10)
	if !ok || id.Sign() < 0 || id.BitLen() > 256 {
		return fmt.Errorf("invalid bet id %q", r.BetID)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal round: %w", err)
	}
	if err := s.db.Set(roundKey(r.Player, id), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save round: %w", err)
	}
	return nil
}

// ListRounds returns up to limit rounds for player, newest bet id first.
func (s *PebbleStore) ListRounds(player common.Address, limit int) ([]Round, error) {
	prefix := roundPrefix(player)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	rounds := []Round{}
	for iter.Last(); iter.Valid() && (limit <= 0 || len(rounds) < limit); iter.Prev() {
		var r Round
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			continue
		}
		rounds = append(rounds, r)
	}
	return rounds, nil
}
