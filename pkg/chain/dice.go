package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventMeta is carried by every dice event.
type EventMeta struct {
	BetID       *big.Int
	Player      common.Address
	TxHash      common.Hash
	BlockNumber uint64
}

func (m EventMeta) Meta() EventMeta { return m }

// Event is one of BetPlaced, DiceRolled or PayoutSent.
type Event interface {
	Name() string
	Meta() EventMeta
}

type BetPlaced struct {
	EventMeta
	Choice uint8
	Amount *big.Int
}

func (BetPlaced) Name() string { return EventBetPlaced }

type DiceRolled struct {
	EventMeta
	Choice     uint8
	DiceResult uint8
	IsWinner   bool
}

func (DiceRolled) Name() string { return EventDiceRolled }

type PayoutSent struct {
	EventMeta
	Amount   *big.Int
	IsWinner bool
}

func (PayoutSent) Name() string { return EventPayoutSent }

// BetRecord mirrors the contract's Bet struct as returned by getBet.
type BetRecord struct {
	Player     common.Address
	Choice     uint8
	Amount     *big.Int
	Timestamp  *big.Int
	IsResolved bool
	IsWinner   bool
	DiceResult uint8
}

// DiceContract is the typed view of the dice ledger over a Gateway.
type DiceContract struct {
	gw Gateway
}

func NewDiceContract(gw Gateway) *DiceContract {
	return &DiceContract{gw: gw}
}

// PendingBet returns the id of the player's unresolved bet, or zero if none.
func (d *DiceContract) PendingBet(ctx context.Context, player common.Address) (*big.Int, error) {
	return d.callUint(ctx, "getPendingBet", player)
}

func (d *DiceContract) Bet(ctx context.Context, betID *big.Int) (BetRecord, error) {
	out, err := d.gw.Call(ctx, "getBet", betID)
	if err != nil {
		return BetRecord{}, fmt.Errorf("failed to call getBet: %w", err)
	}
	if len(out) != 7 {
		return BetRecord{}, fmt.Errorf("getBet: expected 7 outputs, got %d", len(out))
	}

	var rec BetRecord
	var ok [7]bool
	rec.Player, ok[0] = out[0].(common.Address)
	rec.Choice, ok[1] = out[1].(uint8)
	rec.Amount, ok[2] = out[2].(*big.Int)
	rec.Timestamp, ok[3] = out[3].(*big.Int)
	rec.IsResolved, ok[4] = out[4].(bool)
	rec.IsWinner, ok[5] = out[5].(bool)
	rec.DiceResult, ok[6] = out[6].(uint8)
	for i, good := range ok {
		if !good {
			return BetRecord{}, fmt.Errorf("getBet: output %d has type %T", i, out[i])
		}
	}
	return rec, nil
}

func (d *DiceContract) MinBetAmount(ctx context.Context) (*big.Int, error) {
	return d.callUint(ctx, "getMinBetAmount")
}

func (d *DiceContract) MaxBetAmount(ctx context.Context) (*big.Int, error) {
	return d.callUint(ctx, "getMaxBetAmount")
}

func (d *DiceContract) ContractBalance(ctx context.Context) (*big.Int, error) {
	return d.callUint(ctx, "getContractBalance")
}

// PlaceBet sends placeBet(choice) carrying stake as value.
func (d *DiceContract) PlaceBet(ctx context.Context, choice uint8, stake *big.Int) (TxHandle, error) {
	return d.gw.Send(ctx, "placeBet", stake, choice)
}

// SubscribeEvents registers onEvent for all three dice events on a single
// stream, so a bet's BetPlaced reaches onEvent before its DiceRolled.
func (d *DiceContract) SubscribeEvents(ctx context.Context, onEvent func(Event), onErr func(error)) (Unsubscribe, error) {
	unsub, err := d.gw.Subscribe(ctx, []string{EventBetPlaced, EventDiceRolled, EventPayoutSent}, func(l Log) {
		ev, err := DecodeEvent(l)
		if err != nil {
			onErr(err)
			return
		}
		onEvent(ev)
	}, onErr)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to dice events: %w", err)
	}
	return unsub, nil
}

func (d *DiceContract) callUint(ctx context.Context, method string, args ...any) (*big.Int, error) {
	out, err := d.gw.Call(ctx, method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s: expected 1 output, got %d", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: output has type %T", method, out[0])
	}
	return v, nil
}

// DecodeEvent turns a gateway log into its typed dice event.
func DecodeEvent(l Log) (Event, error) {
	f := fieldReader{event: l.Event, fields: l.Fields}
	meta := EventMeta{
		BetID:       f.uint256("betId"),
		Player:      f.address("player"),
		TxHash:      l.TxHash,
		BlockNumber: l.BlockNumber,
	}

	var ev Event
	switch l.Event {
	case EventBetPlaced:
		ev = BetPlaced{EventMeta: meta, Choice: f.uint8("choice"), Amount: f.uint256("amount")}
	case EventDiceRolled:
		ev = DiceRolled{EventMeta: meta, Choice: f.uint8("choice"), DiceResult: f.uint8("diceResult"), IsWinner: f.bool("isWinner")}
	case EventPayoutSent:
		ev = PayoutSent{EventMeta: meta, Amount: f.uint256("amount"), IsWinner: f.bool("isWinner")}
	default:
		return nil, &DecodeError{Event: l.Event, Err: fmt.Errorf("unknown event")}
	}
	if f.err != nil {
		return nil, &DecodeError{Event: l.Event, Err: f.err}
	}
	return ev, nil
}

// fieldReader extracts typed values and keeps the first mismatch.
type fieldReader struct {
	event  string
	fields map[string]any
	err    error
}

func (r *fieldReader) get(name string) (any, bool) {
	v, ok := r.fields[name]
	if !ok && r.err == nil {
		r.err = fmt.Errorf("missing field %s", name)
	}
	return v, ok
}

func (r *fieldReader) mismatch(name string, v any) {
	if r.err == nil {
		r.err = fmt.Errorf("field %s has type %T", name, v)
	}
}

func (r *fieldReader) uint256(name string) *big.Int {
	v, ok := r.get(name)
	if !ok {
		return nil
	}
	n, ok := v.(*big.Int)
	if !ok {
		r.mismatch(name, v)
	}
	return n
}

func (r *fieldReader) uint8(name string) uint8 {
	v, ok := r.get(name)
	if !ok {
		return 0
	}
	n, ok := v.(uint8)
	if !ok {
		r.mismatch(name, v)
	}
	return n
}

func (r *fieldReader) bool(name string) bool {
	v, ok := r.get(name)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		r.mismatch(name, v)
	}
	return b
}

func (r *fieldReader) address(name string) common.Address {
	v, ok := r.get(name)
	if !ok {
		return common.Address{}
	}
	a, ok := v.(common.Address)
	if !ok {
		r.mismatch(name, v)
	}
	return a
}
