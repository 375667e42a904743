package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	EventBetPlaced  = "BetPlaced"
	EventDiceRolled = "DiceRolled"
	EventPayoutSent = "PayoutSent"
)

// DiceABI is the subset of the DiceBet contract interface the client uses.
const DiceABI = `[
  {"type":"function","name":"placeBet","stateMutability":"payable",
   "inputs":[{"name":"choice","type":"uint8"}],"outputs":[]},
  {"type":"function","name":"getPendingBet","stateMutability":"view",
   "inputs":[{"name":"player","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getBet","stateMutability":"view",
   "inputs":[{"name":"betId","type":"uint256"}],
   "outputs":[
     {"name":"player","type":"address"},
     {"name":"choice","type":"uint8"},
     {"name":"amount","type":"uint256"},
     {"name":"timestamp","type":"uint256"},
     {"name":"isResolved","type":"bool"},
     {"name":"isWinner","type":"bool"},
     {"name":"diceResult","type":"uint8"}]},
  {"type":"function","name":"getMinBetAmount","stateMutability":"pure",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getMaxBetAmount","stateMutability":"pure",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getContractBalance","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"BetPlaced","anonymous":false,"inputs":[
     {"name":"betId","type":"uint256","indexed":true},
     {"name":"player","type":"address","indexed":true},
     {"name":"choice","type":"uint8","indexed":false},
     {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"DiceRolled","anonymous":false,"inputs":[
     {"name":"betId","type":"uint256","indexed":true},
     {"name":"player","type":"address","indexed":true},
     {"name":"choice","type":"uint8","indexed":false},
     {"name":"diceResult","type":"uint8","indexed":false},
     {"name":"isWinner","type":"bool","indexed":false}]},
  {"type":"event","name":"PayoutSent","anonymous":false,"inputs":[
     {"name":"betId","type":"uint256","indexed":true},
     {"name":"player","type":"address","indexed":true},
     {"name":"amount","type":"uint256","indexed":false},
     {"name":"isWinner","type":"bool","indexed":false}]}
]`

func ParseDiceABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(DiceABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse dice abi: %w", err)
	}
	return parsed, nil
}

// DecodeError is reported when a ledger log cannot be decoded into its event.
type DecodeError struct {
	Event string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s log: %v", e.Event, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// decodeLog unpacks both the data section and the indexed topics of lg.
func decodeLog(ev abi.Event, lg types.Log) (Log, error) {
	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if len(lg.Topics) != len(indexed)+1 || lg.Topics[0] != ev.ID {
		return Log{}, &DecodeError{Event: ev.Name, Err: fmt.Errorf("unexpected topics (%d)", len(lg.Topics))}
	}

	fields := make(map[string]any, len(ev.Inputs))
	if err := ev.Inputs.UnpackIntoMap(fields, lg.Data); err != nil {
		return Log{}, &DecodeError{Event: ev.Name, Err: err}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return Log{}, &DecodeError{Event: ev.Name, Err: err}
	}

	return Log{
		Event:       ev.Name,
		Fields:      fields,
		TxHash:      lg.TxHash,
		BlockNumber: lg.BlockNumber,
		Removed:     lg.Removed,
	}, nil
}
