// Package chain is the client-side façade over the dice ledger contract.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrSignerUnavailable: a state-changing call was attempted without a signing identity.
	ErrSignerUnavailable = errors.New("no signing identity connected")
	// ErrUserRejected is returned by an Identity whose holder declined to sign.
	ErrUserRejected = errors.New("user rejected the request")
	// ErrNotFound: the receipt is not available yet.
	ErrNotFound = errors.New("not found")
)

// Identity signs transactions on behalf of the player.
type Identity interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

type TxHandle struct {
	Hash common.Hash
}

// Log is one decoded contract event.
type Log struct {
	Event       string
	Fields      map[string]any
	TxHash      common.Hash
	BlockNumber uint64
	Removed     bool // reorged out
}

// Unsubscribe releases one registration. Calling it more than once is a no-op.
type Unsubscribe func()

// Gateway is the generic contract surface the core consumes.
type Gateway interface {
	Call(ctx context.Context, method string, args ...any) ([]any, error)
	Send(ctx context.Context, method string, value *big.Int, args ...any) (TxHandle, error)
	// Subscribe delivers every log of the named events to handler, one at a
	// time and in chain order, until the returned Unsubscribe is called.
	// Decode and transport failures go to onErr.
	Subscribe(ctx context.Context, events []string, handler func(Log), onErr func(error)) (Unsubscribe, error)
}

// TxRequest is a raw transaction built outside the dice contract (swaps).
type TxRequest struct {
	To    common.Address
	Data  []byte
	Value *big.Int
	Gas   uint64 // 0 = estimate
}

type Transactor interface {
	SendTransaction(ctx context.Context, req TxRequest) (TxHandle, error)
}

type Receipt struct {
	TxHash      common.Hash
	Status      uint64
	BlockNumber uint64
	GasUsed     uint64
}

func (r *Receipt) Succeeded() bool { return r.Status == types.ReceiptStatusSuccessful }

type ReceiptReader interface {
	// Receipt returns ErrNotFound while the transaction is pending.
	Receipt(ctx context.Context, hash common.Hash) (*Receipt, error)
}

type BalanceReader interface {
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
}
