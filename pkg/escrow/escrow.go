// Package escrow defines the contract between the settlement engine and the
// external clearing house. The engine never holds balances: it locks both
// sides of an order at submission and, at settlement, sequences release and
// transfer-with-fee calls. Atomicity of each individual call is the ledger's
// responsibility; the engine only decides which calls to make.
package escrow

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger is the external clearing house. Positions are keyed by
// (epoch, order idx, side); an owner can hold both sides of the same order.
type Ledger interface {
	// Lock escrows amount from owner against (epoch, idx, side).
	Lock(owner common.Address, amount int64, epoch, idx int64, isOver bool) error

	// Release returns amount of the owner's escrow on (epoch, idx) to the
	// owner, minus fee, which the ledger retains for the protocol. A release
	// may span both sides when the owner holds both (self-orders).
	Release(owner common.Address, amount int64, epoch, idx int64, fee int64) error

	// TransferWithFee moves the from-side's escrowed amount on (epoch, idx)
	// to the to-party's balance, minus fee retained for the protocol.
	TransferWithFee(from, to common.Address, amount int64, epoch, idx int64, fee int64) error

	// Balance is a read-only query used by monitoring and backfill paths.
	Balance(owner common.Address) int64
}

// OpKind selects the ledger call an Instruction maps to.
type OpKind int8

const (
	OpRelease OpKind = iota
	OpTransfer
)

func (k OpKind) String() string {
	switch k {
	case OpRelease:
		return "release"
	case OpTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Instruction is one escrow movement produced by the settlement resolver.
// For OpRelease, From is the owner receiving their escrow back; To is unused.
type Instruction struct {
	Kind   OpKind
	From   common.Address
	To     common.Address
	Amount int64
	Fee    int64
}

// Director translates resolver outcomes into ledger calls. It holds no state
// of its own.
type Director struct {
	ledger Ledger
}

func NewDirector(l Ledger) *Director {
	return &Director{ledger: l}
}

// LockPair escrows both sides of a new order. If the under-side lock fails
// after the over side succeeded, the over lock is released again so no
// partial escrow survives a failed submission.
func (d *Director) LockPair(over, under common.Address, overAmount, underAmount, epoch, idx int64) error {
	if err := d.ledger.Lock(over, overAmount, epoch, idx, true); err != nil {
		return fmt.Errorf("lock over side: %w", err)
	}
	if err := d.ledger.Lock(under, underAmount, epoch, idx, false); err != nil {
		if overAmount > 0 {
			if rbErr := d.ledger.Release(over, overAmount, epoch, idx, 0); rbErr != nil {
				return fmt.Errorf("lock under side: %v (rollback of over side also failed: %w)", err, rbErr)
			}
		}
		return fmt.Errorf("lock under side: %w", err)
	}
	return nil
}

// Apply executes settlement instructions in order. The first failure aborts
// the order's settlement step: the caller must leave the order unsettled and
// record nothing.
func (d *Director) Apply(epoch, idx int64, instrs []Instruction) error {
	for _, in := range instrs {
		var err error
		switch in.Kind {
		case OpRelease:
			err = d.ledger.Release(in.From, in.Amount, epoch, idx, in.Fee)
		case OpTransfer:
			err = d.ledger.TransferWithFee(in.From, in.To, in.Amount, epoch, idx, in.Fee)
		default:
			err = fmt.Errorf("unknown instruction kind %d", in.Kind)
		}
		if err != nil {
			return fmt.Errorf("escrow %s for order %d: %w", in.Kind, idx, err)
		}
	}
	return nil
}

// Balance passes through the ledger's read-only balance query.
func (d *Director) Balance(owner common.Address) int64 {
	return d.ledger.Balance(owner)
}
