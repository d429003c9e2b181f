// Package ledger is an in-process clearing house implementing the engine's
// escrow contract. It exists so the engine runs end-to-end and conservation
// is directly testable; production deployments substitute their own
// escrow.Ledger over the real fund-moving system.
package ledger

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// positionKey identifies one escrowed side of one order.
type positionKey struct {
	Epoch int64
	Idx   int64
	Over  bool
}

type position struct {
	Owner  common.Address
	Amount int64
}

// ClearingHouse tracks free balances, per-order escrow positions, and the
// protocol fee pot. Every call is atomic behind one mutex; a failed call
// changes nothing.
type ClearingHouse struct {
	mu       sync.RWMutex
	balances map[common.Address]int64
	escrowed map[positionKey]*position
	feePot   int64
}

func New() *ClearingHouse {
	return &ClearingHouse{
		balances: make(map[common.Address]int64),
		escrowed: make(map[positionKey]*position),
	}
}

// Deposit credits an owner's free balance.
func (c *ClearingHouse) Deposit(owner common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive: %d", amount)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[owner] += amount
	return nil
}

// Withdraw debits an owner's free balance. Escrowed funds cannot be
// withdrawn.
func (c *ClearingHouse) Withdraw(owner common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("withdraw amount must be positive: %d", amount)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.balances[owner] < amount {
		return fmt.Errorf("insufficient balance: have %d, need %d", c.balances[owner], amount)
	}
	c.balances[owner] -= amount
	return nil
}

// Lock escrows amount from owner's free balance against (epoch, idx, side).
// A zero amount is a no-op (a 0/100 split still has a real zero-cost side).
func (c *ClearingHouse) Lock(owner common.Address, amount int64, epoch, idx int64, isOver bool) error {
	if amount < 0 {
		return fmt.Errorf("lock amount cannot be negative: %d", amount)
	}
	if amount == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.balances[owner] < amount {
		return fmt.Errorf("insufficient balance to lock: have %d, need %d", c.balances[owner], amount)
	}

	key := positionKey{Epoch: epoch, Idx: idx, Over: isOver}
	if pos, exists := c.escrowed[key]; exists {
		return fmt.Errorf("escrow position already exists: epoch=%d idx=%d over=%v owner=%s", epoch, idx, isOver, pos.Owner.Hex())
	}

	c.balances[owner] -= amount
	c.escrowed[key] = &position{Owner: owner, Amount: amount}
	return nil
}

// Release returns amount of owner's escrow on (epoch, idx) to their free
// balance, minus fee, which moves to the protocol pot. The release may span
// both sides of the order when the owner holds both.
func (c *ClearingHouse) Release(owner common.Address, amount int64, epoch, idx int64, fee int64) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 || fee < 0 || fee > amount {
		return fmt.Errorf("bad release: amount=%d fee=%d", amount, fee)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.consumeLocked(owner, amount, epoch, idx); err != nil {
		return err
	}
	c.balances[owner] += amount - fee
	c.feePot += fee
	return nil
}

// TransferWithFee moves the from-side's escrow on (epoch, idx) to the
// to-party's free balance, minus fee retained for the protocol.
func (c *ClearingHouse) TransferWithFee(from, to common.Address, amount int64, epoch, idx int64, fee int64) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 || fee < 0 || fee > amount {
		return fmt.Errorf("bad transfer: amount=%d fee=%d", amount, fee)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.consumeLocked(from, amount, epoch, idx); err != nil {
		return err
	}
	c.balances[to] += amount - fee
	c.feePot += fee
	return nil
}

// consumeLocked removes amount from the owner's escrow positions on
// (epoch, idx), over side first. Fails without mutating if the owner's
// escrow on the order is short.
func (c *ClearingHouse) consumeLocked(owner common.Address, amount int64, epoch, idx int64) error {
	overKey := positionKey{Epoch: epoch, Idx: idx, Over: true}
	underKey := positionKey{Epoch: epoch, Idx: idx, Over: false}

	available := int64(0)
	for _, key := range []positionKey{overKey, underKey} {
		if pos, ok := c.escrowed[key]; ok && pos.Owner == owner {
			available += pos.Amount
		}
	}
	if available < amount {
		return fmt.Errorf("escrow short: epoch=%d idx=%d owner=%s have=%d need=%d", epoch, idx, owner.Hex(), available, amount)
	}

	remaining := amount
	for _, key := range []positionKey{overKey, underKey} {
		if remaining == 0 {
			break
		}
		pos, ok := c.escrowed[key]
		if !ok || pos.Owner != owner {
			continue
		}
		take := pos.Amount
		if take > remaining {
			take = remaining
		}
		pos.Amount -= take
		remaining -= take
		if pos.Amount == 0 {
			delete(c.escrowed, key)
		}
	}
	return nil
}

// Balance returns an owner's free balance.
func (c *ClearingHouse) Balance(owner common.Address) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balances[owner]
}

// Escrowed returns the total amount still locked against one order.
func (c *ClearingHouse) Escrowed(epoch, idx int64) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := int64(0)
	for _, over := range []bool{true, false} {
		if pos, ok := c.escrowed[positionKey{Epoch: epoch, Idx: idx, Over: over}]; ok {
			total += pos.Amount
		}
	}
	return total
}

// FeePot returns the cumulative protocol fees retained.
func (c *ClearingHouse) FeePot() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.feePot
}

// TotalValue sums free balances, escrowed funds, and the fee pot. Settlement
// never changes it; deposits and withdrawals are the only way value enters
// or leaves.
func (c *ClearingHouse) TotalValue() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.feePot
	for _, b := range c.balances {
		total += b
	}
	for _, pos := range c.escrowed {
		total += pos.Amount
	}
	return total
}
