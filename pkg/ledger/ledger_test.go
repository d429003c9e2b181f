package ledger

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func fundedHouse(t *testing.T) *ClearingHouse {
	t.Helper()
	c := New()
	if err := c.Deposit(alice, 1000); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := c.Deposit(bob, 1000); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	return c
}

func TestClearingHouse_DepositWithdraw(t *testing.T) {
	c := New()

	if err := c.Deposit(alice, 500); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if err := c.Deposit(alice, 0); err == nil {
		t.Error("zero deposit accepted")
	}
	if err := c.Deposit(alice, -5); err == nil {
		t.Error("negative deposit accepted")
	}

	if err := c.Withdraw(alice, 200); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if got := c.Balance(alice); got != 300 {
		t.Errorf("balance = %d, want 300", got)
	}
	if err := c.Withdraw(alice, 301); err == nil {
		t.Error("overdraw accepted")
	}
	if err := c.Withdraw(bob, 1); err == nil {
		t.Error("withdraw from empty account accepted")
	}
}

func TestClearingHouse_Lock(t *testing.T) {
	c := fundedHouse(t)

	if err := c.Lock(alice, 400, 0, 1, true); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if got := c.Balance(alice); got != 600 {
		t.Errorf("balance = %d, want 600", got)
	}
	if got := c.Escrowed(0, 1); got != 400 {
		t.Errorf("escrowed = %d, want 400", got)
	}

	// Same (epoch, idx, side) cannot be locked twice.
	if err := c.Lock(bob, 100, 0, 1, true); err == nil {
		t.Error("duplicate position accepted")
	}
	// The other side of the same order is a distinct position.
	if err := c.Lock(bob, 100, 0, 1, false); err != nil {
		t.Errorf("under side lock: %v", err)
	}

	if err := c.Lock(alice, 601, 0, 2, true); err == nil {
		t.Error("lock past free balance accepted")
	}
	if err := c.Lock(alice, -1, 0, 2, true); err == nil {
		t.Error("negative lock accepted")
	}

	// Zero-amount side is a real no-op, not a position.
	if err := c.Lock(alice, 0, 0, 3, true); err != nil {
		t.Errorf("zero lock: %v", err)
	}
	if got := c.Escrowed(0, 3); got != 0 {
		t.Errorf("zero lock escrowed %d", got)
	}
}

func TestClearingHouse_ReleaseAndTransfer(t *testing.T) {
	c := fundedHouse(t)
	totalBefore := c.TotalValue()

	if err := c.Lock(alice, 400, 0, 1, true); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := c.Lock(bob, 600, 0, 1, false); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	// Winner's own principal back intact.
	if err := c.Release(alice, 400, 0, 1, 0); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Loser's principal to the winner minus fee.
	if err := c.TransferWithFee(bob, alice, 600, 0, 1, 6); err != nil {
		t.Fatalf("TransferWithFee: %v", err)
	}

	if got := c.Balance(alice); got != 1594 {
		t.Errorf("alice = %d, want 1594", got)
	}
	if got := c.Balance(bob); got != 400 {
		t.Errorf("bob = %d, want 400", got)
	}
	if got := c.FeePot(); got != 6 {
		t.Errorf("fee pot = %d, want 6", got)
	}
	if got := c.Escrowed(0, 1); got != 0 {
		t.Errorf("escrow left over: %d", got)
	}
	if got := c.TotalValue(); got != totalBefore {
		t.Errorf("total value %d != %d", got, totalBefore)
	}
}

func TestClearingHouse_ReleaseValidation(t *testing.T) {
	c := fundedHouse(t)
	if err := c.Lock(alice, 400, 0, 1, true); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	// More than escrowed.
	if err := c.Release(alice, 401, 0, 1, 0); err == nil {
		t.Error("over-release accepted")
	}
	// Someone else's escrow.
	if err := c.Release(bob, 400, 0, 1, 0); err == nil {
		t.Error("release of another owner's escrow accepted")
	}
	// Fee larger than the amount.
	if err := c.Release(alice, 400, 0, 1, 401); err == nil {
		t.Error("fee > amount accepted")
	}
	// Failed calls must not have consumed anything.
	if got := c.Escrowed(0, 1); got != 400 {
		t.Errorf("escrowed = %d after failed releases, want 400", got)
	}

	// Zero amount is a no-op.
	if err := c.Release(alice, 0, 0, 1, 0); err != nil {
		t.Errorf("zero release: %v", err)
	}
}

func TestClearingHouse_SelfOrderReleaseSpansSides(t *testing.T) {
	c := fundedHouse(t)

	// One owner on both sides: the settlement path releases the whole
	// position in a single call that drains both positions.
	if err := c.Lock(alice, 400, 0, 1, true); err != nil {
		t.Fatalf("Lock over: %v", err)
	}
	if err := c.Lock(alice, 600, 0, 1, false); err != nil {
		t.Fatalf("Lock under: %v", err)
	}

	if err := c.Release(alice, 1000, 0, 1, 6); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := c.Balance(alice); got != 994 {
		t.Errorf("alice = %d, want 994", got)
	}
	if got := c.Escrowed(0, 1); got != 0 {
		t.Errorf("escrow left over: %d", got)
	}
	if got := c.FeePot(); got != 6 {
		t.Errorf("fee pot = %d", got)
	}
}

func TestClearingHouse_PartialConsumeKeepsRemainder(t *testing.T) {
	c := fundedHouse(t)

	if err := c.Lock(alice, 400, 0, 1, true); err != nil {
		t.Fatalf("Lock over: %v", err)
	}
	if err := c.Lock(alice, 600, 0, 1, false); err != nil {
		t.Fatalf("Lock under: %v", err)
	}

	// Consuming 500 drains the over side and part of the under side.
	if err := c.Release(alice, 500, 0, 1, 0); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := c.Escrowed(0, 1); got != 500 {
		t.Errorf("remaining escrow = %d, want 500", got)
	}
}
