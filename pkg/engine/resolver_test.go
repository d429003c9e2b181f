package engine

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/updownlabs/updown/pkg/escrow"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func settledRound(start, end int64) *Round {
	r := NewRound(7)
	r.StartTimestamp = 1000
	r.EndTimestamp = 1060
	r.StartPrice["BTC-USD"] = start
	r.EndPrice["BTC-USD"] = end
	r.Started = true
	r.Settled = true
	return r
}

func testOrder(overPrice, underPrice, unit int64) *Order {
	return &Order{
		Idx:        1,
		Epoch:      7,
		Product:    "BTC-USD",
		Strike:     10_000, // strike price == start price
		OverUser:   alice,
		UnderUser:  bob,
		OverPrice:  overPrice,
		UnderPrice: underPrice,
		Unit:       unit,
	}
}

// instrTotal sums principal flowing out of escrow; fee stays inside the
// instruction's amount, so the sum must equal the order's locked total on
// every outcome.
func instrTotal(instrs []escrow.Instruction) int64 {
	var total int64
	for _, in := range instrs {
		total += in.Amount
	}
	return total
}

func TestResolve_OverWins(t *testing.T) {
	// 40/60 split, unit 2, price moves 100 -> 110, commission 100 bps.
	r := settledRound(100_000_000, 110_000_000)
	o := testOrder(40, 60, 2)

	res, instrs, err := Resolve(r, o, 100)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.WinPosition != Over {
		t.Fatalf("WinPosition = %v, want Over", res.WinPosition)
	}
	if res.WinAmount != 120_000_000 {
		t.Errorf("WinAmount = %d, want 120000000", res.WinAmount)
	}
	if res.Fee != 1_200_000 {
		t.Errorf("Fee = %d, want 1200000", res.Fee)
	}
	if res.FeeRate != 100 {
		t.Errorf("FeeRate = %d, want 100", res.FeeRate)
	}

	if len(instrs) != 2 {
		t.Fatalf("got %d instructions, want 2", len(instrs))
	}
	release, transfer := instrs[0], instrs[1]
	if release.Kind != escrow.OpRelease || release.From != alice || release.Amount != 80_000_000 || release.Fee != 0 {
		t.Errorf("bad winner release: %+v", release)
	}
	if transfer.Kind != escrow.OpTransfer || transfer.From != bob || transfer.To != alice ||
		transfer.Amount != 120_000_000 || transfer.Fee != 1_200_000 {
		t.Errorf("bad loser transfer: %+v", transfer)
	}

	if got, want := instrTotal(instrs), o.OverAmount()+o.UnderAmount(); got != want {
		t.Errorf("instruction total %d != locked total %d", got, want)
	}
}

func TestResolve_UnderWins(t *testing.T) {
	// Strike 110% of start: 100 -> strike 110, end 105 sits below it.
	r := settledRound(100_000_000, 105_000_000)
	o := testOrder(50, 50, 1)
	o.Strike = 11_000

	res, instrs, err := Resolve(r, o, 100)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.WinPosition != Under {
		t.Fatalf("WinPosition = %v, want Under", res.WinPosition)
	}
	if res.WinAmount != o.OverAmount() {
		t.Errorf("WinAmount = %d, want over side %d", res.WinAmount, o.OverAmount())
	}
	if instrs[0].From != bob || instrs[1].From != alice || instrs[1].To != bob {
		t.Errorf("funds flowing the wrong way: %+v", instrs)
	}
}

func TestResolve_Tie(t *testing.T) {
	// End lands exactly on the strike: both sides refunded verbatim, no fee.
	r := settledRound(100_000_000, 100_000_000)
	o := testOrder(30, 70, 5)

	res, instrs, err := Resolve(r, o, 100)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.WinPosition != Tie {
		t.Fatalf("WinPosition = %v, want Tie", res.WinPosition)
	}
	if res.WinAmount != 0 || res.Fee != 0 {
		t.Errorf("tie must move nothing: win=%d fee=%d", res.WinAmount, res.Fee)
	}

	if len(instrs) != 2 {
		t.Fatalf("got %d instructions, want 2", len(instrs))
	}
	for _, in := range instrs {
		if in.Kind != escrow.OpRelease || in.Fee != 0 {
			t.Errorf("tie refund must be a fee-less release: %+v", in)
		}
	}
	if got, want := instrTotal(instrs), o.OverAmount()+o.UnderAmount(); got != want {
		t.Errorf("refund total %d != locked total %d", got, want)
	}
}

func TestResolve_InvalidSplit(t *testing.T) {
	// 50+51 != 100: refund both sides exactly what they locked, ignore price.
	r := settledRound(100_000_000, 200_000_000)
	o := testOrder(50, 51, 1)

	res, instrs, err := Resolve(r, o, 100)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.WinPosition != Invalid {
		t.Fatalf("WinPosition = %v, want Invalid", res.WinPosition)
	}
	if res.Fee != 0 || res.WinAmount != 0 {
		t.Errorf("invalid split must not charge: win=%d fee=%d", res.WinAmount, res.Fee)
	}
	if got, want := instrTotal(instrs), o.OverAmount()+o.UnderAmount(); got != want {
		t.Errorf("refund total %d != locked total %d", got, want)
	}
}

func TestResolve_SelfOrder(t *testing.T) {
	tests := []struct {
		name     string
		end      int64
		wantPos  WinPosition
		wantFee  int64
		wantWin  int64
		wantPaid int64 // amount in the single release
	}{
		{
			// Over side wins: fee charged on the losing under principal.
			name:    "decisive",
			end:     110_000_000,
			wantPos: Over,
			wantWin: 60_000_000,
			wantFee: 600_000,
			// Full 100-split principal comes back in one release.
			wantPaid: 100_000_000,
		},
		{
			// Tie: whole position back, nothing to charge.
			name:     "tie",
			end:      100_000_000,
			wantPos:  Tie,
			wantWin:  0,
			wantFee:  0,
			wantPaid: 100_000_000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := settledRound(100_000_000, tt.end)
			o := testOrder(40, 60, 1)
			o.UnderUser = alice // same owner on both sides

			res, instrs, err := Resolve(r, o, 100)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if res.WinPosition != tt.wantPos {
				t.Errorf("WinPosition = %v, want %v", res.WinPosition, tt.wantPos)
			}
			if res.WinAmount != tt.wantWin {
				t.Errorf("WinAmount = %d, want %d", res.WinAmount, tt.wantWin)
			}
			if res.Fee != tt.wantFee {
				t.Errorf("Fee = %d, want %d", res.Fee, tt.wantFee)
			}

			if len(instrs) != 1 {
				t.Fatalf("self order must collapse to one release, got %d", len(instrs))
			}
			in := instrs[0]
			if in.Kind != escrow.OpRelease || in.From != alice {
				t.Errorf("bad release: %+v", in)
			}
			if in.Amount != tt.wantPaid || in.Fee != tt.wantFee {
				t.Errorf("release amount=%d fee=%d, want amount=%d fee=%d", in.Amount, in.Fee, tt.wantPaid, tt.wantFee)
			}
		})
	}
}

func TestResolve_AlreadySettled(t *testing.T) {
	r := settledRound(100_000_000, 110_000_000)
	o := testOrder(40, 60, 2)
	o.Settled = true

	res, instrs, err := Resolve(r, o, 100)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res != (SettlementResult{}) || instrs != nil {
		t.Errorf("settled order must be a no-op: res=%+v instrs=%v", res, instrs)
	}
}

func TestResolve_Errors(t *testing.T) {
	t.Run("round not settled", func(t *testing.T) {
		r := settledRound(100_000_000, 110_000_000)
		r.Settled = false
		_, _, err := Resolve(r, testOrder(40, 60, 1), 100)
		if !errors.Is(err, ErrRoundNotSettled) {
			t.Errorf("error = %v, want ErrRoundNotSettled", err)
		}
	})

	t.Run("missing product price", func(t *testing.T) {
		r := settledRound(100_000_000, 110_000_000)
		o := testOrder(40, 60, 1)
		o.Product = "ETH-USD" // round has no prices for it
		_, _, err := Resolve(r, o, 100)
		if !errors.Is(err, ErrPriceNotSet) {
			t.Errorf("error = %v, want ErrPriceNotSet", err)
		}
	})

	t.Run("zero end price", func(t *testing.T) {
		r := settledRound(100_000_000, 0)
		_, _, err := Resolve(r, testOrder(40, 60, 1), 100)
		if !errors.Is(err, ErrPriceNotSet) {
			t.Errorf("error = %v, want ErrPriceNotSet", err)
		}
	})
}

func TestResolve_FeeScaling(t *testing.T) {
	// Fee is charged on the losing principal only, in bps.
	r := settledRound(100_000_000, 110_000_000)
	o := testOrder(40, 60, 1) // loser principal 60_000_000

	tests := []struct {
		bps     int64
		wantFee int64
	}{
		{bps: 0, wantFee: 0},
		{bps: 3, wantFee: 18_000},
		{bps: 100, wantFee: 600_000},
		{bps: MaxCommissionBps, wantFee: 3_000_000},
	}

	for _, tt := range tests {
		res, _, err := Resolve(r, o, tt.bps)
		if err != nil {
			t.Fatalf("Resolve(bps=%d): %v", tt.bps, err)
		}
		if res.Fee != tt.wantFee {
			t.Errorf("bps=%d: Fee = %d, want %d", tt.bps, res.Fee, tt.wantFee)
		}
		if res.FeeRate != tt.bps {
			t.Errorf("bps=%d: FeeRate = %d", tt.bps, res.FeeRate)
		}
	}
}

func TestResolveRelease(t *testing.T) {
	t.Run("distinct parties", func(t *testing.T) {
		o := testOrder(40, 60, 2)
		res, instrs := ResolveRelease(o)
		if res.WinPosition != Invalid {
			t.Errorf("WinPosition = %v, want Invalid", res.WinPosition)
		}
		if res.Fee != 0 {
			t.Errorf("Fee = %d, want 0", res.Fee)
		}
		if len(instrs) != 2 {
			t.Fatalf("got %d instructions, want 2", len(instrs))
		}
		if got, want := instrTotal(instrs), o.OverAmount()+o.UnderAmount(); got != want {
			t.Errorf("refund total %d != locked total %d", got, want)
		}
	})

	t.Run("self order collapses", func(t *testing.T) {
		o := testOrder(40, 60, 2)
		o.UnderUser = alice
		_, instrs := ResolveRelease(o)
		if len(instrs) != 1 {
			t.Fatalf("got %d instructions, want 1", len(instrs))
		}
		if instrs[0].Amount != o.OverAmount()+o.UnderAmount() {
			t.Errorf("release amount = %d, want %d", instrs[0].Amount, o.OverAmount()+o.UnderAmount())
		}
	})

	t.Run("zero side omitted", func(t *testing.T) {
		o := testOrder(0, 100, 1)
		_, instrs := ResolveRelease(o)
		if len(instrs) != 1 {
			t.Fatalf("got %d instructions, want 1 (zero over side has nothing to refund)", len(instrs))
		}
		if instrs[0].From != bob {
			t.Errorf("refund went to %s, want under user", instrs[0].From.Hex())
		}
	})
}
