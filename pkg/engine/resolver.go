package engine

import (
	"github.com/updownlabs/updown/pkg/escrow"
)

// Resolve computes the financial outcome of one order against its closed
// round. It is a pure function: it mutates nothing and emits the escrow
// instructions the director must apply. Conservation holds on every path:
// principal in == payout + fee + refunds out.
//
// An already-settled order resolves to a zero-value result with no
// instructions, so re-settlement is a no-op by construction.
func Resolve(r *Round, o *Order, feeBps int64) (SettlementResult, []escrow.Instruction, error) {
	if o.Settled {
		return SettlementResult{}, nil, nil
	}
	return outcome(r, o, feeBps)
}

// outcome is Resolve without the settled guard. Backfill uses it to recompute
// historical results for orders that already settled.
func outcome(r *Round, o *Order, feeBps int64) (SettlementResult, []escrow.Instruction, error) {
	if !r.Settled {
		return SettlementResult{}, nil, ErrRoundNotSettled
	}

	startPrice := r.StartPrice[o.Product]
	endPrice := r.EndPrice[o.Product]
	if startPrice == 0 || endPrice == 0 {
		// A zero price means the round record was never properly initialized
		// for this product; settling against it would be settling against
		// garbage.
		return SettlementResult{}, nil, ErrPriceNotSet
	}

	// Invalid split: each side gets back exactly what it locked, no fee,
	// regardless of where the price went.
	if !o.ValidSplit() {
		return SettlementResult{
			Idx:         o.Idx,
			WinPosition: Invalid,
			FeeRate:     feeBps,
		}, refundInstructions(o), nil
	}

	strikePrice := startPrice * o.Strike / PctBase
	isOverWin := strikePrice < endPrice
	isUnderWin := strikePrice > endPrice

	// Self-order: one owner holds both sides. The losing side's principal is
	// what the fee applies to; the rest of the position returns intact.
	if o.IsSelf() {
		var pos WinPosition
		var losing int64
		switch {
		case isOverWin:
			pos = Over
			losing = o.UnderAmount()
		case isUnderWin:
			pos = Under
			losing = o.OverAmount()
		default:
			pos = Tie
		}

		fee := losing * feeBps / PctBase
		principal := SplitBase * o.Unit * PriceUnit
		return SettlementResult{
				Idx:         o.Idx,
				WinPosition: pos,
				WinAmount:   losing,
				FeeRate:     feeBps,
				Fee:         fee,
			}, []escrow.Instruction{
				{Kind: escrow.OpRelease, From: o.OverUser, Amount: principal, Fee: fee},
			}, nil
	}

	// Two distinct parties, tie: both refunded verbatim.
	if !isOverWin && !isUnderWin {
		return SettlementResult{
			Idx:         o.Idx,
			WinPosition: Tie,
			FeeRate:     feeBps,
		}, refundInstructions(o), nil
	}

	// Decisive outcome: winner's own principal releases intact; the loser's
	// principal transfers to the winner minus the protocol fee.
	var pos WinPosition
	var winner, loser = o.OverUser, o.UnderUser
	var winnerAmount, loserAmount = o.OverAmount(), o.UnderAmount()
	if isUnderWin {
		pos = Under
		winner, loser = o.UnderUser, o.OverUser
		winnerAmount, loserAmount = o.UnderAmount(), o.OverAmount()
	} else {
		pos = Over
	}

	fee := loserAmount * feeBps / PctBase
	return SettlementResult{
			Idx:         o.Idx,
			WinPosition: pos,
			WinAmount:   loserAmount,
			FeeRate:     feeBps,
			Fee:         fee,
		}, []escrow.Instruction{
			{Kind: escrow.OpRelease, From: winner, Amount: winnerAmount},
			{Kind: escrow.OpTransfer, From: loser, To: winner, Amount: loserAmount, Fee: fee},
		}, nil
}

// ResolveRelease forces an order's outcome to Invalid and refunds both sides
// verbatim. Used by the emergency path when a round's pricing can never be
// recovered; it bypasses the win/lose algorithm entirely.
func ResolveRelease(o *Order) (SettlementResult, []escrow.Instruction) {
	return SettlementResult{
		Idx:         o.Idx,
		WinPosition: Invalid,
	}, refundInstructions(o)
}

// refundInstructions returns each side's locked principal to its owner.
// When one owner holds both sides the two releases collapse into one.
func refundInstructions(o *Order) []escrow.Instruction {
	if o.IsSelf() {
		total := o.OverAmount() + o.UnderAmount()
		if total == 0 {
			return nil
		}
		return []escrow.Instruction{
			{Kind: escrow.OpRelease, From: o.OverUser, Amount: total},
		}
	}

	var instrs []escrow.Instruction
	if amt := o.OverAmount(); amt > 0 {
		instrs = append(instrs, escrow.Instruction{Kind: escrow.OpRelease, From: o.OverUser, Amount: amt})
	}
	if amt := o.UnderAmount(); amt > 0 {
		instrs = append(instrs, escrow.Instruction{Kind: escrow.OpRelease, From: o.UnderUser, Amount: amt})
	}
	return instrs
}
