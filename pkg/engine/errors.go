package engine

import "errors"

// Call failures fall into four classes: authorization (caller is not the
// operator), temporal (bad init date / epoch not reached), state (round or
// order in the wrong phase), and external (oracle or ledger call failed,
// wrapped with %w). Settling an already-settled order is deliberately NOT an
// error: it is a silent zero-fee no-op so re-settlement stays idempotent.
var (
	ErrNotOperator      = errors.New("engine: caller is not the operator")
	ErrInvalidInitDate  = errors.New("engine: init date not on an interval boundary")
	ErrEpochNotStarted  = errors.New("engine: timestamp before genesis")
	ErrEpochNotReached  = errors.New("engine: epoch not yet reached")
	ErrOverrideLive     = errors.New("engine: cannot override the live or a future round")
	ErrRoundNotStarted  = errors.New("engine: round not started")
	ErrRoundNotSettled  = errors.New("engine: round price not finalized")
	ErrPriceNotSet      = errors.New("engine: round price is zero")
	ErrNonMonotonicIdx  = errors.New("engine: order idx not greater than last recorded idx")
	ErrUnknownProduct   = errors.New("engine: unknown product")
	ErrCommissionTooBig = errors.New("engine: commission exceeds maximum")
)
