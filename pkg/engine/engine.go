package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/updownlabs/updown/pkg/escrow"
	"github.com/updownlabs/updown/pkg/oracle"
	"github.com/updownlabs/updown/pkg/util"
)

// MaxUnit bounds position size so price × unit × PriceUnit stays far from
// int64 overflow (100 × 1e9 × 1e6 = 1e17).
const MaxUnit = 1_000_000_000

// Params configures an Engine at construction. Interval and genesis never
// change post-deployment.
type Params struct {
	GenesisTime     int64
	IntervalSeconds int64
	CommissionBps   int64
	Operator        common.Address
	// Products maps product symbol -> oracle price id.
	Products map[string]string
}

// Engine is the round lifecycle controller and order settlement driver.
// All mutations run inside one critical section: a settlement step either
// fully completes or fully fails, and duplicate operator calls are safe
// because open/close/settle are idempotent against current state.
type Engine struct {
	mu sync.Mutex

	log      *zap.SugaredLogger
	clock    util.Clock
	epochs   EpochClock
	rounds   *RoundStore
	orders   *OrderStore
	director *escrow.Director
	verifier oracle.Verifier

	operator      common.Address
	commissionBps int64
	products      map[string]string

	// Optional hooks, fired after the corresponding state change persists.
	// They run inside the engine's critical section and must not call back in.
	OnRoundOpened  func(epoch int64)
	OnRoundClosed  func(epoch int64)
	OnOrderSettled func(o *Order, res SettlementResult)
}

func New(p Params, rounds *RoundStore, orders *OrderStore, director *escrow.Director, verifier oracle.Verifier, clock util.Clock, log *zap.SugaredLogger) (*Engine, error) {
	epochs, err := NewEpochClock(p.GenesisTime, p.IntervalSeconds)
	if err != nil {
		return nil, fmt.Errorf("epoch clock: %w", err)
	}
	if p.CommissionBps < 0 || p.CommissionBps > MaxCommissionBps {
		return nil, fmt.Errorf("%w: %d bps", ErrCommissionTooBig, p.CommissionBps)
	}
	if len(p.Products) == 0 {
		return nil, fmt.Errorf("at least one product is required")
	}

	products := make(map[string]string, len(p.Products))
	for sym, id := range p.Products {
		products[sym] = id
	}

	return &Engine{
		log:           log,
		clock:         clock,
		epochs:        epochs,
		rounds:        rounds,
		orders:        orders,
		director:      director,
		verifier:      verifier,
		operator:      p.Operator,
		commissionBps: p.CommissionBps,
		products:      products,
	}, nil
}

func (e *Engine) requireOperator(caller common.Address) error {
	if caller != e.operator {
		return fmt.Errorf("%w: %s", ErrNotOperator, caller.Hex())
	}
	return nil
}

// Clock exposes the epoch clock for read-only consumers (the vault layer
// only ever needs CurrentEpoch, but keepers align their timers on it too).
func (e *Engine) Clock() EpochClock {
	return e.epochs
}

// CurrentEpoch returns the epoch containing now.
func (e *Engine) CurrentEpoch() (int64, error) {
	return e.epochs.EpochAt(e.clock.Now().Unix())
}

// priceIDs returns the oracle ids for every configured product, product
// symbols sorted for deterministic request ordering.
func (e *Engine) priceIDs() ([]string, []string) {
	syms := make([]string, 0, len(e.products))
	for sym := range e.products {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	ids := make([]string, len(syms))
	for i, sym := range syms {
		ids[i] = e.products[sym]
	}
	return syms, ids
}

// OpenAndCloseRound opens the round whose epoch is current and closes the
// previous round by recording its end price. initDate must sit exactly on an
// interval boundary. Re-invocation against an already-started round is a
// silent no-op for the open half; same for an already-settled previous round.
func (e *Engine) OpenAndCloseRound(caller common.Address, updates [][]byte, initDate int64, skipSettlement bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOperator(caller); err != nil {
		return err
	}
	if !e.epochs.IsBoundary(initDate) {
		return fmt.Errorf("%w: %d", ErrInvalidInitDate, initDate)
	}

	startEpoch, err := e.epochs.EpochAt(initDate)
	if err != nil {
		return err
	}
	currentEpoch, err := e.epochs.EpochAt(e.clock.Now().Unix())
	if err != nil {
		return err
	}
	if startEpoch > currentEpoch {
		return fmt.Errorf("%w: epoch %d is in the future (current %d)", ErrEpochNotReached, startEpoch, currentEpoch)
	}

	syms, ids := e.priceIDs()
	prices, err := e.verifier.VerifyAndFetch(updates, ids, initDate)
	if err != nil {
		return fmt.Errorf("verify prices: %w", err)
	}

	// Open half.
	if startEpoch == currentEpoch {
		r := e.rounds.GetOrCreate(startEpoch)
		if !r.Started {
			r.StartTimestamp = initDate
			r.EndTimestamp = initDate + e.epochs.Interval
			for i, sym := range syms {
				r.StartPrice[sym] = prices[ids[i]]
			}
			r.Started = true
			if err := e.rounds.Put(r); err != nil {
				return err
			}
			e.log.Infow("round_opened", "epoch", r.Epoch, "start_ts", r.StartTimestamp)
			if e.OnRoundOpened != nil {
				e.OnRoundOpened(r.Epoch)
			}
		}
	}

	// Close half: previous round gets its end price.
	prevEpoch := startEpoch - 1
	if prevEpoch >= 0 {
		if prev := e.rounds.Get(prevEpoch); prev != nil && prev.Started && !prev.Settled {
			prev.EndTimestamp = initDate
			for i, sym := range syms {
				prev.EndPrice[sym] = prices[ids[i]]
			}
			prev.Settled = true
			if err := e.rounds.Put(prev); err != nil {
				return err
			}
			e.log.Infow("round_closed", "epoch", prev.Epoch, "end_ts", prev.EndTimestamp)
			if e.OnRoundClosed != nil {
				e.OnRoundClosed(prev.Epoch)
			}
		}

		if !skipSettlement {
			if prev := e.rounds.Get(prevEpoch); prev != nil && prev.Settled {
				if err := e.settleEpochLocked(prev); err != nil {
					return fmt.Errorf("settle epoch %d: %w", prevEpoch, err)
				}
			}
		}
	}

	return nil
}

// ManualOverride is the recovery path for a stalled round: the operator
// supplies end prices directly. The problem epoch must already be in the
// past; overriding the live or a future round is refused. When the next
// round never opened, its start price is seeded with the same manual value
// so the round chain stays contiguous across the gap.
func (e *Engine) ManualOverride(caller common.Address, manualPrices map[string]int64, initDate int64, skipSettlement bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOperator(caller); err != nil {
		return err
	}
	if !e.epochs.IsBoundary(initDate) {
		return fmt.Errorf("%w: %d", ErrInvalidInitDate, initDate)
	}

	problemEpoch, err := e.epochs.EpochAt(initDate)
	if err != nil {
		return err
	}
	currentEpoch, err := e.epochs.EpochAt(e.clock.Now().Unix())
	if err != nil {
		return err
	}
	if problemEpoch >= currentEpoch {
		return fmt.Errorf("%w: epoch %d (current %d)", ErrOverrideLive, problemEpoch, currentEpoch)
	}

	for sym := range manualPrices {
		if _, ok := e.products[sym]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownProduct, sym)
		}
	}

	r := e.rounds.GetOrCreate(problemEpoch)
	if !r.Settled {
		if !r.Started {
			// The round never opened; give it the manual price as its start
			// price too so the record is internally consistent.
			r.StartTimestamp = initDate
			for sym, p := range manualPrices {
				r.StartPrice[sym] = p
			}
			r.Started = true
		}
		r.EndTimestamp = e.epochs.EpochEnd(problemEpoch)
		for sym, p := range manualPrices {
			r.EndPrice[sym] = p
		}
		r.Settled = true
		if err := e.rounds.Put(r); err != nil {
			return err
		}
		e.log.Infow("round_overridden", "epoch", r.Epoch)
		if e.OnRoundClosed != nil {
			e.OnRoundClosed(r.Epoch)
		}
	}

	// Carry-forward: seed the next round if it never started, so the chain
	// stays contiguous after the gap.
	nextEpoch := problemEpoch + 1
	if nextEpoch <= currentEpoch {
		next := e.rounds.GetOrCreate(nextEpoch)
		if !next.Started {
			next.StartTimestamp = e.epochs.EpochStart(nextEpoch)
			next.EndTimestamp = e.epochs.EpochEnd(nextEpoch)
			for sym, p := range manualPrices {
				next.StartPrice[sym] = p
			}
			next.Started = true
			if err := e.rounds.Put(next); err != nil {
				return err
			}
			e.log.Infow("round_seeded", "epoch", next.Epoch, "from_epoch", problemEpoch)
			if e.OnRoundOpened != nil {
				e.OnRoundOpened(next.Epoch)
			}
		}
	}

	if !skipSettlement {
		if err := e.settleEpochLocked(r); err != nil {
			return fmt.Errorf("settle epoch %d: %w", problemEpoch, err)
		}
	}

	return nil
}

// EmergencyReleaseEpoch abandons a round whose pricing can never be
// recovered: every unsettled order is released back without fee (outcome
// forced to Invalid) and the round is marked settled. Bypasses the win/lose
// algorithm entirely.
func (e *Engine) EmergencyReleaseEpoch(caller common.Address, epoch int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOperator(caller); err != nil {
		return err
	}

	released := 0
	for _, o := range e.orders.Orders(epoch) {
		if o.Settled {
			continue
		}
		res, instrs := ResolveRelease(o)
		if err := e.director.Apply(o.Epoch, o.Idx, instrs); err != nil {
			return fmt.Errorf("release order %d: %w", o.Idx, err)
		}
		o.Settled = true
		o.Result = &res
		if err := e.orders.Save(o); err != nil {
			return err
		}
		released++
		if e.OnOrderSettled != nil {
			e.OnOrderSettled(o, res)
		}
	}

	r := e.rounds.GetOrCreate(epoch)
	if !r.Settled {
		// Started is forced so the settled⇒started invariant holds even for
		// a round that never opened.
		r.Started = true
		r.Settled = true
		if err := e.rounds.Put(r); err != nil {
			return err
		}
	}

	e.log.Warnw("epoch_emergency_released", "epoch", epoch, "orders_released", released)
	return nil
}

// OrderSubmission is one order in an operator batch.
type OrderSubmission struct {
	Idx        int64
	Epoch      int64
	Product    string
	Strike     int64
	OverUser   common.Address
	UnderUser  common.Address
	OverPrice  int64
	UnderPrice int64
	Unit       int64
}

// SubmitOutcome reports what happened to one submitted order. A rejected
// order leaves no escrow behind.
type SubmitOutcome struct {
	Idx      int64  `json:"idx"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Settled  bool   `json:"settled"` // true when a late order settled immediately
}

// SubmitOrders records a batch of wagers and locks escrow for both sides of
// each. The batch's first idx must exceed the last recorded idx; that
// violation fails the whole batch. Everything after is per-order: a failed
// lock rejects that order and the rest of the batch continues. Orders
// targeting an already-settled round settle immediately.
func (e *Engine) SubmitOrders(caller common.Address, batch []OrderSubmission) ([]SubmitOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOperator(caller); err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}
	if last := e.orders.LastIdx(); batch[0].Idx <= last {
		return nil, fmt.Errorf("%w: first idx=%d last=%d", ErrNonMonotonicIdx, batch[0].Idx, last)
	}

	outcomes := make([]SubmitOutcome, 0, len(batch))
	for _, sub := range batch {
		outcomes = append(outcomes, e.submitOneLocked(sub))
	}
	return outcomes, nil
}

func (e *Engine) submitOneLocked(sub OrderSubmission) SubmitOutcome {
	reject := func(reason string) SubmitOutcome {
		e.log.Warnw("order_rejected", "idx", sub.Idx, "reason", reason)
		return SubmitOutcome{Idx: sub.Idx, Reason: reason}
	}

	if _, ok := e.products[sub.Product]; !ok {
		return reject("unknown product")
	}
	if sub.Unit <= 0 || sub.Unit > MaxUnit {
		return reject(fmt.Sprintf("unit out of range: %d", sub.Unit))
	}
	if sub.OverPrice < 0 || sub.UnderPrice < 0 {
		return reject("negative price split")
	}
	if sub.Strike <= 0 {
		return reject("strike must be positive")
	}
	if sub.Epoch < 0 {
		return reject("negative epoch")
	}
	if sub.Idx <= e.orders.LastIdx() {
		return reject("idx not monotonic")
	}

	o := &Order{
		Idx:        sub.Idx,
		Epoch:      sub.Epoch,
		Product:    sub.Product,
		Strike:     sub.Strike,
		OverUser:   sub.OverUser,
		UnderUser:  sub.UnderUser,
		OverPrice:  sub.OverPrice,
		UnderPrice: sub.UnderPrice,
		Unit:       sub.Unit,
	}

	// Escrow locks use the split as submitted; validity is only judged at
	// settlement.
	if err := e.director.LockPair(o.OverUser, o.UnderUser, o.OverAmount(), o.UnderAmount(), o.Epoch, o.Idx); err != nil {
		return reject(fmt.Sprintf("escrow lock: %v", err))
	}

	if err := e.orders.Append(o); err != nil {
		// Undo the locks so a persistence failure leaves no escrow behind.
		e.rollbackLocksLocked(o)
		return reject(fmt.Sprintf("append: %v", err))
	}

	e.log.Infow("order_submitted", "idx", o.Idx, "epoch", o.Epoch, "product", o.Product, "unit", o.Unit)

	// Late order into a closed round: settle immediately instead of leaving
	// it pending forever.
	outcome := SubmitOutcome{Idx: o.Idx, Accepted: true}
	if r := e.rounds.Get(o.Epoch); r != nil && r.Settled {
		if _, did, err := e.settleOrderLocked(r, o); err != nil {
			e.log.Warnw("late_order_settle_failed", "idx", o.Idx, "err", err)
		} else {
			outcome.Settled = did
		}
	}
	return outcome
}

func (e *Engine) rollbackLocksLocked(o *Order) {
	if o.IsSelf() {
		total := o.OverAmount() + o.UnderAmount()
		if total > 0 {
			if err := e.director.Apply(o.Epoch, o.Idx, []escrow.Instruction{{Kind: escrow.OpRelease, From: o.OverUser, Amount: total}}); err != nil {
				e.log.Errorw("lock_rollback_failed", "idx", o.Idx, "err", err)
			}
		}
		return
	}
	var instrs []escrow.Instruction
	if amt := o.OverAmount(); amt > 0 {
		instrs = append(instrs, escrow.Instruction{Kind: escrow.OpRelease, From: o.OverUser, Amount: amt})
	}
	if amt := o.UnderAmount(); amt > 0 {
		instrs = append(instrs, escrow.Instruction{Kind: escrow.OpRelease, From: o.UnderUser, Amount: amt})
	}
	if err := e.director.Apply(o.Epoch, o.Idx, instrs); err != nil {
		e.log.Errorw("lock_rollback_failed", "idx", o.Idx, "err", err)
	}
}

// BatchReport describes what one SettleBatch call actually did.
type BatchReport struct {
	Processed  int  `json:"processed"`  // unsettled orders the call attempted
	Settled    int  `json:"settled"`    // orders that reached settled=true
	FeeBearing int  `json:"feeBearing"` // settled orders with a non-zero fee
	Truncated  bool `json:"truncated"`  // stopped at a cap with work remaining
}

// SettleBatch resolves an epoch's orders from the start of its list. It
// stops once maxFeeBearing fee-producing orders have settled or once
// maxIterations orders have been attempted, whichever comes first; zero-fee
// outcomes never count against the fee cap, so the iteration ceiling is what
// bounds a run of adversarial zero-fee orders. Zero disables either cap.
func (e *Engine) SettleBatch(caller common.Address, epoch int64, maxFeeBearing, maxIterations int) (BatchReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var report BatchReport

	if err := e.requireOperator(caller); err != nil {
		return report, err
	}
	r := e.rounds.Get(epoch)
	if r == nil || !r.Settled {
		return report, fmt.Errorf("%w: epoch %d", ErrRoundNotSettled, epoch)
	}

	orders := e.orders.Orders(epoch)
	for _, o := range orders {
		if o.Settled {
			continue
		}
		if maxFeeBearing > 0 && report.FeeBearing >= maxFeeBearing {
			report.Truncated = true
			break
		}
		if maxIterations > 0 && report.Processed >= maxIterations {
			report.Truncated = true
			break
		}

		report.Processed++
		res, did, err := e.settleOrderLocked(r, o)
		if err != nil {
			return report, fmt.Errorf("settle order %d: %w", o.Idx, err)
		}
		if did {
			report.Settled++
			if res.Fee > 0 {
				report.FeeBearing++
			}
		}
	}

	e.log.Infow("batch_settled",
		"epoch", epoch,
		"processed", report.Processed,
		"settled", report.Settled,
		"fee_bearing", report.FeeBearing,
		"truncated", report.Truncated)
	return report, nil
}

// settleEpochLocked drives settlement over every order of a settled round.
// Used by the open/close and override paths, which have no batch caps.
func (e *Engine) settleEpochLocked(r *Round) error {
	for _, o := range e.orders.Orders(r.Epoch) {
		if _, _, err := e.settleOrderLocked(r, o); err != nil {
			return fmt.Errorf("order %d: %w", o.Idx, err)
		}
	}
	return nil
}

// settleOrderLocked resolves one order and applies its escrow movements.
// Returns did=false for the already-settled no-op. On any failure the order
// stays unsettled and no result is recorded.
func (e *Engine) settleOrderLocked(r *Round, o *Order) (SettlementResult, bool, error) {
	if o.Settled {
		return SettlementResult{}, false, nil
	}

	res, instrs, err := Resolve(r, o, e.commissionBps)
	if err != nil {
		return SettlementResult{}, false, err
	}
	if err := e.director.Apply(o.Epoch, o.Idx, instrs); err != nil {
		return SettlementResult{}, false, err
	}

	o.Settled = true
	o.Result = &res
	if err := e.orders.Save(o); err != nil {
		return SettlementResult{}, false, err
	}

	e.log.Infow("order_settled",
		"idx", o.Idx,
		"epoch", o.Epoch,
		"position", res.WinPosition.String(),
		"win_amount", res.WinAmount,
		"fee", res.Fee)
	if e.OnOrderSettled != nil {
		e.OnOrderSettled(o, res)
	}
	return res, true, nil
}

// BackfillResults recomputes and overwrites cached settlement results for
// orders whose rounds have final prices. No escrow moves and the settled
// flag is untouched; this only repopulates historical records. An order's
// original fee rate is preserved when a prior result exists.
func (e *Engine) BackfillResults(caller common.Address, epochs []int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOperator(caller); err != nil {
		return err
	}

	for _, epoch := range epochs {
		r := e.rounds.Get(epoch)
		if r == nil || !r.Settled {
			continue
		}
		for _, o := range e.orders.Orders(epoch) {
			feeBps := e.commissionBps
			if o.Result != nil {
				feeBps = o.Result.FeeRate
			}
			res, _, err := outcome(r, o, feeBps)
			if err != nil {
				// Rounds settled by emergency release can lack prices; their
				// orders keep the forced-Invalid result they already have.
				continue
			}
			o.Result = &res
			if err := e.orders.Save(o); err != nil {
				return err
			}
		}
		e.log.Infow("results_backfilled", "epoch", epoch)
	}
	return nil
}

// SetCommission updates the protocol fee rate, capped at MaxCommissionBps.
func (e *Engine) SetCommission(caller common.Address, bps int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOperator(caller); err != nil {
		return err
	}
	if bps < 0 || bps > MaxCommissionBps {
		return fmt.Errorf("%w: %d bps", ErrCommissionTooBig, bps)
	}
	e.log.Infow("commission_updated", "old_bps", e.commissionBps, "new_bps", bps)
	e.commissionBps = bps
	return nil
}

// AddProduct adds or updates a product's oracle price id mapping.
func (e *Engine) AddProduct(caller common.Address, symbol, priceID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireOperator(caller); err != nil {
		return err
	}
	if symbol == "" || priceID == "" {
		return fmt.Errorf("symbol and price id must be non-empty")
	}
	e.products[symbol] = priceID
	e.log.Infow("product_added", "symbol", symbol, "price_id", priceID)
	return nil
}

// ---- Public read-only queries ----

func (e *Engine) CommissionBps() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commissionBps
}

func (e *Engine) Products() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]string, len(e.products))
	for sym, id := range e.products {
		out[sym] = id
	}
	return out
}

// RoundSnapshot returns the public view of one (epoch, product) round.
func (e *Engine) RoundSnapshot(epoch int64, product string) (RoundSnapshot, bool) {
	return e.rounds.Snapshot(epoch, product)
}

// Orders returns the epoch's orders in submission order.
func (e *Engine) Orders(epoch int64) []*Order {
	return e.orders.Orders(epoch)
}

// UnsettledCount returns how many of the epoch's orders are unresolved.
func (e *Engine) UnsettledCount(epoch int64) int {
	return e.orders.UnsettledCount(epoch)
}

// OrdersByUser returns every order where the address holds either side.
func (e *Engine) OrdersByUser(addr common.Address) []*Order {
	return e.orders.ByUser(addr)
}

// LastIdx returns the highest order idx recorded so far.
func (e *Engine) LastIdx() int64 {
	return e.orders.LastIdx()
}

// Balance passes through the ledger's read-only balance query.
func (e *Engine) Balance(owner common.Address) int64 {
	return e.director.Balance(owner)
}
