package engine

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Monetary constants. All amounts are int64; a side's principal is
// price × unit × PriceUnit and every division truncates toward zero.
const (
	PriceUnit        = 1_000_000 // scale applied once to price × unit
	PctBase          = 10_000    // basis-point divisor for strike and commission
	SplitBase        = 100       // over/under prices are a split of 100
	MaxCommissionBps = 500       // 5%
)

// WinPosition is the settled outcome of an order.
type WinPosition int8

const (
	Over WinPosition = iota
	Under
	Tie
	Invalid
)

func (w WinPosition) String() string {
	switch w {
	case Over:
		return "over"
	case Under:
		return "under"
	case Tie:
		return "tie"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// SettlementResult is written exactly once at settlement time and read-only
// afterward. Backfill may overwrite it for historical orders without moving
// funds.
type SettlementResult struct {
	Idx         int64       `json:"idx"`
	WinPosition WinPosition `json:"winPosition"`
	WinAmount   int64       `json:"winAmount"` // amount moved from loser to winner, 0 on tie/invalid
	FeeRate     int64       `json:"feeRate"`   // commission bps in effect at settlement
	Fee         int64       `json:"fee"`       // amount retained by the protocol
}

// Order is a two-sided over/under wager against a strike derived from the
// round's start price. OverUser may equal UnderUser (self-order). Settled
// transitions false→true exactly once; re-settlement is a no-op.
type Order struct {
	Idx     int64  `json:"idx"`
	Epoch   int64  `json:"epoch"`
	Product string `json:"product"`

	// Strike is a basis-point multiplier on the round's start price:
	// strikePrice = startPrice × Strike / PctBase.
	Strike int64 `json:"strike"`

	OverUser  common.Address `json:"overUser"`
	UnderUser common.Address `json:"underUser"`

	// OverPrice + UnderPrice are intended to sum to SplitBase. The split is
	// taken as submitted; validity is only checked at settlement.
	OverPrice  int64 `json:"overPrice"`
	UnderPrice int64 `json:"underPrice"`
	Unit       int64 `json:"unit"`

	Settled bool              `json:"settled"`
	Result  *SettlementResult `json:"result,omitempty"`
}

// IsSelf reports whether both sides belong to the same owner.
func (o *Order) IsSelf() bool {
	return o.OverUser == o.UnderUser
}

// ValidSplit reports whether the submitted price split covers the full
// 100-unit position.
func (o *Order) ValidSplit() bool {
	return o.OverPrice+o.UnderPrice == SplitBase
}

// OverAmount is the principal locked for the over side.
func (o *Order) OverAmount() int64 {
	return o.OverPrice * o.Unit * PriceUnit
}

// UnderAmount is the principal locked for the under side.
func (o *Order) UnderAmount() int64 {
	return o.UnderPrice * o.Unit * PriceUnit
}

// OrderStore is the append-only, epoch-partitioned order table with a global
// monotonic idx discipline. Like RoundStore, mutations are serialized by the
// engine; the internal lock covers API reads.
type OrderStore struct {
	mu      sync.RWMutex
	byEpoch map[int64][]*Order
	byIdx   map[int64]*Order
	byUser  map[common.Address][]*Order
	lastIdx int64
	store   *Store
}

// NewOrderStore loads all persisted orders. Orders are replayed in key order,
// which is idx order within each epoch thanks to zero-padded keys.
func NewOrderStore(store *Store) (*OrderStore, error) {
	os := &OrderStore{
		byEpoch: make(map[int64][]*Order),
		byIdx:   make(map[int64]*Order),
		byUser:  make(map[common.Address][]*Order),
		store:   store,
	}

	orders, err := store.LoadAllOrders()
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	for _, o := range orders {
		os.index(o)
	}

	lastIdx, err := store.LoadLastIdx()
	if err != nil {
		return nil, fmt.Errorf("load last idx: %w", err)
	}
	os.lastIdx = lastIdx

	return os, nil
}

func (os *OrderStore) index(o *Order) {
	os.byEpoch[o.Epoch] = append(os.byEpoch[o.Epoch], o)
	os.byIdx[o.Idx] = o
	os.byUser[o.OverUser] = append(os.byUser[o.OverUser], o)
	if o.UnderUser != o.OverUser {
		os.byUser[o.UnderUser] = append(os.byUser[o.UnderUser], o)
	}
	if o.Idx > os.lastIdx {
		os.lastIdx = o.Idx
	}
}

// Append records a new order. The idx must exceed the last recorded idx
// across the whole order stream, not just within a batch.
func (os *OrderStore) Append(o *Order) error {
	os.mu.Lock()
	defer os.mu.Unlock()

	if o.Idx <= os.lastIdx {
		return fmt.Errorf("%w: idx=%d last=%d", ErrNonMonotonicIdx, o.Idx, os.lastIdx)
	}

	if err := os.store.SaveOrderWithIdx(o); err != nil {
		return fmt.Errorf("save order %d: %w", o.Idx, err)
	}

	os.index(o)
	return nil
}

// Save persists an existing order after settlement or backfill.
func (os *OrderStore) Save(o *Order) error {
	if err := os.store.SaveOrder(o); err != nil {
		return fmt.Errorf("save order %d: %w", o.Idx, err)
	}
	return nil
}

// Get returns the order with the given idx, or nil.
func (os *OrderStore) Get(idx int64) *Order {
	os.mu.RLock()
	defer os.mu.RUnlock()
	return os.byIdx[idx]
}

// Orders returns the epoch's orders in submission order.
// The returned slice is shared; callers must not mutate it.
func (os *OrderStore) Orders(epoch int64) []*Order {
	os.mu.RLock()
	defer os.mu.RUnlock()
	return os.byEpoch[epoch]
}

// ByUser returns every order where the address holds either side.
func (os *OrderStore) ByUser(addr common.Address) []*Order {
	os.mu.RLock()
	defer os.mu.RUnlock()
	return os.byUser[addr]
}

// UnsettledCount returns the number of unresolved orders in an epoch.
func (os *OrderStore) UnsettledCount(epoch int64) int {
	os.mu.RLock()
	defer os.mu.RUnlock()

	n := 0
	for _, o := range os.byEpoch[epoch] {
		if !o.Settled {
			n++
		}
	}
	return n
}

// LastIdx returns the highest idx recorded so far (0 before any order).
func (os *OrderStore) LastIdx() int64 {
	os.mu.RLock()
	defer os.mu.RUnlock()
	return os.lastIdx
}
