package engine

import (
	"fmt"
	"sync"
)

// Round is the per-epoch price record. Started and Settled are independent
// flags: Settled means the end price is final, not that every order in the
// round has been resolved. Rounds are created on first open and never deleted.
type Round struct {
	Epoch          int64            `json:"epoch"`
	StartTimestamp int64            `json:"startTimestamp"`
	EndTimestamp   int64            `json:"endTimestamp"`
	StartPrice     map[string]int64 `json:"startPrice"` // product -> price (PriceUnit scale)
	EndPrice       map[string]int64 `json:"endPrice"`   // product -> price, meaningful only once Settled
	Started        bool             `json:"started"`
	Settled        bool             `json:"settled"`
}

func NewRound(epoch int64) *Round {
	return &Round{
		Epoch:      epoch,
		StartPrice: make(map[string]int64),
		EndPrice:   make(map[string]int64),
	}
}

// Validate checks the round invariants.
func (r *Round) Validate() error {
	if r.Settled && !r.Started {
		return fmt.Errorf("round %d settled but not started", r.Epoch)
	}
	return nil
}

// RoundSnapshot is the public read view for one (epoch, product) pair.
type RoundSnapshot struct {
	Epoch          int64  `json:"epoch"`
	Product        string `json:"product"`
	StartTimestamp int64  `json:"startTimestamp"`
	EndTimestamp   int64  `json:"endTimestamp"`
	StartPrice     int64  `json:"startPrice"`
	EndPrice       int64  `json:"endPrice"`
	Started        bool   `json:"started"`
	Settled        bool   `json:"settled"`
}

// RoundStore keeps rounds in memory with write-through pebble persistence.
// Mutations go through the engine's critical section; the store's own lock
// only protects concurrent API reads.
type RoundStore struct {
	mu     sync.RWMutex
	rounds map[int64]*Round
	store  *Store
}

// NewRoundStore loads every persisted round into the cache. Round history is
// bounded (one record per interval), so a full load is cheap even for the
// 1-minute deployment.
func NewRoundStore(store *Store) (*RoundStore, error) {
	rs := &RoundStore{
		rounds: make(map[int64]*Round),
		store:  store,
	}

	rounds, err := store.LoadAllRounds()
	if err != nil {
		return nil, fmt.Errorf("load rounds: %w", err)
	}
	for _, r := range rounds {
		rs.rounds[r.Epoch] = r
	}

	return rs, nil
}

// Get returns the round for an epoch, or nil if it was never touched.
func (rs *RoundStore) Get(epoch int64) *Round {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.rounds[epoch]
}

// GetOrCreate returns the round for an epoch, creating an empty (NotStarted)
// record if none exists. The new record is not persisted until Put.
func (rs *RoundStore) GetOrCreate(epoch int64) *Round {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	r, ok := rs.rounds[epoch]
	if !ok {
		r = NewRound(epoch)
		rs.rounds[epoch] = r
	}
	return r
}

// Put persists a round after mutation.
func (rs *RoundStore) Put(r *Round) error {
	if err := r.Validate(); err != nil {
		return err
	}

	rs.mu.Lock()
	rs.rounds[r.Epoch] = r
	rs.mu.Unlock()

	if err := rs.store.SaveRound(r); err != nil {
		return fmt.Errorf("save round %d: %w", r.Epoch, err)
	}
	return nil
}

// Snapshot returns the public view for (epoch, product).
// ok is false if the round was never created.
func (rs *RoundStore) Snapshot(epoch int64, product string) (RoundSnapshot, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	r, found := rs.rounds[epoch]
	if !found {
		return RoundSnapshot{}, false
	}
	return RoundSnapshot{
		Epoch:          r.Epoch,
		Product:        product,
		StartTimestamp: r.StartTimestamp,
		EndTimestamp:   r.EndTimestamp,
		StartPrice:     r.StartPrice[product],
		EndPrice:       r.EndPrice[product],
		Started:        r.Started,
		Settled:        r.Settled,
	}, true
}

// Count returns the number of known rounds.
func (rs *RoundStore) Count() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rounds)
}
