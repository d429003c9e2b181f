package engine

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Store provides pebble-based persistence for rounds and orders.
// Thread-safety comes from the callers; the store itself only serializes
// through pebble.
type Store struct {
	db *pebble.DB
}

// NewStore opens a pebble database at the given path.
func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                 pebble.NewCache(64 << 20),
		MemTableSize:          32 << 20,
		L0CompactionThreshold: 2,
		MaxOpenFiles:          1000,
		BytesPerSync:          512 << 10,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", dbPath, err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRound persists a round.
func (s *Store) SaveRound(r *Round) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal round: %w", err)
	}
	if err := s.db.Set(roundKey(r.Epoch), data, pebble.Sync); err != nil {
		return fmt.Errorf("set round: %w", err)
	}
	return nil
}

// LoadRound loads a round, or nil if it does not exist.
func (s *Store) LoadRound(epoch int64) (*Round, error) {
	data, closer, err := s.db.Get(roundKey(epoch))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get round: %w", err)
	}
	defer closer.Close()

	var r Round
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal round: %w", err)
	}
	if r.StartPrice == nil {
		r.StartPrice = make(map[string]int64)
	}
	if r.EndPrice == nil {
		r.EndPrice = make(map[string]int64)
	}
	return &r, nil
}

// LoadAllRounds scans every persisted round.
func (s *Store) LoadAllRounds() ([]*Round, error) {
	prefix := []byte(prefixRound)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("round iter: %w", err)
	}
	defer iter.Close()

	var rounds []*Round
	for iter.First(); iter.Valid(); iter.Next() {
		var r Round
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("unmarshal round at %s: %w", iter.Key(), err)
		}
		if r.StartPrice == nil {
			r.StartPrice = make(map[string]int64)
		}
		if r.EndPrice == nil {
			r.EndPrice = make(map[string]int64)
		}
		rounds = append(rounds, &r)
	}
	return rounds, nil
}

// SaveOrder persists an order record.
func (s *Store) SaveOrder(o *Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(o.Epoch, o.Idx), data, pebble.Sync); err != nil {
		return fmt.Errorf("set order: %w", err)
	}
	return nil
}

// SaveOrderWithIdx writes a new order and the advanced last-idx marker in one
// atomic batch, so a crash between the two cannot break idx monotonicity.
func (s *Store) SaveOrderWithIdx(o *Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(orderKey(o.Epoch, o.Idx), data, nil); err != nil {
		return fmt.Errorf("batch set order: %w", err)
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(o.Idx))
	if err := batch.Set([]byte(keyLastIdx), buf[:], nil); err != nil {
		return fmt.Errorf("batch set last idx: %w", err)
	}

	return batch.Commit(pebble.Sync)
}

// LoadAllOrders scans every persisted order, in (epoch, idx) order.
func (s *Store) LoadAllOrders() ([]*Order, error) {
	prefix := []byte(prefixOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("order iter: %w", err)
	}
	defer iter.Close()

	var orders []*Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return nil, fmt.Errorf("unmarshal order at %s: %w", iter.Key(), err)
		}
		orders = append(orders, &o)
	}
	return orders, nil
}

// LoadOrders scans one epoch's orders in idx order.
func (s *Store) LoadOrders(epoch int64) ([]*Order, error) {
	prefix := orderEpochPrefix(epoch)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("order iter: %w", err)
	}
	defer iter.Close()

	var orders []*Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return nil, fmt.Errorf("unmarshal order at %s: %w", iter.Key(), err)
		}
		orders = append(orders, &o)
	}
	return orders, nil
}

// LoadLastIdx returns the highest recorded order idx, 0 if none.
func (s *Store) LoadLastIdx() (int64, error) {
	data, closer, err := s.db.Get([]byte(keyLastIdx))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get last idx: %w", err)
	}
	defer closer.Close()

	if len(data) != 8 {
		return 0, fmt.Errorf("bad last idx record length: %d", len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}
