// Package oracle is the price-verification collaborator boundary. The engine
// trusts whatever a Verifier returns as final for that timestamp window; fee
// payment and signature checking live behind the interface.
package oracle

import (
	"fmt"
	"sync"
)

// Verifier verifies submitted update payloads and returns the final price for
// each requested price id. Prices are integers at the engine's PriceUnit
// scale (1e6). A failed verification fails the whole round transition; the
// engine never retries internally.
type Verifier interface {
	VerifyAndFetch(updates [][]byte, priceIDs []string, ts int64) (map[string]int64, error)
}

// Static is a fixed-price Verifier for dev and tests. It charges a
// configurable per-update fee so fee-accounting paths stay exercised without
// a chain connection.
type Static struct {
	mu           sync.RWMutex
	prices       map[string]int64
	FeePerUpdate int64
	feesPaid     int64
}

func NewStatic() *Static {
	return &Static{prices: make(map[string]int64)}
}

// SetPrice fixes the price returned for a price id.
func (s *Static) SetPrice(priceID string, price int64) {
	s.mu.Lock()
	s.prices[priceID] = price
	s.mu.Unlock()
}

func (s *Static) VerifyAndFetch(updates [][]byte, priceIDs []string, ts int64) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.feesPaid += s.FeePerUpdate * int64(len(updates))

	out := make(map[string]int64, len(priceIDs))
	for _, id := range priceIDs {
		p, ok := s.prices[id]
		if !ok {
			return nil, fmt.Errorf("oracle: no price for %q", id)
		}
		out[id] = p
	}
	return out, nil
}

// FeesPaid returns the cumulative native-currency fee charged so far.
func (s *Static) FeesPaid() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.feesPaid
}
