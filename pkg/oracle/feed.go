package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// FeedMessage is one tick from the upstream price stream.
type FeedMessage struct {
	PriceID string `json:"id"`
	Price   int64  `json:"price"` // PriceUnit scale
	Ts      int64  `json:"ts"`    // unix seconds
}

type pricePoint struct {
	price int64
	ts    time.Time
}

// Feed is a websocket-backed Verifier: it keeps the last tick per price id
// and vouches for a price only while it is fresh. Round transitions against a
// stalled feed fail, which is what pushes the operator onto the
// manual-override path.
type Feed struct {
	url        string
	staleAfter time.Duration
	log        *zap.SugaredLogger

	mu     sync.RWMutex
	prices map[string]pricePoint
}

func NewFeed(url string, staleAfter time.Duration, log *zap.SugaredLogger) *Feed {
	return &Feed{
		url:        url,
		staleAfter: staleAfter,
		log:        log,
		prices:     make(map[string]pricePoint),
	}
}

// Run dials the upstream stream and keeps the cache current until ctx is
// cancelled, reconnecting with a flat backoff on any read or dial error.
func (f *Feed) Run(ctx context.Context) {
	const backoff = 3 * time.Second

	for ctx.Err() == nil {
		if err := f.consume(ctx); err != nil && ctx.Err() == nil {
			f.log.Warnw("oracle_feed_disconnected", "url", f.url, "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (f *Feed) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}
	defer conn.Close()

	f.log.Infow("oracle_feed_connected", "url", f.url)

	// Close the socket when ctx ends so ReadMessage unblocks.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg FeedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.log.Warnw("oracle_feed_bad_message", "err", err)
			continue
		}
		if msg.PriceID == "" || msg.Price <= 0 {
			continue
		}

		f.mu.Lock()
		f.prices[msg.PriceID] = pricePoint{price: msg.Price, ts: time.Now()}
		f.mu.Unlock()
	}
}

// VerifyAndFetch returns the cached price for every requested id, failing if
// any is missing or older than the staleness bound. The update payloads are
// accepted for interface compatibility; the feed's own stream is the source
// of truth.
func (f *Feed) VerifyAndFetch(updates [][]byte, priceIDs []string, ts int64) (map[string]int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	now := time.Now()
	out := make(map[string]int64, len(priceIDs))
	for _, id := range priceIDs {
		p, ok := f.prices[id]
		if !ok {
			return nil, fmt.Errorf("oracle: no feed price for %q", id)
		}
		if f.staleAfter > 0 && now.Sub(p.ts) > f.staleAfter {
			return nil, fmt.Errorf("oracle: price for %q is stale (age %s)", id, now.Sub(p.ts))
		}
		out[id] = p.price
	}
	return out, nil
}
