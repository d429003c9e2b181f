package engine

import (
	"errors"
	"testing"
)

func TestNewEpochClock_Validation(t *testing.T) {
	tests := []struct {
		name     string
		genesis  int64
		interval int64
		wantErr  bool
	}{
		{name: "valid minute clock", genesis: 1704067200, interval: 60, wantErr: false},
		{name: "valid hour clock", genesis: 1704067200, interval: 3600, wantErr: false},
		{name: "genesis zero is valid", genesis: 0, interval: 60, wantErr: false},
		{name: "zero interval", genesis: 1704067200, interval: 0, wantErr: true},
		{name: "negative interval", genesis: 1704067200, interval: -60, wantErr: true},
		{name: "negative genesis", genesis: -1, interval: 60, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEpochClock(tt.genesis, tt.interval)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewEpochClock(%d, %d) error = %v, wantErr %v", tt.genesis, tt.interval, err, tt.wantErr)
			}
		})
	}
}

func TestEpochClock_EpochAt(t *testing.T) {
	c, err := NewEpochClock(1000, 60)
	if err != nil {
		t.Fatalf("NewEpochClock: %v", err)
	}

	tests := []struct {
		name    string
		ts      int64
		want    int64
		wantErr bool
	}{
		{name: "genesis is epoch 0", ts: 1000, want: 0},
		{name: "last second of epoch 0", ts: 1059, want: 0},
		{name: "first second of epoch 1", ts: 1060, want: 1},
		{name: "mid epoch 2", ts: 1150, want: 2},
		{name: "before genesis", ts: 999, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.EpochAt(tt.ts)
			if tt.wantErr {
				if !errors.Is(err, ErrEpochNotStarted) {
					t.Fatalf("EpochAt(%d) error = %v, want ErrEpochNotStarted", tt.ts, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("EpochAt(%d): %v", tt.ts, err)
			}
			if got != tt.want {
				t.Errorf("EpochAt(%d) = %d, want %d", tt.ts, got, tt.want)
			}
		})
	}
}

func TestEpochClock_Monotonic(t *testing.T) {
	c, _ := NewEpochClock(0, 60)

	prev := int64(-1)
	for ts := int64(0); ts <= 600; ts += 7 {
		epoch, err := c.EpochAt(ts)
		if err != nil {
			t.Fatalf("EpochAt(%d): %v", ts, err)
		}
		if epoch < prev {
			t.Fatalf("epoch went backwards at ts=%d: %d < %d", ts, epoch, prev)
		}
		prev = epoch
	}
}

func TestEpochClock_StartEndBoundary(t *testing.T) {
	c, _ := NewEpochClock(1000, 60)

	for epoch := int64(0); epoch < 5; epoch++ {
		start := c.EpochStart(epoch)
		end := c.EpochEnd(epoch)

		if end != start+60 {
			t.Errorf("epoch %d: end %d != start+interval %d", epoch, end, start+60)
		}
		if !c.IsBoundary(start) {
			t.Errorf("epoch %d: start %d not a boundary", epoch, start)
		}
		if c.IsBoundary(start + 1) {
			t.Errorf("epoch %d: start+1 %d reported as boundary", epoch, start+1)
		}

		// EpochEnd(n) is EpochStart(n+1): the round chain is contiguous.
		got, err := c.EpochAt(end)
		if err != nil {
			t.Fatalf("EpochAt(%d): %v", end, err)
		}
		if got != epoch+1 {
			t.Errorf("EpochAt(end of %d) = %d, want %d", epoch, got, epoch+1)
		}
	}

	// Timestamps before genesis are never boundaries, aligned or not.
	if c.IsBoundary(940) {
		t.Error("pre-genesis aligned timestamp reported as boundary")
	}
}
