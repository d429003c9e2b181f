package engine

import "fmt"

// EpochClock maps wall-clock timestamps to round numbers. GenesisTime and
// Interval are fixed at construction; the 1-minute, 1-hour, and 1-day
// deployments are the same engine with a different clock.
type EpochClock struct {
	GenesisTime int64 // unix seconds of epoch 0 start
	Interval    int64 // round length in seconds
}

func NewEpochClock(genesisTime, interval int64) (EpochClock, error) {
	if interval <= 0 {
		return EpochClock{}, fmt.Errorf("interval must be positive: %d", interval)
	}
	if genesisTime < 0 {
		return EpochClock{}, fmt.Errorf("genesis time cannot be negative: %d", genesisTime)
	}
	return EpochClock{GenesisTime: genesisTime, Interval: interval}, nil
}

// EpochAt returns the epoch containing ts.
// EpochAt(GenesisTime) == 0; fails for timestamps before genesis.
func (c EpochClock) EpochAt(ts int64) (int64, error) {
	if ts < c.GenesisTime {
		return 0, ErrEpochNotStarted
	}
	return (ts - c.GenesisTime) / c.Interval, nil
}

// EpochStart returns the first second of the given epoch.
func (c EpochClock) EpochStart(epoch int64) int64 {
	return c.GenesisTime + epoch*c.Interval
}

// EpochEnd returns the first second of the next epoch.
func (c EpochClock) EpochEnd(epoch int64) int64 {
	return c.EpochStart(epoch + 1)
}

// IsBoundary reports whether ts sits exactly on an interval boundary.
func (c EpochClock) IsBoundary(ts int64) bool {
	return ts >= c.GenesisTime && (ts-c.GenesisTime)%c.Interval == 0
}
