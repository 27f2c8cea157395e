// Package idgen issues 64-bit, time-ordered message ids.
package idgen

import (
	"fmt"
	"sync"
	"time"
)

const (
	timestampBits = 41
	machineIDBits = 10
	sequenceBits  = 12

	MaxMachineID = (1 << machineIDBits) - 1 // 1023
	maxSequence  = (1 << sequenceBits) - 1  // 4095

	machineIDShift = sequenceBits
	timestampShift = sequenceBits + machineIDBits
)

// DefaultEpoch is 2024-01-01T00:00:00Z in unix milliseconds.
const DefaultEpoch int64 = 1704067200000

// Snowflake generates ids laid out as 41 bits of milliseconds since epoch,
// 10 bits of machine id and a 12 bit per-millisecond sequence.
type Snowflake struct {
	mu        sync.Mutex
	epoch     int64
	machineID int64
	sequence  int64
	lastTime  int64
	now       func() time.Time
}

// NewSnowflake creates a generator. machineID must be in [0, 1023] and
// unique per running instance.
func NewSnowflake(machineID int64, epoch int64) (*Snowflake, error) {
	if machineID < 0 || machineID > MaxMachineID {
		return nil, fmt.Errorf("machine_id must be between 0 and %d, got %d", MaxMachineID, machineID)
	}
	return &Snowflake{
		epoch:     epoch,
		machineID: machineID,
		now:       time.Now,
	}, nil
}

// Next returns the next id and the millisecond timestamp embedded in it.
func (g *Snowflake) Next() (int64, time.Time, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UnixMilli()
	if now-g.epoch < 0 {
		return 0, time.Time{}, fmt.Errorf("current time is before custom epoch")
	}
	if now < g.lastTime {
		return 0, time.Time{}, fmt.Errorf("clock moved backwards: current=%d, last=%d", now, g.lastTime)
	}

	if now == g.lastTime {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// Sequence exhausted, wait for next millisecond
			for now <= g.lastTime {
				now = g.now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTime = now

	id := ((now - g.epoch) << timestampShift) | (g.machineID << machineIDShift) | g.sequence
	return id, time.UnixMilli(now).UTC(), nil
}

// Parts is an id split into its components.
type Parts struct {
	Time      time.Time
	MachineID int64
	Sequence  int64
}

// Parse splits id into its components.
func (g *Snowflake) Parse(id int64) (Parts, error) {
	if id < 0 {
		return Parts{}, fmt.Errorf("id must be a positive integer")
	}
	ts := (id >> timestampShift) & ((1 << timestampBits) - 1)
	return Parts{
		Time:      time.UnixMilli(ts + g.epoch).UTC(),
		MachineID: (id >> machineIDShift) & MaxMachineID,
		Sequence:  id & maxSequence,
	}, nil
}
