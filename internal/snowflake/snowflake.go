package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Bit layout, most significant first:
//
//	1 bit unused (ids stay positive) | 41 bits ms since Epoch | 10 bits worker | 12 bits sequence
const (
	timeBits     = 41
	workerBits   = 10
	sequenceBits = 12

	MaxWorkerID = 1<<workerBits - 1
	maxSequence = 1<<sequenceBits - 1
	maxTime     = 1<<timeBits - 1

	workerShift = sequenceBits
	timeShift   = sequenceBits + workerBits
)

// Epoch is the zero point of the timestamp component (2024-01-01T00:00:00Z)
var Epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

var (
	ErrClockMovedBackwards = errors.New("snowflake: clock moved backwards beyond tolerance")
	ErrTimeOverflow        = errors.New("snowflake: timestamp exceeds 41 bits")
	ErrInvalidWorkerID     = errors.New("snowflake: worker id out of range")
)

// Config holds generator settings
type Config struct {
	WorkerID       int64
	ClockTolerance time.Duration    // regressions up to this are absorbed by holding the last tick
	Now            func() time.Time // optional, for tests
}

// Generator issues time-ordered 64-bit identifiers. Safe for concurrent use.
type Generator struct {
	mu        sync.Mutex
	workerID  int64
	tolerance int64
	now       func() time.Time
	lastMs    int64
	sequence  int64
}

// New creates a generator for one worker
func New(cfg Config) (*Generator, error) {
	if cfg.WorkerID < 0 || cfg.WorkerID > MaxWorkerID {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWorkerID, cfg.WorkerID)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Generator{
		workerID:  cfg.WorkerID,
		tolerance: cfg.ClockTolerance.Milliseconds(),
		now:       now,
		lastMs:    -1,
	}, nil
}

func (g *Generator) millis() int64 {
	return g.now().Sub(Epoch).Milliseconds()
}

// Next returns the next identifier. Ids from one generator never repeat and never decrease.
func (g *Generator) Next() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.millis()
	if ms < g.lastMs {
		if g.lastMs-ms > g.tolerance {
			return 0, fmt.Errorf("%w: %dms", ErrClockMovedBackwards, g.lastMs-ms)
		}
		ms = g.lastMs
	}

	if ms == g.lastMs {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			var err error
			ms, err = g.waitNextMillis()
			if err != nil {
				return 0, err
			}
		}
	} else {
		g.sequence = 0
	}

	if ms > maxTime {
		return 0, ErrTimeOverflow
	}
	g.lastMs = ms

	return ms<<timeShift | g.workerID<<workerShift | g.sequence, nil
}

// waitNextMillis spins until the clock passes the last issued tick
func (g *Generator) waitNextMillis() (int64, error) {
	for {
		ms := g.millis()
		if ms > g.lastMs {
			return ms, nil
		}
		if g.lastMs-ms > g.tolerance {
			return 0, fmt.Errorf("%w: %dms", ErrClockMovedBackwards, g.lastMs-ms)
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// Parts is a decoded identifier
type Parts struct {
	Time     time.Time
	WorkerID int64
	Sequence int64
}

// Decompose splits an identifier into its components
func Decompose(id int64) Parts {
	return Parts{
		Time:     Epoch.Add(time.Duration(id>>timeShift) * time.Millisecond),
		WorkerID: (id >> workerShift) & MaxWorkerID,
		Sequence: id & maxSequence,
	}
}
