package work

import (
	"context"
	"fmt"
	"time"

	"github.com/marmos91/downstairs/pkg/region"
	regerrors "github.com/marmos91/downstairs/pkg/region/errors"
)

// State is the lifecycle state of a job.
type State int

const (
	StateNew State = iota
	StateReady
	StateInProgress
	StateComplete
	StateError
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateReady:
		return "ready"
	case StateInProgress:
		return "in_progress"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s >= StateComplete
}

// Result reports the outcome of one job.
type Result struct {
	ID    uint64
	Kind  Kind
	State State
	// Data holds the blocks of a completed Read.
	Data     []byte
	Err      error
	Duration time.Duration
}

// job is one submitted operation and its position in the dependency graph.
// Fields are guarded by the dispatcher's mutex.
type job struct {
	id  uint64
	op  Op
	ctx context.Context

	// Footprint. blocks is set for reads and writes; extents for every op.
	blocks  region.BlockRange
	extents []int
	// flushAll marks a flush without an extent limit.
	flushAll bool

	deps []uint64
	// holds maps an extent to the ExtentClose that must be released by a
	// successful ExtentReopen before this job may run.
	holds map[int]uint64

	state     State
	submitted time.Time
}

func (j *job) touches(extent int) bool {
	if j.flushAll {
		return true
	}
	for _, e := range j.extents {
		if e == extent {
			return true
		}
	}
	return false
}

func (j *job) isFlush() bool {
	return j.op.Kind() == KindFlush
}

// footprint fills in the blocks and extents touched by j. Ranges and
// extent indexes outside the region are rejected with OutOfBounds before
// anything is sized from them.
func (j *job) footprint(def region.Definition) error {
	total := def.TotalBlocks()
	switch o := j.op.(type) {
	case Read:
		if o.Range.Count > 0 && !o.Range.Within(total) {
			return regerrors.NewOutOfBoundsError(o.Range.Start, o.Range.Count, total)
		}
		j.blocks = o.Range
		j.extents = o.Range.Extents(def.ExtentSize)
	case Write:
		count := (uint64(len(o.Data)) + def.BlockSize - 1) / def.BlockSize
		j.blocks = region.BlockRange{Start: o.Start, Count: count}
		if count > 0 && !j.blocks.Within(total) {
			return regerrors.NewOutOfBoundsError(o.Start, count, total)
		}
		j.extents = j.blocks.Extents(def.ExtentSize)
	case Flush:
		if o.ExtentLimit == nil {
			j.flushAll = true
			return nil
		}
		n := min(int(*o.ExtentLimit)+1, int(def.ExtentCount))
		j.extents = make([]int, n)
		for i := range j.extents {
			j.extents[i] = i
		}
	default:
		if e, ok := repairExtent(j.op); ok {
			if e < 0 || e >= int(def.ExtentCount) {
				return regerrors.NewExtent(regerrors.ErrOutOfBounds, e, "extent %d outside region of %d extents", e, def.ExtentCount)
			}
			j.extents = []int{e}
		}
	}
	return nil
}
