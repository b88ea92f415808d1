package work

import (
	"math/rand/v2"
	"time"

	regerrors "github.com/marmos91/downstairs/pkg/region/errors"
)

const (
	// lossySkipRate is the chance that a dispatch pass leaves a runnable job
	// for a later pass.
	lossySkipRate  = 0.2
	lossyMaxDelay  = 10 * time.Millisecond
	lossyRetryWait = 5 * time.Millisecond

	// DefaultErrorRate is the share of reads and writes that fail when
	// ReturnErrors is set and no rate is given.
	DefaultErrorRate = 0.1
)

// faults injects delays, skipped dispatches and synthetic errors for
// testing the client's handling of a misbehaving downstairs. The zero value
// injects nothing.
type faults struct {
	lossy        bool
	returnErrors bool
	errorRate    float64
}

func newFaults(opts Options) faults {
	f := faults{lossy: opts.Lossy, returnErrors: opts.ReturnErrors, errorRate: opts.ErrorRate}
	if f.returnErrors && f.errorRate <= 0 {
		f.errorRate = DefaultErrorRate
	}
	return f
}

func (f faults) skip() bool {
	return f.lossy && rand.Float64() < lossySkipRate
}

func (f faults) delay() time.Duration {
	if !f.lossy {
		return 0
	}
	return rand.N(lossyMaxDelay)
}

// fail returns a synthetic I/O error for reads and writes, or nil.
func (f faults) fail(kind Kind) error {
	if !f.returnErrors || (kind != KindRead && kind != KindWrite) {
		return nil
	}
	if rand.Float64() >= f.errorRate {
		return nil
	}
	return regerrors.New(regerrors.ErrIOFailure, "injected %s failure", kind)
}
