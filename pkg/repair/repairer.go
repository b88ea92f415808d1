package repair

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/downstairs/internal/logger"
	"github.com/marmos91/downstairs/internal/telemetry"
	"github.com/marmos91/downstairs/pkg/region"
	regerrors "github.com/marmos91/downstairs/pkg/region/errors"
)

// Outcomes passed to Observer.ObserveRepair.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Observer receives repair statistics. pkg/metrics implements it.
type Observer interface {
	ObserveRepair(outcome string, attempts int, duration time.Duration)
	ObserveRepairBytes(n int64)
}

// Options configures a Repairer.
type Options struct {
	// MaxRetries bounds the attempts of RepairExtent. Zero means
	// DefaultMaxRetries.
	MaxRetries int

	Observer Observer
}

// Repairer drives live repairs on one region. The sub-operations Close,
// Repair and Reopen can be issued separately (as the work dispatcher does),
// or all at once through RepairExtent.
type Repairer struct {
	region     *region.Region
	maxRetries int
	observer   Observer

	mu sync.Mutex
	// sourceFlush is the flush number reported by the source of the last
	// successful Repair of each extent.
	sourceFlush map[int]uint64
}

// NewRepairer creates a Repairer for r.
func NewRepairer(r *region.Region, opts Options) *Repairer {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	return &Repairer{
		region:      r,
		maxRetries:  opts.MaxRetries,
		observer:    opts.Observer,
		sourceFlush: make(map[int]uint64),
	}
}

// MaxRetries returns the attempt limit of RepairExtent.
func (rp *Repairer) MaxRetries() int {
	return rp.maxRetries
}

// step moves extent i to the given step after checking the transition.
func (rp *Repairer) step(i int, to region.ExtentState, attempt int) error {
	rec, ok := rp.region.RepairState()
	if !ok || rec.Extent != i {
		return regerrors.NewExtent(regerrors.ErrExtentNotOpen, i, "extent is not under repair")
	}
	if !CanTransition(rec.Step, to) {
		return regerrors.NewExtent(regerrors.ErrInvalidRequest, i, "cannot move from %s to %s", rec.Step, to)
	}
	return rp.region.SetRepairStep(i, to, attempt)
}

func (rp *Repairer) attempt(i int) int {
	rec, ok := rp.region.RepairState()
	if !ok || rec.Extent != i {
		return 1
	}
	return max(rec.Attempt, 1)
}

// Close takes extent i out of service. It waits for in-flight I/O on the
// extent.
func (rp *Repairer) Close(ctx context.Context, i int, source string) error {
	ctx, span := telemetry.StartRepairSpan(ctx, telemetry.SpanRepairClose, i, telemetry.RepairSource(source))
	defer span.End()

	err := rp.region.CloseExtent(ctx, i, source)
	telemetry.RecordError(ctx, err)
	return err
}

// Repair refills closed extent i from src with repair writes and verifies
// the local checksum against the source's. On failure the extent is moved
// back to Closed, ready for another attempt.
func (rp *Repairer) Repair(ctx context.Context, i int, src Source) (err error) {
	attempt := rp.attempt(i)
	ctx, span := telemetry.StartRepairSpan(ctx, telemetry.SpanRepairFetch, i,
		telemetry.RepairSource(src.String()), telemetry.Attempt(attempt))
	defer span.End()

	if err := rp.step(i, region.StateRepairing, attempt); err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}
	defer func() {
		if err != nil {
			telemetry.RecordError(ctx, err)
			rp.fallBack(i, attempt)
		}
	}()

	def := rp.region.Def()
	sdef, err := src.Definition(ctx)
	if err != nil {
		return regerrors.NewRepairFailedError(i, "source %s unavailable: %v", src, err)
	}
	if sdef.BlockSize != def.BlockSize || sdef.ExtentSize != def.ExtentSize {
		return regerrors.NewRepairFailedError(i, "source geometry %d x %d does not match %d x %d",
			sdef.BlockSize, sdef.ExtentSize, def.BlockSize, def.ExtentSize)
	}
	if i >= int(sdef.ExtentCount) {
		return regerrors.NewRepairFailedError(i, "source has only %d extents", sdef.ExtentCount)
	}

	w := newExtentWriter(ctx, rp.region, def, i)
	info, want, err := src.StreamExtent(ctx, i, w)
	if err != nil {
		return regerrors.NewRepairFailedError(i, "stream from %s: %v", src, err)
	}
	if err := w.finish(); err != nil {
		return err
	}
	if rp.observer != nil {
		rp.observer.ObserveRepairBytes(w.written)
	}
	span.SetAttributes(telemetry.Bytes(uint64(w.written)))

	got, err := rp.region.ExtentChecksum(ctx, i)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return regerrors.NewRepairFailedError(i, "checksum %x does not match source %x", got, want)
	}

	rp.mu.Lock()
	rp.sourceFlush[i] = info.FlushNumber
	rp.mu.Unlock()

	logger.Info("extent data repaired",
		logger.KeyExtent, i,
		logger.KeySource, src.String(),
		logger.KeyAttempt, attempt,
		logger.KeyBytes, w.written,
		logger.Checksum(got))
	return nil
}

// Reopen assigns generation to repaired extent i, flushes it alone with the
// newer of the local and source flush numbers, verifies it is clean and
// returns it to service.
func (rp *Repairer) Reopen(ctx context.Context, i int, generation uint64) (err error) {
	ctx, span := telemetry.StartRepairSpan(ctx, telemetry.SpanRepairReopen, i, telemetry.Generation(generation))
	defer span.End()
	defer func() { telemetry.RecordError(ctx, err) }()

	rec, ok := rp.region.RepairState()
	if !ok || rec.Extent != i {
		return regerrors.NewExtent(regerrors.ErrExtentNotOpen, i, "extent is not under repair")
	}
	if generation <= rec.PreGeneration {
		return regerrors.NewRepairFailedError(i, "generation %d must exceed pre-repair generation %d", generation, rec.PreGeneration)
	}

	attempt := max(rec.Attempt, 1)
	if err := rp.step(i, region.StateReopening, attempt); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			rp.fallBack(i, attempt)
		}
	}()

	if err := rp.step(i, region.StateVerifying, attempt); err != nil {
		return err
	}

	local, err := rp.region.ExtentInfo(i)
	if err != nil {
		return err
	}
	rp.mu.Lock()
	flush := max(local.FlushNumber, rp.sourceFlush[i])
	rp.mu.Unlock()

	if err := rp.region.FlushExtent(ctx, i, flush, generation); err != nil {
		return err
	}
	if err := rp.region.ReopenExtent(ctx, i); err != nil {
		return err
	}

	rp.mu.Lock()
	delete(rp.sourceFlush, i)
	rp.mu.Unlock()
	return nil
}

// fallBack returns a failed attempt to Closed and bumps the attempt count.
func (rp *Repairer) fallBack(i, attempt int) {
	if err := rp.step(i, region.StateClosed, attempt+1); err != nil {
		logger.Warn("failed to return extent to closed", logger.KeyExtent, i, logger.KeyError, err)
	}
}

// RepairExtent runs a complete live repair of extent i from src, ending with
// the extent open under generation. Failed attempts restart from Repairing
// up to MaxRetries times. When every attempt fails the extent stays Closed
// and the error is RepairFailed; the caller should treat it as fatal for the
// connection.
func (rp *Repairer) RepairExtent(ctx context.Context, i int, src Source, generation uint64) error {
	start := time.Now()
	ctx, span := telemetry.StartRepairSpan(ctx, telemetry.SpanRepairExtent, i,
		telemetry.RepairSource(src.String()), telemetry.Generation(generation))
	defer span.End()

	info, err := rp.region.ExtentInfo(i)
	if err != nil {
		return err
	}
	if generation <= info.Generation {
		rp.observe(OutcomeFailed, 0, start)
		return regerrors.NewRepairFailedError(i, "generation %d must exceed current generation %d", generation, info.Generation)
	}
	if err := rp.Close(ctx, i, src.String()); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= rp.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			rp.observe(OutcomeFailed, attempt-1, start)
			return err
		}

		err := rp.Repair(ctx, i, src)
		if err == nil {
			err = rp.Reopen(ctx, i, generation)
		}
		if err == nil {
			rp.observe(OutcomeSuccess, attempt, start)
			logger.Info("live repair complete",
				logger.KeyExtent, i,
				logger.KeySource, src.String(),
				logger.KeyGeneration, generation,
				logger.KeyAttempt, attempt,
				logger.KeyDurationMs, logger.Duration(start))
			return nil
		}
		if regerrors.IsFatal(err) {
			return err
		}

		lastErr = err
		logger.Warn("live repair attempt failed",
			logger.KeyExtent, i,
			logger.KeyAttempt, attempt,
			logger.KeyMaxRetries, rp.maxRetries,
			logger.KeyError, err)
	}

	rp.observe(OutcomeFailed, rp.maxRetries, start)
	if regerrors.IsRepairFailedError(lastErr) {
		return fmt.Errorf("extent %d: giving up after %d attempts: %w", i, rp.maxRetries, lastErr)
	}
	return regerrors.NewRepairFailedError(i, "giving up after %d attempts: %v", rp.maxRetries, lastErr)
}

// Retrying wraps a Repairer so that Repair retries failed attempts, as
// RepairExtent does. The work dispatcher uses it to run the repair
// sub-operation against flaky sources.
type Retrying struct {
	*Repairer
}

// Repair runs Repairer.Repair until it succeeds or MaxRetries attempts have
// failed. Errors other than RepairFailed are returned immediately.
func (r Retrying) Repair(ctx context.Context, i int, src Source) error {
	var err error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if err = r.Repairer.Repair(ctx, i, src); err == nil || !regerrors.IsRepairFailedError(err) {
			return err
		}
		logger.Warn("extent repair attempt failed",
			logger.KeyExtent, i,
			logger.KeyAttempt, attempt,
			logger.KeyMaxRetries, r.maxRetries,
			logger.KeyError, err)
	}
	return fmt.Errorf("extent %d: giving up after %d attempts: %w", i, r.maxRetries, err)
}

func (rp *Repairer) observe(outcome string, attempts int, start time.Time) {
	if rp.observer != nil {
		rp.observer.ObserveRepair(outcome, attempts, time.Since(start))
	}
}
