package region

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/marmos91/downstairs/internal/logger"
	regerrors "github.com/marmos91/downstairs/pkg/region/errors"
)

// RepairRecord is persisted as repair.json while a live repair is in
// progress, and after a flush limited to a prefix of the extents. While it
// exists Open does not enforce the cross-extent flush rules. The first
// successful full flush removes it.
type RepairRecord struct {
	// Extent under repair, or NoExtent for a partial-flush marker.
	Extent         int         `json:"extent"`
	Source         string      `json:"source,omitempty"`
	Step           ExtentState `json:"step"`
	Attempt        int         `json:"attempt"`
	StartedAt      time.Time   `json:"started_at"`
	PreGeneration  uint64      `json:"pre_generation"`
	PreFlushNumber uint64      `json:"pre_flush_number"`
	FlushLimit     *uint32     `json:"flush_limit,omitempty"`
}

func loadRepairRecord(dir string) (*RepairRecord, error) {
	data, err := os.ReadFile(filepath.Join(dir, RepairFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, regerrors.NewIOError(regerrors.NoExtent, "read repair record", err)
	}
	var rec RepairRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, regerrors.NewCorruptMetadataError(regerrors.NoExtent, "parse %s: %v", RepairFile, err)
	}
	return &rec, nil
}

// saveRecordLocked writes r.record. Caller holds repairMu.
func (r *Region) saveRecordLocked() error {
	data, err := json.MarshalIndent(r.record, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(r.dir, RepairFile), data); err != nil {
		return regerrors.NewIOError(r.record.Extent, "write repair record", err)
	}
	return nil
}

// clearRepairRecord removes repair.json unless a repair is active.
func (r *Region) clearRepairRecord() error {
	r.repairMu.Lock()
	defer r.repairMu.Unlock()
	if r.record == nil || r.active != regerrors.NoExtent {
		return nil
	}
	if err := removeFileDurable(filepath.Join(r.dir, RepairFile)); err != nil {
		return regerrors.NewIOError(regerrors.NoExtent, "remove repair record", err)
	}
	logger.Info("repair record cleared", logger.KeyPath, r.dir, logger.KeyExtent, r.record.Extent)
	r.record = nil
	return nil
}

// notePartialFlush records that extents past limit may now lag behind.
func (r *Region) notePartialFlush(limit uint32) error {
	r.repairMu.Lock()
	defer r.repairMu.Unlock()
	if r.record != nil {
		return nil
	}
	r.record = &RepairRecord{
		Extent:     regerrors.NoExtent,
		Step:       StateOpen,
		StartedAt:  time.Now().UTC(),
		FlushLimit: &limit,
	}
	return r.saveRecordLocked()
}

// RepairState returns the current repair record, if any.
func (r *Region) RepairState() (RepairRecord, bool) {
	r.repairMu.Lock()
	defer r.repairMu.Unlock()
	if r.record == nil {
		return RepairRecord{}, false
	}
	return *r.record, true
}

// ActiveRepair returns the extent currently out of service, or NoExtent.
func (r *Region) ActiveRepair() int {
	r.repairMu.Lock()
	defer r.repairMu.Unlock()
	return r.active
}

// checkActiveLocked verifies i is the extent under repair. Caller holds
// repairMu.
func (r *Region) checkActiveLocked(i int) error {
	if r.active != i {
		return regerrors.NewExtent(regerrors.ErrExtentNotOpen, i, "extent is not under repair")
	}
	return nil
}

// CloseExtent takes extent i out of service for a live repair. It waits for
// in-flight I/O on the extent, syncs its data file and persists a repair
// record. Only one extent per region may be out of service.
func (r *Region) CloseExtent(ctx context.Context, i int, source string) error {
	if r.opts.ReadOnly {
		return regerrors.NewReadOnlyError("close extent")
	}
	e, err := r.extentAt(i)
	if err != nil {
		return err
	}

	r.repairMu.Lock()
	defer r.repairMu.Unlock()

	switch r.active {
	case regerrors.NoExtent:
	case i:
		return regerrors.NewExtent(regerrors.ErrExtentNotOpen, i, "extent is already closed")
	default:
		return regerrors.NewExtent(regerrors.ErrRepairInProgress, i, "extent %d is already under repair", r.active)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.data.sync(); err != nil {
		return regerrors.NewIOError(i, "sync extent before repair", err)
	}

	prev := r.record
	r.record = &RepairRecord{
		Extent:         i,
		Source:         source,
		Step:           StateClosed,
		Attempt:        1,
		StartedAt:      time.Now().UTC(),
		PreGeneration:  e.gen,
		PreFlushNumber: e.flush,
	}
	if err := r.saveRecordLocked(); err != nil {
		r.record = prev
		return err
	}

	e.state = StateClosed
	e.reopened = make(chan struct{})
	r.active = i

	logger.Info("extent closed for repair",
		logger.KeyExtent, i,
		logger.KeySource, source,
		logger.KeyGeneration, e.gen,
		logger.KeyFlushNumber, e.flush)
	return nil
}

// SetRepairStep moves the extent under repair to step and records the
// attempt number. Reopening to StateOpen goes through ReopenExtent.
func (r *Region) SetRepairStep(i int, step ExtentState, attempt int) error {
	if step == StateOpen {
		return regerrors.NewExtent(regerrors.ErrInvalidRequest, i, "use ReopenExtent to return an extent to service")
	}
	e, err := r.extentAt(i)
	if err != nil {
		return err
	}

	r.repairMu.Lock()
	defer r.repairMu.Unlock()
	if err := r.checkActiveLocked(i); err != nil {
		return err
	}

	e.mu.Lock()
	e.state = step
	e.mu.Unlock()

	r.record.Step = step
	r.record.Attempt = attempt
	return r.saveRecordLocked()
}

// FlushExtent flushes the extent under repair on its own, recording
// flushNumber and generation.
func (r *Region) FlushExtent(ctx context.Context, i int, flushNumber, generation uint64) error {
	e, err := r.extentAt(i)
	if err != nil {
		return err
	}

	r.repairMu.Lock()
	defer r.repairMu.Unlock()
	if err := r.checkActiveLocked(i); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if flushNumber < e.flush {
		return &regerrors.RegionError{
			Code:        regerrors.ErrInvalidFlush,
			Message:     "flush number regresses",
			Extent:      i,
			Generation:  e.gen,
			FlushNumber: e.flush,
		}
	}
	return e.flushLocked(context.WithoutCancel(ctx), flushNumber, generation)
}

// ReopenExtent returns the extent under repair to service after verifying
// that its persisted metadata is clean and that its generation moved past
// the pre-repair generation.
func (r *Region) ReopenExtent(ctx context.Context, i int) error {
	e, err := r.extentAt(i)
	if err != nil {
		return err
	}

	r.repairMu.Lock()
	defer r.repairMu.Unlock()
	if err := r.checkActiveLocked(i); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.reloadLocked(ctx); err != nil {
		return err
	}
	if e.dirty.Any() {
		return regerrors.NewRepairFailedError(i, "extent still has %d dirty blocks after repair flush", e.dirty.Count())
	}
	if e.gen <= r.record.PreGeneration {
		return regerrors.NewRepairFailedError(i, "generation %d did not advance past %d", e.gen, r.record.PreGeneration)
	}

	r.record.Step = StateOpen
	if err := r.saveRecordLocked(); err != nil {
		return err
	}

	e.state = StateOpen
	close(e.reopened)
	r.active = regerrors.NoExtent

	logger.Info("extent reopened after repair",
		logger.KeyExtent, i,
		logger.KeyGeneration, e.gen,
		logger.KeyFlushNumber, e.flush)
	return nil
}

// ExtentData streams the data of open extent i to w and returns its
// metadata and xxh3-128 checksum, taken atomically with the data. Used to
// serve repair sources.
func (r *Region) ExtentData(ctx context.Context, i int, w io.Writer) (ExtentInfo, []byte, error) {
	if _, err := r.extentAt(i); err != nil {
		return ExtentInfo{}, nil, err
	}
	unlock, err := r.lockExtents(ctx, []int{i}, lockOpen)
	if err != nil {
		return ExtentInfo{}, nil, err
	}
	defer unlock()

	e, err := r.extentAt(i)
	if err != nil {
		return ExtentInfo{}, nil, err
	}
	sum, err := e.streamLocked(ctx, w)
	if err != nil {
		return ExtentInfo{}, nil, err
	}
	return e.infoLocked(), sum, nil
}
