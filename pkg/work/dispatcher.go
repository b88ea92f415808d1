// Package work implements the per-connection job dispatcher. Jobs arrive
// with strictly increasing IDs; each job depends only on earlier jobs, so
// the dependency graph is acyclic by construction. Jobs whose dependencies
// are all terminal run concurrently on a bounded pool of workers.
//
// Ordering rules:
//   - a read depends on earlier incomplete writes overlapping its blocks
//   - a write depends on earlier incomplete reads and writes overlapping its
//     blocks
//   - a flush depends on every earlier incomplete job, and every later job
//     depends on an incomplete flush, with the one exception below
//   - an extent close depends on every earlier incomplete job touching the
//     extent
//   - extent repair and reopen depend on the previous repair sub-operation
//     for the same extent
//
// Jobs touching an extent submitted after its close are held until the
// matching reopen succeeds, and that includes flushes covering the extent.
// Repair and reopen of the closed extent are the one exception to the flush
// barrier: they do not wait for a flush held behind that extent, because the
// flush cannot complete until the reopen does. They still wait for any
// earlier flush that is not held.
package work

import (
	"context"
	"errors"
	"os"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/marmos91/downstairs/internal/logger"
	"github.com/marmos91/downstairs/internal/telemetry"
	"github.com/marmos91/downstairs/pkg/region"
	regerrors "github.com/marmos91/downstairs/pkg/region/errors"
	"github.com/marmos91/downstairs/pkg/repair"
)

// Region is the storage a dispatcher executes jobs against.
type Region interface {
	Def() region.Definition
	Read(ctx context.Context, br region.BlockRange) ([]byte, error)
	Write(ctx context.Context, start uint64, data []byte, isRepair bool) error
	Flush(ctx context.Context, flushNumber, generation uint64, extentLimit *uint32) error
}

// Repairer executes live-repair sub-operations. *repair.Repairer
// implements it.
type Repairer interface {
	Close(ctx context.Context, i int, source string) error
	Repair(ctx context.Context, i int, src repair.Source) error
	Reopen(ctx context.Context, i int, generation uint64) error
}

// Observer receives job statistics. pkg/metrics implements it.
type Observer interface {
	JobSubmitted(kind Kind)
	JobFinished(kind Kind, state State, duration time.Duration)
}

// FatalHandler is called when a flush fails with a fatal I/O error. It is
// expected not to return.
type FatalHandler func(err error)

// Options configures a Dispatcher.
type Options struct {
	// Workers bounds concurrently executing jobs. Zero means
	// runtime.NumCPU()*2.
	Workers int

	// Repairer executes repair sub-operations. Without one they fail with
	// InvalidRequest.
	Repairer Repairer

	// Lossy randomly delays jobs and skips dispatch passes.
	Lossy bool

	// ReturnErrors makes a share (ErrorRate) of reads and writes fail with a
	// synthetic IoFailure.
	ReturnErrors bool
	ErrorRate    float64

	// Fatal handles flush I/O failures. Defaults to DefaultFatalHandler.
	Fatal FatalHandler

	Observer Observer

	// ResultBuffer is the capacity of the Results channel. Defaults to 64.
	ResultBuffer int
}

// DefaultFatalHandler logs err with the extent and its last known
// generation and flush number, then exits the process.
func DefaultFatalHandler(err error) {
	args := []any{logger.KeyError, err.Error()}
	var re *regerrors.RegionError
	if errors.As(err, &re) {
		args = append(args,
			logger.KeyExtent, re.Extent,
			logger.KeyGeneration, re.Generation,
			logger.KeyFlushNumber, re.FlushNumber)
	}
	logger.Error("flush failed, durability can no longer be guaranteed; exiting", args...)
	os.Exit(1)
}

// Dispatcher orders and executes the jobs of one connection.
type Dispatcher struct {
	region   Region
	repairer Repairer
	fatal    FatalHandler
	observer Observer
	faults   faults

	baseCtx context.Context
	cancel  context.CancelFunc

	sem     chan struct{}
	wg      sync.WaitGroup
	closing chan struct{}

	mu     sync.Mutex
	jobs   map[uint64]*job
	order  []*job // outstanding jobs in ID order
	held   map[int]uint64
	lastID uint64
	haveID bool
	closed bool
	retry  *time.Timer

	// Result delivery.
	pending     []Result
	finished    bool
	notify      chan struct{}
	results     chan Result
	stop        chan struct{}
	forwardDone chan struct{}
}

// New creates a dispatcher executing jobs against r.
func New(r Region, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU() * 2
	}
	if opts.Fatal == nil {
		opts.Fatal = DefaultFatalHandler
	}
	if opts.ResultBuffer <= 0 {
		opts.ResultBuffer = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		region:      r,
		repairer:    opts.Repairer,
		fatal:       opts.Fatal,
		observer:    opts.Observer,
		faults:      newFaults(opts),
		baseCtx:     ctx,
		cancel:      cancel,
		sem:         make(chan struct{}, opts.Workers),
		closing:     make(chan struct{}),
		jobs:        make(map[uint64]*job),
		held:        make(map[int]uint64),
		notify:      make(chan struct{}, 1),
		results:     make(chan Result, opts.ResultBuffer),
		stop:        make(chan struct{}),
		forwardDone: make(chan struct{}),
	}
	go d.forward()

	logger.Debug("dispatcher started",
		logger.KeyWorkers, opts.Workers,
		"lossy", opts.Lossy,
		"return_errors", opts.ReturnErrors)
	return d
}

// Results delivers one Result per submitted job. It is closed after Close
// returns.
func (d *Dispatcher) Results() <-chan Result {
	return d.results
}

// Outstanding returns the number of jobs not yet terminal.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

// Submit adds a job. IDs must be strictly increasing per dispatcher. The
// log context of ctx is carried into the job; its cancellation is not.
func (d *Dispatcher) Submit(ctx context.Context, id uint64, op Op) error {
	if op == nil {
		return regerrors.New(regerrors.ErrInvalidRequest, "job %d has no operation", id)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return regerrors.New(regerrors.ErrClosed, "dispatcher is closed")
	}
	if d.haveID && id <= d.lastID {
		return regerrors.New(regerrors.ErrInvalidRequest, "job id %d is not above previous id %d", id, d.lastID)
	}

	kind := op.Kind()
	j := &job{
		id:        id,
		op:        op,
		ctx:       logger.WithContext(d.baseCtx, logger.FromContext(ctx).WithJob(id, kind.String())),
		state:     StateNew,
		submitted: time.Now(),
	}
	if err := j.footprint(d.region.Def()); err != nil {
		// A rejected job still consumes its ID.
		d.lastID, d.haveID = id, true
		return err
	}
	j.deps = d.dependencies(j)
	j.holds = d.holdsFor(j)
	if c, ok := op.(ExtentClose); ok {
		d.held[c.Extent] = id
	}

	d.jobs[id] = j
	d.order = append(d.order, j)
	d.lastID, d.haveID = id, true

	if d.observer != nil {
		d.observer.JobSubmitted(kind)
	}
	logger.DebugCtx(j.ctx, "job submitted", logger.KeyDeps, j.deps)

	d.schedule()
	return nil
}

// dependencies returns the outstanding jobs j must wait for, in ID order.
// Caller holds mu.
func (d *Dispatcher) dependencies(j *job) []uint64 {
	var deps []uint64
	for _, o := range d.order {
		if dependsOn(j, o) {
			deps = append(deps, o.id)
		}
	}
	return deps
}

// dependsOn reports whether j, submitted after o, must wait for o.
func dependsOn(j, o *job) bool {
	switch j.op.Kind() {
	case KindFlush:
		return true

	case KindExtentClose:
		return o.isFlush() || o.touches(j.extents[0])

	case KindExtentRepair, KindExtentReopen:
		e := j.extents[0]
		if oe, ok := repairExtent(o.op); ok && oe == e {
			return true
		}
		// Flushes touching e are held behind this repair.
		return o.isFlush() && !o.touches(e)

	case KindRead:
		if o.isFlush() {
			return true
		}
		return o.op.Kind() == KindWrite && j.blocks.Overlaps(o.blocks)

	case KindWrite:
		if o.isFlush() {
			return true
		}
		k := o.op.Kind()
		return (k == KindWrite || k == KindRead) && j.blocks.Overlaps(o.blocks)
	}
	return false
}

// holdsFor returns the closed extents j must wait on. Caller holds mu.
func (d *Dispatcher) holdsFor(j *job) map[int]uint64 {
	if k := j.op.Kind(); k == KindExtentRepair || k == KindExtentReopen {
		return nil
	}
	var holds map[int]uint64
	for e, closeID := range d.held {
		if j.touches(e) {
			if holds == nil {
				holds = make(map[int]uint64)
			}
			holds[e] = closeID
		}
	}
	return holds
}

// runnable reports whether every dependency and hold of j is released.
// Caller holds mu.
func (d *Dispatcher) runnable(j *job) bool {
	for _, dep := range j.deps {
		if _, ok := d.jobs[dep]; ok {
			return false
		}
	}
	for e, closeID := range j.holds {
		if d.held[e] == closeID {
			return false
		}
	}
	return true
}

// schedule launches every runnable New job. Caller holds mu.
func (d *Dispatcher) schedule() {
	if d.closed {
		return
	}
	skipped := false
	for _, j := range d.order {
		if j.state != StateNew || !d.runnable(j) {
			continue
		}
		if d.faults.skip() {
			skipped = true
			continue
		}
		j.state = StateReady
		d.launch(j)
	}
	if skipped && d.retry == nil {
		d.retry = time.AfterFunc(lossyRetryWait, func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			d.retry = nil
			d.schedule()
		})
	}
}

// launch starts a goroutine that waits for a worker slot and runs j.
// Caller holds mu.
func (d *Dispatcher) launch(j *job) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		if delay := d.faults.delay(); delay > 0 {
			select {
			case <-time.After(delay):
			case <-d.closing:
				d.finish(j, nil, nil, StateAborted)
				return
			}
		}

		select {
		case d.sem <- struct{}{}:
		case <-d.closing:
			d.finish(j, nil, nil, StateAborted)
			return
		}
		defer func() { <-d.sem }()

		if !d.start(j) {
			d.finish(j, nil, nil, StateAborted)
			return
		}

		ctx, span := telemetry.StartJobSpan(j.ctx, j.op.Kind().String(), j.id)
		data, err := d.execute(ctx, j)
		telemetry.RecordError(ctx, err)
		span.End()

		state := StateComplete
		if err != nil {
			state = StateError
		}
		d.finish(j, data, err, state)
	}()
}

// start moves j to InProgress unless the dispatcher is closing.
func (d *Dispatcher) start(j *job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	j.state = StateInProgress
	return true
}

func (d *Dispatcher) execute(ctx context.Context, j *job) ([]byte, error) {
	if err := d.faults.fail(j.op.Kind()); err != nil {
		return nil, err
	}

	switch o := j.op.(type) {
	case Read:
		return d.region.Read(ctx, o.Range)

	case Write:
		return nil, d.region.Write(ctx, o.Start, o.Data, false)

	case Flush:
		err := d.region.Flush(ctx, o.FlushNumber, o.Generation, o.ExtentLimit)
		if regerrors.IsFatal(err) {
			d.fatal(err)
		}
		return nil, err

	case ExtentClose:
		if d.repairer == nil {
			return nil, errNoRepairer(j.id)
		}
		return nil, d.repairer.Close(ctx, o.Extent, o.Source)

	case ExtentRepair:
		if d.repairer == nil {
			return nil, errNoRepairer(j.id)
		}
		if o.Source == nil {
			return nil, regerrors.NewExtent(regerrors.ErrInvalidRequest, o.Extent, "repair job %d has no source", j.id)
		}
		return nil, d.repairer.Repair(ctx, o.Extent, o.Source)

	case ExtentReopen:
		if d.repairer == nil {
			return nil, errNoRepairer(j.id)
		}
		return nil, d.repairer.Reopen(ctx, o.Extent, o.Generation)
	}
	return nil, regerrors.New(regerrors.ErrInvalidRequest, "job %d has unknown operation %T", j.id, j.op)
}

func errNoRepairer(id uint64) error {
	return regerrors.New(regerrors.ErrInvalidRequest, "job %d: live repair is not enabled", id)
}

// finish records the outcome of j, releases what it held and schedules
// newly runnable jobs.
func (d *Dispatcher) finish(j *job, data []byte, err error, state State) {
	elapsed := time.Since(j.submitted)

	d.mu.Lock()
	d.retire(j, state)
	switch o := j.op.(type) {
	case ExtentClose:
		if state != StateComplete && d.held[o.Extent] == j.id {
			delete(d.held, o.Extent)
		}
	case ExtentReopen:
		if state == StateComplete {
			delete(d.held, o.Extent)
		}
	}
	d.pending = append(d.pending, Result{
		ID:       j.id,
		Kind:     j.op.Kind(),
		State:    state,
		Data:     data,
		Err:      err,
		Duration: elapsed,
	})
	d.schedule()
	d.mu.Unlock()

	d.signal()

	if d.observer != nil {
		d.observer.JobFinished(j.op.Kind(), state, elapsed)
	}
	if err != nil {
		logger.WarnCtx(j.ctx, "job failed", logger.KeyState, state.String(), logger.KeyError, err)
	} else {
		logger.DebugCtx(j.ctx, "job finished", logger.KeyState, state.String(), logger.KeyDurationMs, float64(elapsed.Microseconds())/1000.0)
	}
}

// retire removes j from the graph. Caller holds mu.
func (d *Dispatcher) retire(j *job, state State) {
	j.state = state
	delete(d.jobs, j.id)
	d.order = slices.DeleteFunc(d.order, func(o *job) bool { return o == j })
}

func (d *Dispatcher) signal() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// forward moves results from pending to the Results channel so that job
// completion never blocks on the consumer.
func (d *Dispatcher) forward() {
	defer close(d.forwardDone)
	defer close(d.results)

	for {
		d.mu.Lock()
		batch := d.pending
		d.pending = nil
		finished := d.finished
		d.mu.Unlock()

		for _, r := range batch {
			select {
			case d.results <- r:
			case <-d.stop:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if finished {
			return
		}
		select {
		case <-d.notify:
		case <-d.stop:
			return
		}
	}
}

// Close stops accepting jobs, aborts jobs that have not started and waits
// for running jobs to finish. Running jobs are not interrupted unless ctx
// expires first, in which case their contexts are cancelled and undelivered
// results are dropped.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.forwardDone
		return nil
	}
	d.closed = true
	close(d.closing)
	if d.retry != nil {
		d.retry.Stop()
		d.retry = nil
	}

	aborted := 0
	for _, j := range slices.Clone(d.order) {
		if j.state != StateNew {
			continue
		}
		d.retire(j, StateAborted)
		d.pending = append(d.pending, Result{ID: j.id, Kind: j.op.Kind(), State: StateAborted, Duration: time.Since(j.submitted)})
		if d.observer != nil {
			d.observer.JobFinished(j.op.Kind(), StateAborted, time.Since(j.submitted))
		}
		aborted++
	}
	d.mu.Unlock()
	d.signal()

	logger.Debug("dispatcher closing", "aborted", aborted)

	var ctxErr error
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		ctxErr = ctx.Err()
		d.cancel()
		<-done
	}

	d.mu.Lock()
	d.finished = true
	d.mu.Unlock()
	d.signal()

	select {
	case <-d.forwardDone:
	case <-ctx.Done():
		ctxErr = ctx.Err()
		close(d.stop)
		<-d.forwardDone
	}
	d.cancel()
	return ctxErr
}
