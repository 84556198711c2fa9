// Package sync runs MetaSync imports into the catalog, tracks them in the
// import history and schedules them
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pocketbase/pocketbase/core"

	"github.com/desguace/partsync/catalog"
	"github.com/desguace/partsync/correlate"
	"github.com/desguace/partsync/history"
	"github.com/desguace/partsync/metasync"
	"github.com/desguace/partsync/metrics"
)

// Import loop tuning
const (
	DefaultBatchPause      = 300 * time.Millisecond
	DefaultErrorRetryDelay = 5 * time.Second
	MaxBatchErrors         = 10
	DefaultMaxBatches      = 5000

	// a batch at least this large suggests more data upstream
	continuationBatchSize = 100
)

// Stop causes for a running import
var (
	ErrCancelled          = errors.New("import cancelled")
	ErrPaused             = errors.New("import paused")
	ErrTooManyBatchErrors = errors.New("too many batch errors")
)

// ImportOptions controls one import run
type ImportOptions struct {
	Full          bool         `json:"full"`
	FromDate      time.Time    `json:"from_date,omitempty"`
	SkipExisting  bool         `json:"skip_existing"`
	ReconcileMode catalog.Mode `json:"reconcile_mode,omitempty"`
	Resume        bool         `json:"resume"`
}

func (o ImportOptions) toMap() map[string]any {
	m := map[string]any{
		"full":          o.Full,
		"skip_existing": o.SkipExisting,
		"resume":        o.Resume,
	}
	if !o.FromDate.IsZero() {
		m["from_date"] = o.FromDate.UTC().Format(time.RFC3339)
	}
	if o.ReconcileMode != "" {
		m["reconcile_mode"] = string(o.ReconcileMode)
	}
	return m
}

// Deps are the collaborators shared by the import services
type Deps struct {
	App           core.App
	Client        *metasync.Client
	Catalog       *catalog.Store
	History       *history.Store
	Control       *history.SyncControl
	Metrics       *metrics.Recorder
	Correlator    *correlate.Correlator
	ReconcileMode catalog.Mode
}

// BaseImport provides the paging loop, history bookkeeping and watermark
// handling shared by the vehicle and part imports
type BaseImport struct {
	Deps
	Stats           Stats
	SyncSuccessful  bool
	BatchPause      time.Duration
	ErrorRetryDelay time.Duration
	MaxBatches      int

	importType string
	mu         sync.Mutex
	opts       ImportOptions
	runID      string
}

func newBaseImport(importType string, deps Deps) BaseImport {
	if deps.Correlator == nil {
		deps.Correlator = correlate.New(nil)
	}
	return BaseImport{
		Deps:            deps,
		BatchPause:      DefaultBatchPause,
		ErrorRetryDelay: DefaultErrorRetryDelay,
		MaxBatches:      DefaultMaxBatches,
		importType:      importType,
	}
}

// Name returns the import type
func (b *BaseImport) Name() string {
	return b.importType
}

// GetStats returns the stats of the current or last run
func (b *BaseImport) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Stats
}

// SetOptions sets the options for the next Sync call
func (b *BaseImport) SetOptions(opts ImportOptions) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opts = opts
}

// CurrentRunID returns the history id of the current or last run
func (b *BaseImport) CurrentRunID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runID
}

func (b *BaseImport) options() ImportOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opts
}

func (b *BaseImport) reconcileMode(opts ImportOptions) catalog.Mode {
	switch {
	case opts.ReconcileMode != "":
		return opts.ReconcileMode
	case b.ReconcileMode != "":
		return b.ReconcileMode
	default:
		return catalog.ModeDelete
	}
}

// runState is the bookkeeping of one run
type runState struct {
	log         *slog.Logger
	opts        ImportOptions
	run         *history.Run
	cursor      metasync.Cursor
	seen        map[int]bool
	linkRefs    []int
	maxFechaMod time.Time
	processed   int
	total       int
	batches     int
	batchErrors int
	rowErrors   int
	errors      int
	invalid     int
	deactivated int
	truncated   bool
}

// reconcileEligible is true only for complete full listings
func (st *runState) reconcileEligible() bool {
	return st.opts.Full && !st.opts.Resume && !st.truncated
}

func (st *runState) observeFechaMod(t time.Time) {
	if t.After(st.maxFechaMod) {
		st.maxFechaMod = t
	}
}

type (
	fetchFunc func(ctx context.Context, cursor metasync.Cursor) (*metasync.Page, error)
	batchFunc func(ctx context.Context, page *metasync.Page, st *runState) (catalog.WriteResult, error)
	postFunc  func(ctx context.Context, st *runState) error
)

// run executes one import: history row, paging loop, post steps, watermark
func (b *BaseImport) run(ctx context.Context, fetch fetchFunc, handle batchFunc, post postFunc) error {
	opts := b.options()
	startTime := time.Now()

	b.mu.Lock()
	b.Stats = Stats{}
	b.SyncSuccessful = false
	b.mu.Unlock()

	run, err := b.History.Start(ctx, b.importType, opts.Full, opts.toMap())
	if err != nil {
		return fmt.Errorf("starting %s import: %w", b.importType, err)
	}
	b.mu.Lock()
	b.runID = run.ID
	b.mu.Unlock()

	log := slog.With("type", b.importType, "run_id", run.RunID)
	b.Metrics.RunStarted(b.importType)
	log.Info("Starting import", "full", opts.Full, "resume", opts.Resume)

	st, err := b.initialState(ctx, opts, run, log)
	if err == nil {
		err = b.loop(ctx, st, fetch, handle)
	}

	// the run context may be cancelled by now
	finishCtx := context.WithoutCancel(ctx)

	if err == nil {
		perr := post(ctx, st)
		switch {
		case ctx.Err() != nil:
			err = stopError(ctx)
		case perr != nil:
			b.recordError(finishCtx, st, fmt.Sprintf("post-import: %v", perr))
		}
	}

	var status history.Status
	switch {
	case err == nil:
		if st.rowErrors == 0 && !st.truncated {
			if cerr := b.Control.Complete(finishCtx, b.importType, st.maxFechaMod); cerr != nil {
				b.recordError(finishCtx, st, fmt.Sprintf("saving watermark: %v", cerr))
			}
		}
		status = history.FinalStatus(st.errors, false)
		b.mu.Lock()
		b.SyncSuccessful = true
		b.mu.Unlock()
	case errors.Is(err, ErrPaused):
		status = history.StatusPaused
	case errors.Is(err, ErrCancelled):
		status = history.StatusCancelled
	default:
		status = history.StatusFailed
		if st != nil {
			b.recordError(finishCtx, st, err.Error())
		}
	}

	b.mu.Lock()
	b.Stats.Duration = int(time.Since(startTime).Seconds())
	stats := b.Stats
	b.mu.Unlock()

	details := map[string]any{"duration": stats.Duration}
	if st != nil {
		details["batches"] = st.batches
		details["invalid"] = st.invalid
		details["pending"] = stats.Pending
		details["truncated"] = st.truncated
		if err := b.History.Progress(finishCtx, run.ID, history.Counts{
			Total:       st.total,
			Processed:   st.processed,
			New:         stats.Created,
			Updated:     stats.Updated,
			Deactivated: st.deactivated,
		}, ""); err != nil {
			log.Warn("Failed to store final counters", "error", err)
		}
	}
	if ferr := b.History.Finish(finishCtx, run.ID, status, details); ferr != nil {
		log.Error("Failed to finish import history", "error", ferr)
	}
	b.Metrics.RunFinished(b.importType, string(status))

	log.Info("Import finished", "status", status,
		"created", stats.Created, "updated", stats.Updated, "skipped", stats.Skipped,
		"pending", stats.Pending, "errors", stats.Errors, "duration_seconds", stats.Duration)

	return err
}

func (b *BaseImport) initialState(ctx context.Context, opts ImportOptions, run *history.Run, log *slog.Logger) (*runState, error) {
	st := &runState{log: log, opts: opts, run: run, seen: make(map[int]bool)}

	wm, err := b.Control.Get(ctx, b.importType)
	if err != nil {
		return st, fmt.Errorf("loading watermark: %w", err)
	}
	if !opts.Full {
		st.cursor.Since = wm.LastSyncDate
	}
	if !opts.FromDate.IsZero() {
		st.cursor.Since = opts.FromDate
	}
	if opts.Resume {
		st.cursor.LastID = wm.LastID
		st.processed = wm.RecordsProcessed
	}
	return st, nil
}

func (b *BaseImport) loop(ctx context.Context, st *runState, fetch fetchFunc, handle batchFunc) error {
	for st.batches < b.MaxBatches {
		if ctx.Err() != nil {
			return stopError(ctx)
		}
		batchStart := time.Now()

		page, err := fetch(ctx, st.cursor)
		var res catalog.WriteResult
		if err == nil {
			res, err = handle(ctx, page, st)
		}
		if err != nil {
			if ctx.Err() != nil {
				return stopError(ctx)
			}
			st.batchErrors++
			b.recordError(ctx, st, fmt.Sprintf("batch %d (lastId %d): %v", st.batches+1, st.cursor.LastID, err))
			if st.batchErrors > MaxBatchErrors {
				return fmt.Errorf("%w: %d", ErrTooManyBatchErrors, st.batchErrors)
			}
			if sleepContext(ctx, b.ErrorRetryDelay) != nil {
				return stopError(ctx)
			}
			continue
		}

		st.batches++
		st.processed += len(page.Items)
		if page.Total > 0 {
			st.total = page.Total
		}
		for _, msg := range res.Errors {
			st.rowErrors++
			b.recordError(ctx, st, msg)
		}
		b.addStats(res)
		b.Metrics.ObserveBatch(b.importType, time.Since(batchStart))

		if err := b.History.Progress(ctx, st.run.ID, history.Counts{
			Total:     st.total,
			Processed: st.processed,
			New:       b.GetStats().Created,
			Updated:   b.GetStats().Updated,
		}, fmt.Sprintf("Batch %d", st.batches)); err != nil {
			st.log.Warn("Failed to store progress", "error", err)
		}

		more := shouldContinue(st.opts.Full, page, st.processed, b.Client.PageSize())
		if more && page.LastID == st.cursor.LastID {
			st.log.Warn("Cursor did not advance, stopping", "last_id", page.LastID)
			more = false
		}
		st.cursor.LastID = page.LastID
		if err := b.Control.SaveCursor(ctx, b.importType, st.cursor.LastID, st.processed); err != nil {
			st.log.Warn("Failed to save cursor", "error", err)
		}

		if !more {
			return nil
		}
		if sleepContext(ctx, b.BatchPause) != nil {
			return stopError(ctx)
		}
	}

	st.truncated = true
	st.log.Warn("Batch limit reached", "max_batches", b.MaxBatches)
	return nil
}

// shouldContinue decides whether another page should be requested
func shouldContinue(full bool, page *metasync.Page, processed, pageSize int) bool {
	batch := len(page.Items)
	if batch == 0 {
		return false
	}
	flag := page.HasMore != nil && *page.HasMore

	if full {
		if page.Total > 0 && processed >= page.Total {
			return false
		}
		return flag || processed < page.Total || batch >= continuationBatchSize
	}

	if page.HasMore == nil && page.Total == 0 {
		return batch == pageSize
	}
	processedAll := page.Total > 0 && processed >= page.Total
	return !processedAll && (flag || (processed < page.Total && batch >= continuationBatchSize))
}

func (b *BaseImport) addStats(res catalog.WriteResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Stats.Created += res.Created
	b.Stats.Updated += res.Updated
	b.Stats.Skipped += res.Skipped
	b.Stats.Pending += res.Pending
}

func (b *BaseImport) recordError(ctx context.Context, st *runState, msg string) {
	st.errors++
	b.mu.Lock()
	b.Stats.Errors++
	b.mu.Unlock()
	st.log.Warn("Import error", "error", msg)
	if err := b.History.AppendError(ctx, st.run.ID, msg); err != nil {
		st.log.Warn("Failed to store import error", "error", err)
	}
}

// reconcile runs the reconciler for kind when the run saw a complete listing
func (b *BaseImport) reconcile(ctx context.Context, st *runState, kind catalog.Kind) {
	if !st.reconcileEligible() {
		return
	}
	res, err := b.Catalog.Reconcile(ctx, kind, st.seen, b.reconcileMode(st.opts))
	st.deactivated += res.Applied
	b.mu.Lock()
	b.Stats.Deleted += res.Applied
	b.mu.Unlock()
	if err != nil {
		b.recordError(ctx, st, fmt.Sprintf("reconcile %s: %v", kind, err))
	}
	if err := b.History.SetDetails(ctx, st.run.ID, map[string]any{"reconcile_" + string(kind): res}); err != nil {
		st.log.Warn("Failed to store reconcile result", "error", err)
	}
}

func stopError(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrPaused):
		return ErrPaused
	case errors.Is(cause, ErrCancelled):
		return ErrCancelled
	default:
		return fmt.Errorf("import interrupted: %w", cause)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
