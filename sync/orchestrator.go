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
	"github.com/desguace/partsync/config"
	"github.com/desguace/partsync/correlate"
	"github.com/desguace/partsync/google"
	"github.com/desguace/partsync/history"
	"github.com/desguace/partsync/metasync"
	"github.com/desguace/partsync/metrics"
	"github.com/desguace/partsync/ratelimit"
)

const (
	statusRunning   = "running"
	statusSuccess   = "success"
	statusFailed    = "failed"
	statusPaused    = "paused"
	statusCancelled = "cancelled"

	// DefaultRunTimeout bounds a single import
	DefaultRunTimeout = 2 * time.Hour
)

// ErrAlreadyRunning is returned when an import of the same type is running
var ErrAlreadyRunning = errors.New("sync already in progress")

// Service defines the interface for import services
type Service interface {
	Sync(ctx context.Context) error
	Name() string
	GetStats() Stats
}

// configurable services accept options before each run
type configurable interface {
	SetOptions(ImportOptions)
}

// tracked services expose their import_history row
type tracked interface {
	CurrentRunID() string
}

// Status represents the status of an import
type Status struct {
	Type      string        `json:"type"`
	Status    string        `json:"status"`
	StartTime time.Time     `json:"start_time"`
	EndTime   *time.Time    `json:"end_time,omitempty"`
	Error     string        `json:"error,omitempty"`
	Summary   Stats         `json:"summary"`
	HistoryID string        `json:"history_id,omitempty"`
	Options   ImportOptions `json:"options"`
}

// Stats holds statistics for an import
type Stats struct {
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted,omitempty"`
	Skipped  int `json:"skipped"`
	Pending  int `json:"pending,omitempty"`
	Errors   int `json:"errors"`
	Duration int `json:"duration"` // seconds
}

// Orchestrator manages import execution
type Orchestrator struct {
	app                 core.App
	services            map[string]Service
	mu                  sync.RWMutex
	runningJobs         map[string]*Status
	lastCompletedStatus map[string]*Status
	cancels             map[string]context.CancelCauseFunc
	jobSpacing          time.Duration
	runTimeout          time.Duration
	sequenceRunning     bool
	sequenceQueue       []string

	client  *metasync.Client
	catalog *catalog.Store
	history *history.Store
	metrics *metrics.Recorder
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(app core.App) *Orchestrator {
	return &Orchestrator{
		app:                 app,
		services:            make(map[string]Service),
		runningJobs:         make(map[string]*Status),
		lastCompletedStatus: make(map[string]*Status),
		cancels:             make(map[string]context.CancelCauseFunc),
		jobSpacing:          2 * time.Second,
		runTimeout:          DefaultRunTimeout,
		history:             history.NewStore(app),
		metrics:             metrics.New(),
	}
}

// RegisterService registers an import service
func (o *Orchestrator) RegisterService(name string, service Service) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.services[name] = service
	slog.Info("Registered import service", "name", name)
}

// HasService reports whether name is registered
func (o *Orchestrator) HasService(name string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.services[name]
	return ok
}

// IsRunning checks if an import type is currently running
func (o *Orchestrator) IsRunning(syncType string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	status, exists := o.runningJobs[syncType]
	return exists && status.Status == statusRunning
}

// GetRunningJobs returns all currently running imports
func (o *Orchestrator) GetRunningJobs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var running []string
	for name, status := range o.runningJobs {
		if status.Status == statusRunning {
			running = append(running, name)
		}
	}
	return running
}

// IsBusy reports whether any import or sequence is running
func (o *Orchestrator) IsBusy() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sequenceRunning || len(o.runningJobs) > 0
}

// IsSequenceRunning returns whether a vehicles+parts sequence is in progress
func (o *Orchestrator) IsSequenceRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sequenceRunning
}

// RunSingleSync starts an import with default options
func (o *Orchestrator) RunSingleSync(ctx context.Context, syncType string) error {
	return o.RunImport(ctx, syncType, ImportOptions{})
}

// RunImport starts an import in the background. The run gets its own
// context so an HTTP request ending does not cancel it.
func (o *Orchestrator) RunImport(_ context.Context, syncType string, opts ImportOptions) error {
	service, status, runCtx, done, err := o.begin(context.Background(), syncType, opts)
	if err != nil {
		return err
	}

	go func() {
		defer done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Import panicked", "syncType", syncType, "panic", r)
				o.complete(syncType, status, service, fmt.Errorf("panic: %v", r))
			}
		}()
		o.complete(syncType, status, service, service.Sync(runCtx))
	}()

	return nil
}

// RunImportAndWait runs an import in the caller's goroutine
func (o *Orchestrator) RunImportAndWait(ctx context.Context, syncType string, opts ImportOptions) (*Status, error) {
	service, status, runCtx, done, err := o.begin(ctx, syncType, opts)
	if err != nil {
		return nil, err
	}
	defer done()

	err = service.Sync(runCtx)
	o.complete(syncType, status, service, err)
	return o.GetStatus(syncType), err
}

// begin registers a running status and returns the run context
func (o *Orchestrator) begin(parent context.Context, syncType string, opts ImportOptions) (Service, *Status, context.Context, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	service, exists := o.services[syncType]
	if !exists {
		return nil, nil, nil, nil, fmt.Errorf("import service not found: %s", syncType)
	}
	if s, ok := o.runningJobs[syncType]; ok && s.Status == statusRunning {
		return nil, nil, nil, nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, syncType)
	}

	if c, ok := service.(configurable); ok {
		c.SetOptions(opts)
	}

	status := &Status{
		Type:      syncType,
		Status:    statusRunning,
		StartTime: time.Now(),
		Options:   opts,
	}
	o.runningJobs[syncType] = status

	causeCtx, cancelCause := context.WithCancelCause(parent)
	runCtx, cancelTimeout := context.WithTimeout(causeCtx, o.runTimeout)
	o.cancels[syncType] = cancelCause

	done := func() {
		cancelTimeout()
		cancelCause(nil)
	}
	return service, status, runCtx, done, nil
}

// complete records the outcome of a run
func (o *Orchestrator) complete(syncType string, status *Status, service Service, err error) {
	endTime := time.Now()
	stats := service.GetStats()
	stats.Duration = int(endTime.Sub(status.StartTime).Seconds())

	o.mu.Lock()
	defer o.mu.Unlock()

	status.EndTime = &endTime
	status.Summary = stats
	if t, ok := service.(tracked); ok {
		status.HistoryID = t.CurrentRunID()
	}

	switch {
	case err == nil:
		status.Status = statusSuccess
		slog.Info("Import completed successfully", "syncType", syncType)
	case errors.Is(err, ErrPaused):
		status.Status = statusPaused
		slog.Info("Import paused", "syncType", syncType)
	case errors.Is(err, ErrCancelled):
		status.Status = statusCancelled
		slog.Info("Import cancelled", "syncType", syncType)
	default:
		status.Status = statusFailed
		status.Error = err.Error()
		slog.Error("Import failed", "syncType", syncType, "error", err)
	}

	o.lastCompletedStatus[syncType] = status
	delete(o.runningJobs, syncType)
	delete(o.cancels, syncType)
}

// Cancel stops a running import; its history row becomes cancelled
func (o *Orchestrator) Cancel(syncType string) error {
	return o.stop(syncType, ErrCancelled)
}

// Pause stops a running import; its history row can be resumed
func (o *Orchestrator) Pause(syncType string) error {
	return o.stop(syncType, ErrPaused)
}

func (o *Orchestrator) stop(syncType string, cause error) error {
	o.mu.RLock()
	cancel, ok := o.cancels[syncType]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no import running: %s", syncType)
	}
	cancel(cause)
	return nil
}

// RunningTypeForHistory returns the running import writing historyID
func (o *Orchestrator) RunningTypeForHistory(historyID string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for name := range o.runningJobs {
		if t, ok := o.services[name].(tracked); ok && t.CurrentRunID() == historyID {
			return name, true
		}
	}
	return "", false
}

// SequenceTypes returns the import order of a full sequence
func (o *Orchestrator) SequenceTypes() []string {
	jobs := []string{history.TypeVehicles, history.TypeParts}
	if o.HasService(serviceNameGoogleSheets) {
		jobs = append(jobs, serviceNameGoogleSheets)
	}
	return jobs
}

// RunSequence runs vehicles then parts (then the export when registered),
// waiting for each. A failed step does not stop the sequence.
func (o *Orchestrator) RunSequence(ctx context.Context, opts ImportOptions) error {
	orderedJobs := o.SequenceTypes()

	o.mu.Lock()
	if o.sequenceRunning {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, history.TypeAll)
	}
	o.sequenceRunning = true
	o.sequenceQueue = orderedJobs
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.sequenceRunning = false
		o.sequenceQueue = nil
		o.mu.Unlock()
	}()

	slog.Info("Starting import sequence", "jobs", orderedJobs, "full", opts.Full)

	var failed []string
	for i, jobName := range orderedJobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i > 0 {
			if err := sleepContext(ctx, o.jobSpacing); err != nil {
				return err
			}
		}

		slog.Info("Sequence: starting import", "service", jobName, "progress", fmt.Sprintf("%d/%d", i+1, len(orderedJobs)))
		if err := o.runSyncAndWait(ctx, jobName, opts); err != nil {
			slog.Error("Sequence: import failed", "service", jobName, "error", err)
			failed = append(failed, jobName)
			if errors.Is(err, ErrPaused) || errors.Is(err, ErrCancelled) {
				return err
			}
		}
	}

	slog.Info("Import sequence completed", "failed", failed)
	if len(failed) > 0 {
		return fmt.Errorf("sequence finished with failures: %v", failed)
	}
	return nil
}

// runSyncAndWait runs an import and waits for it to complete
func (o *Orchestrator) runSyncAndWait(ctx context.Context, syncType string, opts ImportOptions) error {
	if err := o.RunImport(ctx, syncType, opts); err != nil {
		return err
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if o.IsRunning(syncType) {
				continue
			}
			o.mu.RLock()
			status := o.lastCompletedStatus[syncType]
			o.mu.RUnlock()

			if status == nil {
				return nil
			}
			switch status.Status {
			case statusFailed:
				return fmt.Errorf("%s", status.Error)
			case statusPaused:
				return ErrPaused
			case statusCancelled:
				return ErrCancelled
			}
			return nil
		}
	}
}

// GetStatus returns a copy of the running, queued or last completed status
func (o *Orchestrator) GetStatus(syncType string) *Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if status, exists := o.runningJobs[syncType]; exists {
		statusCopy := *status
		return &statusCopy
	}

	if o.sequenceRunning {
		for _, queued := range o.sequenceQueue {
			if queued != syncType {
				continue
			}
			if status, exists := o.lastCompletedStatus[syncType]; exists && status.EndTime != nil &&
				time.Since(*status.EndTime) < time.Hour {
				statusCopy := *status
				return &statusCopy
			}
			return &Status{Type: syncType, Status: "pending"}
		}
	}

	if status, exists := o.lastCompletedStatus[syncType]; exists {
		statusCopy := *status
		return &statusCopy
	}
	return nil
}

// SetJobSpacing sets the time to wait between imports in a sequence
func (o *Orchestrator) SetJobSpacing(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobSpacing = d
}

// Client returns the MetaSync client, nil before initialization
func (o *Orchestrator) Client() *metasync.Client { return o.client }

// Catalog returns the catalog store, nil before initialization
func (o *Orchestrator) Catalog() *catalog.Store { return o.catalog }

// History returns the import history store
func (o *Orchestrator) History() *history.Store { return o.history }

// Metrics returns the metrics recorder
func (o *Orchestrator) Metrics() *metrics.Recorder { return o.metrics }

// InitializeImportServices creates the MetaSync client and registers the
// import services. Credentials from an active api_config row win over env.
func (o *Orchestrator) InitializeImportServices(cfg *config.Config) error {
	msCfg, fromDB, err := ResolveMetaSyncConfig(o.app, cfg.MetaSync)
	if err != nil {
		slog.Warn("Failed to read api_config, using environment", "error", err)
		msCfg = cfg.MetaSync
	}

	mode, err := catalog.ParseMode(cfg.Import.ReconcileMode)
	if err != nil {
		return err
	}

	o.catalog = catalog.NewStore(o.app, catalog.Options{
		BatchSize:       cfg.Import.BatchSize,
		MaxRemovalRatio: cfg.Import.MaxRemovalRatio,
		Metrics:         o.metrics,
	})

	limiter := ratelimit.DefaultConfig()
	limiter.APIDelay = msCfg.APIDelay
	client, err := metasync.NewClient(msCfg,
		metasync.WithMetrics(o.metrics),
		metasync.WithRateLimiter(ratelimit.NewRateLimiter(limiter)),
	)
	if err != nil {
		return fmt.Errorf("creating MetaSync client: %w", err)
	}
	o.client = client

	deps := Deps{
		App:           o.app,
		Client:        client,
		Catalog:       o.catalog,
		History:       o.history,
		Control:       history.NewSyncControl(o.app),
		Metrics:       o.metrics,
		Correlator:    correlate.New(nil),
		ReconcileMode: mode,
	}
	o.RegisterService(history.TypeVehicles, NewVehicleImport(deps))
	o.RegisterService(history.TypeParts, NewPartImport(deps))

	if google.IsEnabled() {
		export, err := NewGoogleSheetsExportFromEnv(context.Background(), o.app, o.catalog)
		if err != nil {
			slog.Warn("Google Sheets export disabled", "error", err)
		} else {
			o.RegisterService(serviceNameGoogleSheets, export)
		}
	}

	slog.Info("Import services registered", "company_id", msCfg.CompanyID, "channel", msCfg.Channel, "api_config", fromDB)
	return nil
}
