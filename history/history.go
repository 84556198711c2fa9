// Package history persists import runs, the incremental sync watermark and
// the import schedules.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"

	"github.com/desguace/partsync/migrations"
)

// Import types
const (
	TypeVehicles = "vehicles"
	TypeParts    = "parts"
	TypeAll      = "all"
)

// Status of an import run
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusPaused     Status = "paused"
)

// MaxStoredErrors caps the errors list kept on a run
const MaxStoredErrors = 50

// FinalStatus picks the terminal status for a run
func FinalStatus(errorCount int, aborted bool) Status {
	switch {
	case aborted:
		return StatusFailed
	case errorCount > 0:
		return StatusPartial
	default:
		return StatusCompleted
	}
}

// ProgressPercent estimates progress when the total is unknown. It
// approaches but never exceeds 95 until the run finishes.
func ProgressPercent(processed int) int {
	if processed <= 0 {
		return 0
	}
	p := float64(processed) / float64(processed+100) * 100
	return int(math.Min(95, p))
}

// Run is one import_history row
type Run struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	Status           Status         `json:"status"`
	Progress         int            `json:"progress"`
	ProcessingItem   string         `json:"processing_item"`
	TotalItems       int            `json:"total_items"`
	ProcessedItems   int            `json:"processed_items"`
	NewItems         int            `json:"new_items"`
	UpdatedItems     int            `json:"updated_items"`
	ItemsDeactivated int            `json:"items_deactivated"`
	Errors           []string       `json:"errors"`
	ErrorCount       int            `json:"error_count"`
	Details          map[string]any `json:"details,omitempty"`
	Options          map[string]any `json:"options,omitempty"`
	IsFullImport     bool           `json:"is_full_import"`
	CanResume        bool           `json:"can_resume"`
	RunID            string         `json:"run_id"`
	StartTime        time.Time      `json:"start_time"`
	EndTime          time.Time      `json:"end_time,omitempty"`
	LastUpdated      time.Time      `json:"last_updated"`
}

// Counts is a progress snapshot
type Counts struct {
	Total       int
	Processed   int
	New         int
	Updated     int
	Deactivated int
}

// Store reads and writes import_history
type Store struct {
	app    core.App
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a history store
func NewStore(app core.App) *Store {
	return &Store{app: app, logger: slog.Default(), now: time.Now}
}

// Start records a new in-progress run
func (s *Store) Start(ctx context.Context, importType string, full bool, options map[string]any) (*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	col, err := s.app.FindCollectionByNameOrId(migrations.CollectionImportHistory)
	if err != nil {
		return nil, fmt.Errorf("finding collection %s: %w", migrations.CollectionImportHistory, err)
	}

	now := s.now()
	rec := core.NewRecord(col)
	rec.Set("type", importType)
	rec.Set("status", string(StatusInProgress))
	rec.Set("progress", 0)
	rec.Set("processing_item", "Starting")
	rec.Set("errors", []string{})
	rec.Set("details", map[string]any{})
	rec.Set("options", options)
	rec.Set("is_full_import", full)
	rec.Set("run_id", uuid.NewString())
	rec.Set("start_time", now)
	rec.Set("last_updated", now)
	if err := s.app.Save(rec); err != nil {
		return nil, fmt.Errorf("starting %s run: %w", importType, err)
	}
	return runFromRecord(rec), nil
}

// Progress stores counters and the current step
func (s *Store) Progress(ctx context.Context, id string, c Counts, item string) error {
	return s.update(ctx, id, func(rec *core.Record) {
		rec.Set("total_items", c.Total)
		rec.Set("processed_items", c.Processed)
		rec.Set("new_items", c.New)
		rec.Set("updated_items", c.Updated)
		rec.Set("items_deactivated", c.Deactivated)
		if item != "" {
			rec.Set("processing_item", item)
		}
		progress := ProgressPercent(c.Processed)
		if c.Total > 0 {
			progress = int(math.Min(95, float64(c.Processed)/float64(c.Total)*100))
		}
		rec.Set("progress", progress)
	})
}

// AppendError records an error; only the first MaxStoredErrors are kept
func (s *Store) AppendError(ctx context.Context, id, msg string) error {
	return s.update(ctx, id, func(rec *core.Record) {
		var errs []string
		_ = rec.UnmarshalJSONField("errors", &errs)
		if len(errs) < MaxStoredErrors {
			errs = append(errs, msg)
			rec.Set("errors", errs)
		}
		rec.Set("error_count", rec.GetInt("error_count")+1)
	})
}

// SetDetails merges details into the run
func (s *Store) SetDetails(ctx context.Context, id string, details map[string]any) error {
	return s.update(ctx, id, func(rec *core.Record) {
		merged := map[string]any{}
		_ = rec.UnmarshalJSONField("details", &merged)
		for k, v := range details {
			merged[k] = v
		}
		rec.Set("details", merged)
	})
}

// Finish closes a run with status
func (s *Store) Finish(ctx context.Context, id string, status Status, details map[string]any) error {
	if len(details) > 0 {
		if err := s.SetDetails(ctx, id, details); err != nil {
			return err
		}
	}
	return s.update(ctx, id, func(rec *core.Record) {
		rec.Set("status", string(status))
		rec.Set("end_time", s.now())
		if status != StatusFailed {
			rec.Set("progress", 100)
		}
		rec.Set("can_resume", status == StatusPaused)
		rec.Set("processing_item", string(status))
	})
}

// SetStatus changes status without closing the run
func (s *Store) SetStatus(ctx context.Context, id string, status Status, canResume bool) error {
	return s.update(ctx, id, func(rec *core.Record) {
		rec.Set("status", string(status))
		rec.Set("can_resume", canResume)
		if status != StatusInProgress {
			rec.Set("end_time", s.now())
		}
	})
}

func (s *Store) update(ctx context.Context, id string, fn func(*core.Record)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := s.app.FindRecordById(migrations.CollectionImportHistory, id)
	if err != nil {
		return fmt.Errorf("finding run %s: %w", id, err)
	}
	fn(rec)
	rec.Set("last_updated", s.now())
	if err := s.app.Save(rec); err != nil {
		return fmt.Errorf("saving run %s: %w", id, err)
	}
	return nil
}

// Get loads one run
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := s.app.FindRecordById(migrations.CollectionImportHistory, id)
	if err != nil {
		return nil, fmt.Errorf("finding run %s: %w", id, err)
	}
	return runFromRecord(rec), nil
}

// List returns the most recent runs, optionally filtered by status
func (s *Store) List(ctx context.Context, limit int, status Status) ([]*Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 20
	}
	q := s.app.RecordQuery(migrations.CollectionImportHistory).
		OrderBy("start_time DESC", "created DESC").
		Limit(int64(limit))
	if status != "" {
		q = q.AndWhere(dbx.HashExp{"status": string(status)})
	}
	records := []*core.Record{}
	if err := q.All(&records); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	runs := make([]*Run, 0, len(records))
	for _, rec := range records {
		runs = append(runs, runFromRecord(rec))
	}
	return runs, nil
}

// HasRunning reports whether any run is in progress
func (s *Store) HasRunning(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	n, err := s.app.CountRecords(migrations.CollectionImportHistory, dbx.HashExp{"status": string(StatusInProgress)})
	if err != nil {
		return false, fmt.Errorf("counting running imports: %w", err)
	}
	return n > 0, nil
}

// MarkInterrupted fails runs left in progress by a previous process
func (s *Store) MarkInterrupted(ctx context.Context) (int, error) {
	n, err := s.failInProgress(ctx, nil, "Interrupted by restart", nil)
	if n > 0 {
		s.logger.Warn("Marked interrupted imports as failed", "count", n)
	}
	return n, err
}

// MarkStale fails in-progress runs not updated within maxAge. Runs for which
// live returns true are left alone.
func (s *Store) MarkStale(ctx context.Context, maxAge time.Duration, live func(id string) bool) (int, error) {
	cutoff := s.now().Add(-maxAge).UTC().Format(types.DefaultDateLayout)
	where := dbx.NewExp("last_updated < {:cutoff}", dbx.Params{"cutoff": cutoff})
	n, err := s.failInProgress(ctx, where, "Stalled without progress", live)
	if n > 0 {
		s.logger.Warn("Marked stalled imports as failed", "count", n, "max_age", maxAge)
	}
	return n, err
}

// failInProgress closes matching in-progress runs as failed but resumable
func (s *Store) failInProgress(ctx context.Context, where dbx.Expression, reason string, live func(id string) bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q := s.app.RecordQuery(migrations.CollectionImportHistory).
		AndWhere(dbx.HashExp{"status": string(StatusInProgress)})
	if where != nil {
		q = q.AndWhere(where)
	}
	records := []*core.Record{}
	if err := q.All(&records); err != nil {
		return 0, fmt.Errorf("loading in-progress runs: %w", err)
	}

	marked := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return marked, err
		}
		if live != nil && live(rec.Id) {
			continue
		}
		rec.Set("status", string(StatusFailed))
		rec.Set("can_resume", true)
		rec.Set("processing_item", reason)
		rec.Set("end_time", s.now())
		rec.Set("last_updated", s.now())
		if err := s.app.Save(rec); err != nil {
			return marked, fmt.Errorf("closing run %s: %w", rec.Id, err)
		}
		marked++
	}
	return marked, nil
}

// Prune deletes finished runs that started before now-olderThan
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan).UTC().Format(types.DefaultDateLayout)
	records := []*core.Record{}
	err := s.app.RecordQuery(migrations.CollectionImportHistory).
		AndWhere(dbx.NewExp("start_time < {:cutoff}", dbx.Params{"cutoff": cutoff})).
		AndWhere(dbx.Not(dbx.HashExp{"status": string(StatusInProgress)})).
		All(&records)
	if err != nil {
		return 0, fmt.Errorf("loading old runs: %w", err)
	}
	deleted := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if err := s.app.Delete(rec); err != nil {
			return deleted, fmt.Errorf("deleting run %s: %w", rec.Id, err)
		}
		deleted++
	}
	if deleted > 0 {
		s.logger.Info("Pruned import history", "deleted", deleted)
	}
	return deleted, nil
}

func runFromRecord(rec *core.Record) *Run {
	r := &Run{
		ID:               rec.Id,
		Type:             rec.GetString("type"),
		Status:           Status(rec.GetString("status")),
		Progress:         rec.GetInt("progress"),
		ProcessingItem:   rec.GetString("processing_item"),
		TotalItems:       rec.GetInt("total_items"),
		ProcessedItems:   rec.GetInt("processed_items"),
		NewItems:         rec.GetInt("new_items"),
		UpdatedItems:     rec.GetInt("updated_items"),
		ItemsDeactivated: rec.GetInt("items_deactivated"),
		ErrorCount:       rec.GetInt("error_count"),
		IsFullImport:     rec.GetBool("is_full_import"),
		CanResume:        rec.GetBool("can_resume"),
		RunID:            rec.GetString("run_id"),
		StartTime:        rec.GetDateTime("start_time").Time(),
		EndTime:          rec.GetDateTime("end_time").Time(),
		LastUpdated:      rec.GetDateTime("last_updated").Time(),
	}
	_ = rec.UnmarshalJSONField("errors", &r.Errors)
	_ = rec.UnmarshalJSONField("details", &r.Details)
	_ = rec.UnmarshalJSONField("options", &r.Options)
	if r.Errors == nil {
		r.Errors = []string{}
	}
	return r
}

// DecodeOptions converts a run's options map into out
func (r *Run) DecodeOptions(out any) error {
	b, err := json.Marshal(r.Options)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
