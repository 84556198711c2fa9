package history

import (
	"context"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"github.com/desguace/partsync/migrations"
)

// Schedule is one import_schedule row
type Schedule struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Frequency    string         `json:"frequency"`
	StartTime    string         `json:"start_time"`
	Days         []string       `json:"days"`
	Active       bool           `json:"active"`
	IsFullImport bool           `json:"is_full_import"`
	Options      map[string]any `json:"options,omitempty"`
	LastRun      time.Time      `json:"last_run"`
	NextRun      time.Time      `json:"next_run"`
}

// ScheduleUpdate holds the editable schedule fields; nil leaves a field alone
type ScheduleUpdate struct {
	Frequency    *string        `json:"frequency" validate:"omitempty,oneof=5m 15m 30m 1h 2h 4h 6h 8h 12h 24h 7d"`
	StartTime    *string        `json:"start_time" validate:"omitempty,len=5"`
	Days         []string       `json:"days" validate:"omitempty,dive,required"`
	Active       *bool          `json:"active"`
	IsFullImport *bool          `json:"is_full_import"`
	Options      map[string]any `json:"options"`
}

// DefaultSchedules are created when the table is empty
var DefaultSchedules = []Schedule{
	{Type: TypeVehicles, Frequency: "12h", StartTime: "02:00", Active: true},
	{Type: TypeParts, Frequency: "12h", StartTime: "02:30", Active: true},
	{Type: TypeAll, Frequency: "7d", StartTime: "03:00", Days: []string{"sunday"}, Active: true, IsFullImport: true},
}

// Schedules reads and writes import_schedule
type Schedules struct {
	app core.App
}

// NewSchedules creates a schedule store
func NewSchedules(app core.App) *Schedules {
	return &Schedules{app: app}
}

// EnsureDefaults inserts DefaultSchedules when no schedule exists
func (s *Schedules) EnsureDefaults(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := s.app.CountRecords(migrations.CollectionImportSchedule)
	if err != nil {
		return 0, fmt.Errorf("counting schedules: %w", err)
	}
	if n > 0 {
		return 0, nil
	}
	col, err := s.app.FindCollectionByNameOrId(migrations.CollectionImportSchedule)
	if err != nil {
		return 0, fmt.Errorf("finding collection %s: %w", migrations.CollectionImportSchedule, err)
	}
	err = s.app.RunInTransaction(func(txApp core.App) error {
		for _, d := range DefaultSchedules {
			rec := core.NewRecord(col)
			rec.Set("type", d.Type)
			rec.Set("frequency", d.Frequency)
			rec.Set("start_time", d.StartTime)
			rec.Set("days", d.Days)
			rec.Set("active", d.Active)
			rec.Set("is_full_import", d.IsFullImport)
			rec.Set("options", map[string]any{})
			if err := txApp.Save(rec); err != nil {
				return fmt.Errorf("creating default %s schedule: %w", d.Type, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(DefaultSchedules), nil
}

// List returns schedules ordered by creation
func (s *Schedules) List(ctx context.Context, activeOnly bool) ([]*Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := s.app.RecordQuery(migrations.CollectionImportSchedule).OrderBy("created ASC")
	if activeOnly {
		q = q.AndWhere(dbx.HashExp{"active": true})
	}
	records := []*core.Record{}
	if err := q.All(&records); err != nil {
		return nil, fmt.Errorf("listing schedules: %w", err)
	}
	out := make([]*Schedule, 0, len(records))
	for _, rec := range records {
		out = append(out, scheduleFromRecord(rec))
	}
	return out, nil
}

// Get loads one schedule
func (s *Schedules) Get(ctx context.Context, id string) (*Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := s.app.FindRecordById(migrations.CollectionImportSchedule, id)
	if err != nil {
		return nil, fmt.Errorf("finding schedule %s: %w", id, err)
	}
	return scheduleFromRecord(rec), nil
}

// Update applies u to the schedule
func (s *Schedules) Update(ctx context.Context, id string, u ScheduleUpdate) (*Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := s.app.FindRecordById(migrations.CollectionImportSchedule, id)
	if err != nil {
		return nil, fmt.Errorf("finding schedule %s: %w", id, err)
	}
	if u.Frequency != nil {
		rec.Set("frequency", *u.Frequency)
	}
	if u.StartTime != nil {
		rec.Set("start_time", *u.StartTime)
	}
	if u.Days != nil {
		rec.Set("days", u.Days)
	}
	if u.Active != nil {
		rec.Set("active", *u.Active)
	}
	if u.IsFullImport != nil {
		rec.Set("is_full_import", *u.IsFullImport)
	}
	if u.Options != nil {
		rec.Set("options", u.Options)
	}
	if err := s.app.Save(rec); err != nil {
		return nil, fmt.Errorf("saving schedule %s: %w", id, err)
	}
	return scheduleFromRecord(rec), nil
}

// MarkRun stores the last and next run times
func (s *Schedules) MarkRun(ctx context.Context, id string, last, next time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := s.app.FindRecordById(migrations.CollectionImportSchedule, id)
	if err != nil {
		return fmt.Errorf("finding schedule %s: %w", id, err)
	}
	if !last.IsZero() {
		rec.Set("last_run", last.UTC())
	}
	if !next.IsZero() {
		rec.Set("next_run", next.UTC())
	}
	if err := s.app.Save(rec); err != nil {
		return fmt.Errorf("saving schedule %s: %w", id, err)
	}
	return nil
}

func scheduleFromRecord(rec *core.Record) *Schedule {
	sc := &Schedule{
		ID:           rec.Id,
		Type:         rec.GetString("type"),
		Frequency:    rec.GetString("frequency"),
		StartTime:    rec.GetString("start_time"),
		Active:       rec.GetBool("active"),
		IsFullImport: rec.GetBool("is_full_import"),
		LastRun:      rec.GetDateTime("last_run").Time(),
		NextRun:      rec.GetDateTime("next_run").Time(),
	}
	_ = rec.UnmarshalJSONField("days", &sc.Days)
	_ = rec.UnmarshalJSONField("options", &sc.Options)
	if sc.StartTime == "" {
		sc.StartTime = "02:00"
	}
	return sc
}
