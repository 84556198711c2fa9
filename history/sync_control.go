package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pocketbase/pocketbase/core"

	"github.com/desguace/partsync/migrations"
)

// Watermark is where the next incremental import starts
type Watermark struct {
	Type             string    `json:"type"`
	LastSyncDate     time.Time `json:"last_sync_date"`
	LastID           int       `json:"last_id"`
	RecordsProcessed int       `json:"records_processed"`
}

// SyncControl reads and writes sync_control rows, one per import type
type SyncControl struct {
	app core.App
}

// NewSyncControl creates a SyncControl
func NewSyncControl(app core.App) *SyncControl {
	return &SyncControl{app: app}
}

// Get returns the watermark for importType; a missing row is the zero watermark
func (c *SyncControl) Get(ctx context.Context, importType string) (Watermark, error) {
	w := Watermark{Type: importType}
	if err := ctx.Err(); err != nil {
		return w, err
	}
	rec, err := c.find(importType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return w, nil
		}
		return w, err
	}
	w.LastSyncDate = rec.GetDateTime("last_sync_date").Time()
	w.LastID = rec.GetInt("last_id")
	w.RecordsProcessed = rec.GetInt("records_processed")
	return w, nil
}

// SaveCursor stores the batch cursor so an interrupted run can resume
func (c *SyncControl) SaveCursor(ctx context.Context, importType string, lastID, processed int) error {
	return c.upsert(ctx, importType, func(rec *core.Record) {
		rec.Set("last_id", lastID)
		rec.Set("records_processed", processed)
	})
}

// Complete advances last_sync_date to maxFechaMod after a successful run and
// clears the cursor. A zero maxFechaMod keeps the previous date.
func (c *SyncControl) Complete(ctx context.Context, importType string, maxFechaMod time.Time) error {
	return c.upsert(ctx, importType, func(rec *core.Record) {
		if !maxFechaMod.IsZero() {
			rec.Set("last_sync_date", maxFechaMod.UTC())
		}
		rec.Set("last_id", 0)
	})
}

func (c *SyncControl) find(importType string) (*core.Record, error) {
	return c.app.FindFirstRecordByData(migrations.CollectionSyncControl, "type", importType)
}

func (c *SyncControl) upsert(ctx context.Context, importType string, fn func(*core.Record)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := c.find(importType)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("finding sync control %s: %w", importType, err)
		}
		col, err := c.app.FindCollectionByNameOrId(migrations.CollectionSyncControl)
		if err != nil {
			return fmt.Errorf("finding collection %s: %w", migrations.CollectionSyncControl, err)
		}
		rec = core.NewRecord(col)
		rec.Set("type", importType)
		rec.Set("active", true)
	}
	fn(rec)
	if err := c.app.Save(rec); err != nil {
		return fmt.Errorf("saving sync control %s: %w", importType, err)
	}
	return nil
}
