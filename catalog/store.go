// Package catalog writes normalized vehicles and parts into PocketBase and
// keeps the derived data (links, counters, pending relations) consistent.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"

	"github.com/desguace/partsync/metrics"
	"github.com/desguace/partsync/migrations"
	"github.com/desguace/partsync/normalize"
)

// Chunk sizes for IN queries and bulk changes
const (
	preloadChunkSize   = 500
	reconcileChunkSize = 1000
	DefaultBatchSize   = 100
)

// Options tunes a Store
type Options struct {
	BatchSize       int     // rows per write transaction
	MaxRemovalRatio float64 // reconcile safety threshold
	Metrics         *metrics.Recorder
	Logger          *slog.Logger
}

// Store owns all writes to the catalog collections
type Store struct {
	app             core.App
	batchSize       int
	maxRemovalRatio float64
	metrics         *metrics.Recorder
	logger          *slog.Logger
	now             func() time.Time
}

// NewStore creates a Store on app
func NewStore(app core.App, opts Options) *Store {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxRemovalRatio <= 0 || opts.MaxRemovalRatio > 1 {
		opts.MaxRemovalRatio = 0.10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		app:             app,
		batchSize:       opts.BatchSize,
		maxRemovalRatio: opts.MaxRemovalRatio,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		now:             time.Now,
	}
}

// App returns the underlying application
func (s *Store) App() core.App {
	return s.app
}

// VehicleIndex maps upstream vehicle ids to stored vehicle rows
type VehicleIndex map[int]*core.Record

// VehicleByIDLocal implements correlate.VehicleLookup
func (idx VehicleIndex) VehicleByIDLocal(idLocal int) (normalize.VehicleInfo, bool) {
	rec, ok := idx[idLocal]
	if !ok {
		return normalize.VehicleInfo{}, false
	}
	return normalize.VehicleInfo{
		Marca:       rec.GetString("marca"),
		Modelo:      rec.GetString("modelo"),
		Version:     rec.GetString("version"),
		Anyo:        rec.GetInt("anyo"),
		Combustible: rec.GetString("combustible"),
	}, true
}

// LoadVehicles fetches stored vehicles for the given upstream ids
func (s *Store) LoadVehicles(ctx context.Context, ids []int) (VehicleIndex, error) {
	positive := make([]int, 0, len(ids))
	for _, id := range ids {
		if id > 0 {
			positive = append(positive, id)
		}
	}
	found, err := s.loadByKeys(ctx, migrations.CollectionVehicles, "id_local", positive)
	if err != nil {
		return nil, err
	}
	return VehicleIndex(found), nil
}

// loadByKeys preloads records whose integer key field is in keys
func (s *Store) loadByKeys(ctx context.Context, collection, field string, keys []int) (map[int]*core.Record, error) {
	out := make(map[int]*core.Record, len(keys))
	for _, part := range chunk(uniqueInts(keys), preloadChunkSize) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		records := []*core.Record{}
		err := s.app.RecordQuery(collection).
			AndWhere(dbx.In(field, toAny(part)...)).
			All(&records)
		if err != nil {
			return nil, fmt.Errorf("loading %s by %s: %w", collection, field, err)
		}
		for _, r := range records {
			out[r.GetInt(field)] = r
		}
	}
	return out, nil
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for size < len(items) {
		items, out = items[size:], append(out, items[:size])
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

func uniqueInts(in []int) []int {
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func toAny[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

// dateValue renders t the way DateField stores it; zero becomes ""
func dateValue(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(types.DefaultDateLayout)
}
