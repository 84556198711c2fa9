package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"github.com/desguace/partsync/migrations"
)

// Kind selects the collection being reconciled
type Kind string

const (
	KindVehicles Kind = "vehicles"
	KindParts    Kind = "parts"
)

// Mode is what happens to rows missing from the upstream listing
type Mode string

const (
	ModeDelete          Mode = "delete"
	ModeDeactivate      Mode = "deactivate"
	ModeMarkUnavailable Mode = "mark_unavailable"
	ModeConservative    Mode = "conservative"
)

// ErrThresholdExceeded is returned when too many rows would be removed
var ErrThresholdExceeded = errors.New("reconcile threshold exceeded")

// ParseMode parses a mode name; empty selects ModeDelete
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeDelete, nil
	case ModeDelete, ModeDeactivate, ModeMarkUnavailable, ModeConservative:
		return m, nil
	default:
		return "", fmt.Errorf("unknown reconcile mode: %s", s)
	}
}

// ReconcileResult reports one reconcile pass
type ReconcileResult struct {
	Kind       Kind   `json:"kind"`
	Mode       Mode   `json:"mode"`
	Total      int    `json:"total"`
	Candidates int    `json:"candidates"`
	Applied    int    `json:"applied"`
	Aborted    bool   `json:"aborted"`
	Message    string `json:"message,omitempty"`
}

type keyRow struct {
	ID  string `db:"id"`
	Key int    `db:"natural_key"`
}

func (k Kind) collection() (string, string, error) {
	switch k {
	case KindVehicles:
		return migrations.CollectionVehicles, "id_local", nil
	case KindParts:
		return migrations.CollectionParts, "ref_local", nil
	default:
		return "", "", fmt.Errorf("unknown reconcile kind: %s", k)
	}
}

// Reconcile handles local rows of kind whose keys are absent from seen
func (s *Store) Reconcile(ctx context.Context, kind Kind, seen map[int]bool, mode Mode) (ReconcileResult, error) {
	res := ReconcileResult{Kind: kind, Mode: mode}
	collection, keyField, err := kind.collection()
	if err != nil {
		return res, err
	}

	rows := []keyRow{}
	err = s.app.DB().
		Select("id", keyField+" AS natural_key").
		From(collection).
		All(&rows)
	if err != nil {
		return res, fmt.Errorf("loading %s keys: %w", collection, err)
	}
	res.Total = len(rows)

	var ids []string
	for _, r := range rows {
		if !seen[r.Key] {
			ids = append(ids, r.ID)
		}
	}
	if kind == KindParts && mode == ModeMarkUnavailable && len(ids) > 0 {
		if ids, err = s.filterAvailable(ids); err != nil {
			return res, err
		}
	}
	res.Candidates = len(ids)
	if res.Candidates == 0 {
		return res, nil
	}

	if float64(res.Candidates) > float64(res.Total)*s.maxRemovalRatio {
		res.Aborted = true
		res.Message = fmt.Sprintf("%d of %d %s missing upstream, above the %.0f%% limit",
			res.Candidates, res.Total, kind, s.maxRemovalRatio*100)
		s.logger.Warn("Reconcile aborted", "kind", kind, "candidates", res.Candidates, "total", res.Total)
		return res, fmt.Errorf("%w: %s", ErrThresholdExceeded, res.Message)
	}

	switch mode {
	case ModeConservative:
		res.Message = "count only"
		return res, nil
	case ModeDelete:
		res.Applied, err = s.deleteByIDs(ctx, collection, ids)
	case ModeDeactivate:
		res.Applied, err = s.updateByIDs(ctx, collection, dbx.Params{"activo": false}, ids)
	case ModeMarkUnavailable:
		if kind == KindVehicles {
			res.Message = "vehicles have no availability flag, count only"
			return res, nil
		}
		res.Applied, err = s.updateByIDs(ctx, collection, dbx.Params{"disponible_api": false}, ids)
	default:
		return res, fmt.Errorf("unknown reconcile mode: %s", mode)
	}
	if err != nil {
		return res, err
	}

	s.logger.Info("Reconciled catalog", "kind", kind, "mode", mode, "applied", res.Applied)
	return res, nil
}

// filterAvailable keeps the ids of parts that are still offered
func (s *Store) filterAvailable(ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, part := range chunk(ids, reconcileChunkSize) {
		rows := []struct {
			ID string `db:"id"`
		}{}
		err := s.app.DB().
			Select("id").
			From(migrations.CollectionParts).
			Where(dbx.In("id", toAny(part)...)).
			AndWhere(dbx.HashExp{"activo": true, "disponible_api": true}).
			AndWhere(dbx.NewExp("precio > 0")).
			All(&rows)
		if err != nil {
			return nil, fmt.Errorf("filtering available parts: %w", err)
		}
		for _, r := range rows {
			out = append(out, r.ID)
		}
	}
	return out, nil
}

// deleteByIDs deletes through the app so cascades on vehicle_parts run
func (s *Store) deleteByIDs(ctx context.Context, collection string, ids []string) (int, error) {
	deleted := 0
	for _, part := range chunk(ids, reconcileChunkSize) {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		records := []*core.Record{}
		err := s.app.RecordQuery(collection).AndWhere(dbx.In("id", toAny(part)...)).All(&records)
		if err != nil {
			return deleted, fmt.Errorf("loading %s for delete: %w", collection, err)
		}
		err = s.app.RunInTransaction(func(txApp core.App) error {
			for _, r := range records {
				if err := txApp.Delete(r); err != nil {
					return fmt.Errorf("deleting %s %s: %w", collection, r.Id, err)
				}
			}
			return nil
		})
		if err != nil {
			return deleted, err
		}
		deleted += len(records)
	}
	return deleted, nil
}

func (s *Store) updateByIDs(ctx context.Context, collection string, params dbx.Params, ids []string) (int, error) {
	updated := 0
	for _, part := range chunk(ids, reconcileChunkSize) {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		result, err := s.app.DB().Update(collection, params, dbx.In("id", toAny(part)...)).Execute()
		if err != nil {
			return updated, fmt.Errorf("updating %s: %w", collection, err)
		}
		n, _ := result.RowsAffected()
		updated += int(n)
	}
	return updated, nil
}
