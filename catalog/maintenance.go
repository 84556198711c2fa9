package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"github.com/desguace/partsync/correlate"
	"github.com/desguace/partsync/migrations"
	"github.com/desguace/partsync/normalize"
)

const scanPageSize = 1000

// scanParts walks parts matching where in ref_local order, one page at a time
func (s *Store) scanParts(ctx context.Context, where dbx.Expression, fn func([]*core.Record) error) error {
	last := 0
	first := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		q := s.app.RecordQuery(migrations.CollectionParts).
			AndWhere(where).
			OrderBy("ref_local ASC").
			Limit(scanPageSize)
		if !first {
			q = q.AndWhere(dbx.NewExp("ref_local > {:last}", dbx.Params{"last": last}))
		}
		records := []*core.Record{}
		if err := q.All(&records); err != nil {
			return fmt.Errorf("scanning parts: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		if err := fn(records); err != nil {
			return err
		}
		if len(records) < scanPageSize {
			return nil
		}
		last = records[len(records)-1].GetInt("ref_local")
		first = false
	}
}

// ResolvePendingRelations activates pending parts whose vehicle has arrived
// and links them to it. It returns how many parts were resolved.
func (s *Store) ResolvePendingRelations(ctx context.Context) (int, error) {
	resolved := 0
	err := s.scanParts(ctx, dbx.HashExp{"is_pending_relation": true}, func(parts []*core.Record) error {
		ids := make([]int, 0, len(parts))
		for _, p := range parts {
			ids = append(ids, p.GetInt("id_vehiculo"))
		}
		vehicles, err := s.LoadVehicles(ctx, ids)
		if err != nil {
			return err
		}

		var refs []int
		for _, p := range parts {
			vehicle, ok := vehicles[p.GetInt("id_vehiculo")]
			if !ok {
				continue
			}
			p.Set("is_pending_relation", false)
			p.Set("activo", normalize.PartIsActive(
				p.GetString("situacion"),
				p.GetString("descripcion_articulo"),
				p.GetInt("id_vehiculo"),
				p.GetBool("has_price"),
			))
			if correlate.IsGenericBrand(p.GetString("vehicle_marca")) {
				p.Set("vehicle_marca", vehicle.GetString("marca"))
				p.Set("vehicle_modelo", vehicle.GetString("modelo"))
				p.Set("vehicle_version", vehicle.GetString("version"))
				p.Set("vehicle_anyo", vehicle.GetInt("anyo"))
				p.Set("combustible", vehicle.GetString("combustible"))
			}
			if err := s.app.Save(p); err != nil {
				s.logger.Warn("Failed to resolve pending part", "ref_local", p.GetInt("ref_local"), "error", err)
				continue
			}
			refs = append(refs, p.GetInt("ref_local"))
			resolved++
		}

		_, err = s.LinkVehicleParts(ctx, refs)
		return err
	})
	if err != nil {
		return resolved, err
	}
	if resolved > 0 {
		s.logger.Info("Resolved pending relations", "count", resolved)
	}
	return resolved, nil
}

// LinkVehicleParts creates missing vehicle_parts rows for the given parts.
// Parts of processed vehicles and parts whose vehicle is not stored are ignored.
func (s *Store) LinkVehicleParts(ctx context.Context, refLocals []int) (int, error) {
	if len(refLocals) == 0 {
		return 0, nil
	}
	col, err := s.app.FindCollectionByNameOrId(migrations.CollectionVehicleParts)
	if err != nil {
		return 0, fmt.Errorf("finding collection %s: %w", migrations.CollectionVehicleParts, err)
	}

	created := 0
	for _, refs := range chunk(uniqueInts(refLocals), preloadChunkSize) {
		parts, err := s.loadByKeys(ctx, migrations.CollectionParts, "ref_local", refs)
		if err != nil {
			return created, err
		}

		vehicleIDs := make([]int, 0, len(parts))
		partIDs := make([]any, 0, len(parts))
		for _, p := range parts {
			if p.GetInt("id_vehiculo") > 0 {
				vehicleIDs = append(vehicleIDs, p.GetInt("id_vehiculo"))
				partIDs = append(partIDs, p.Id)
			}
		}
		if len(partIDs) == 0 {
			continue
		}
		vehicles, err := s.LoadVehicles(ctx, vehicleIDs)
		if err != nil {
			return created, err
		}

		links := []*core.Record{}
		err = s.app.RecordQuery(migrations.CollectionVehicleParts).
			AndWhere(dbx.In("part", partIDs...)).
			All(&links)
		if err != nil {
			return created, fmt.Errorf("loading vehicle_parts: %w", err)
		}
		linked := make(map[string]bool, len(links))
		for _, l := range links {
			linked[l.GetString("vehicle")+"|"+l.GetString("part")] = true
		}

		err = s.app.RunInTransaction(func(txApp core.App) error {
			for _, p := range parts {
				vehicle, ok := vehicles[p.GetInt("id_vehiculo")]
				if !ok || linked[vehicle.Id+"|"+p.Id] {
					continue
				}
				link := core.NewRecord(col)
				link.Set("vehicle", vehicle.Id)
				link.Set("part", p.Id)
				link.Set("id_vehiculo_original", p.GetInt("id_vehiculo"))
				if err := txApp.Save(link); err != nil {
					return fmt.Errorf("linking part %d: %w", p.GetInt("ref_local"), err)
				}
				created++
			}
			return nil
		})
		if err != nil {
			return created, err
		}
	}
	return created, nil
}

// RefreshVehicleCounters recomputes active_parts_count (active parts with a
// price) and total_parts_count (active parts) on every vehicle
func (s *Store) RefreshVehicleCounters(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	result, err := s.app.DB().NewQuery(`
		UPDATE vehicles SET
			active_parts_count = (
				SELECT COUNT(*) FROM parts p
				WHERE p.id_vehiculo = vehicles.id_local AND p.activo = 1 AND p.precio > 0
			),
			total_parts_count = (
				SELECT COUNT(*) FROM parts p
				WHERE p.id_vehiculo = vehicles.id_local AND p.activo = 1
			)`).Execute()
	if err != nil {
		return 0, fmt.Errorf("refreshing vehicle counters: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// CorrectProcessedParts re-reads brand and model for processed-vehicle parts
// that only carry a generic brand. A brand is accepted only when some stored
// vehicle carries it.
func (s *Store) CorrectProcessedParts(ctx context.Context, corr *correlate.Correlator) (int, error) {
	var brandRows []struct {
		Marca string `db:"marca"`
	}
	if err := s.app.DB().NewQuery("SELECT DISTINCT marca FROM vehicles WHERE marca != ''").All(&brandRows); err != nil {
		return 0, fmt.Errorf("loading vehicle brands: %w", err)
	}
	known := make([]string, 0, len(brandRows))
	for _, r := range brandRows {
		known = append(known, correlate.Fold(r.Marca))
	}

	corrected := 0
	err := s.scanParts(ctx, dbx.NewExp("id_vehiculo < 0"), func(parts []*core.Record) error {
		for _, p := range parts {
			if !correlate.IsGenericBrand(p.GetString("vehicle_marca")) {
				continue
			}
			res := corr.MatchDescription(
				p.GetString("descripcion_familia"),
				p.GetString("descripcion_articulo"),
				p.GetString("observaciones"),
				p.GetString("cod_familia"),
			)
			if res.Source == correlate.SourceNone || !brandKnown(known, res.Info.Marca) {
				continue
			}
			p.Set("vehicle_marca", res.Info.Marca)
			if res.Info.Modelo != "" {
				p.Set("vehicle_modelo", res.Info.Modelo)
			}
			if err := s.app.Save(p); err != nil {
				s.logger.Warn("Failed to correct processed part", "ref_local", p.GetInt("ref_local"), "error", err)
				continue
			}
			corrected++
		}
		return nil
	})
	if corrected > 0 {
		s.logger.Info("Corrected processed-vehicle parts", "count", corrected)
	}
	return corrected, err
}

// brandKnown matches exactly or by prefix, so LAND matches LAND ROVER
func brandKnown(known []string, brand string) bool {
	b := correlate.Fold(brand)
	if b == "" {
		return false
	}
	for _, k := range known {
		if k == b || strings.HasPrefix(k, b+" ") {
			return true
		}
	}
	return false
}

// Stats summarizes the catalog
type Stats struct {
	Vehicles       int64 `json:"vehicles"`
	ActiveVehicles int64 `json:"active_vehicles"`
	Parts          int64 `json:"parts"`
	ActiveParts    int64 `json:"active_parts"`
	PendingParts   int64 `json:"pending_parts"`
	ProcessedParts int64 `json:"processed_parts"`
}

// CountVehicles counts vehicles matching exprs
func (s *Store) CountVehicles(exprs ...dbx.Expression) (int64, error) {
	return s.app.CountRecords(migrations.CollectionVehicles, exprs...)
}

// CountParts counts parts matching exprs
func (s *Store) CountParts(exprs ...dbx.Expression) (int64, error) {
	return s.app.CountRecords(migrations.CollectionParts, exprs...)
}

// Stats collects catalog counters
func (s *Store) Stats() (Stats, error) {
	var st Stats
	counts := []struct {
		dst   *int64
		count func(...dbx.Expression) (int64, error)
		where []dbx.Expression
	}{
		{&st.Vehicles, s.CountVehicles, nil},
		{&st.ActiveVehicles, s.CountVehicles, []dbx.Expression{dbx.HashExp{"activo": true}}},
		{&st.Parts, s.CountParts, nil},
		{&st.ActiveParts, s.CountParts, []dbx.Expression{dbx.HashExp{"activo": true}}},
		{&st.PendingParts, s.CountParts, []dbx.Expression{dbx.HashExp{"is_pending_relation": true}}},
		{&st.ProcessedParts, s.CountParts, []dbx.Expression{dbx.NewExp("id_vehiculo < 0")}},
	}
	for _, c := range counts {
		n, err := c.count(c.where...)
		if err != nil {
			return st, fmt.Errorf("counting catalog: %w", err)
		}
		*c.dst = n
	}
	return st, nil
}
