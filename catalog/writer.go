package catalog

import (
	"context"
	"fmt"

	"github.com/pocketbase/pocketbase/core"

	"github.com/desguace/partsync/migrations"
	"github.com/desguace/partsync/normalize"
)

// WriteOptions controls how existing rows are treated
type WriteOptions struct {
	SkipExisting bool
}

// WriteResult counts the outcome of one write call
type WriteResult struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Skipped int      `json:"skipped"`
	Pending int      `json:"pending"`
	Errors  []string `json:"errors,omitempty"`
}

// Add accumulates other into r
func (r *WriteResult) Add(other WriteResult) {
	r.Created += other.Created
	r.Updated += other.Updated
	r.Skipped += other.Skipped
	r.Pending += other.Pending
	r.Errors = append(r.Errors, other.Errors...)
}

// Written is the number of rows created or updated
func (r WriteResult) Written() int {
	return r.Created + r.Updated
}

type rowWrite struct {
	key      int
	existing *core.Record // nil for creates
	data     map[string]any
	pending  bool
	touch    bool // only last_api_confirmation changes
}

// compare fields never include the confirmation timestamp
const confirmationField = "last_api_confirmation"

// WriteVehicles upserts vehicles by id_local
func (s *Store) WriteVehicles(ctx context.Context, vehicles []normalize.Vehicle, opts WriteOptions) (WriteResult, error) {
	var res WriteResult
	if len(vehicles) == 0 {
		return res, nil
	}

	byKey := make(map[int]normalize.Vehicle, len(vehicles))
	order := make([]int, 0, len(vehicles))
	for _, v := range vehicles {
		if _, dup := byKey[v.IDLocal]; !dup {
			order = append(order, v.IDLocal)
		}
		byKey[v.IDLocal] = v
	}

	existing, err := s.loadByKeys(ctx, migrations.CollectionVehicles, "id_local", order)
	if err != nil {
		return res, err
	}

	now := dateValue(s.now())
	writes := make([]rowWrite, 0, len(order))
	for _, key := range order {
		rec := existing[key]
		if rec != nil && opts.SkipExisting {
			res.Skipped++
			continue
		}
		data := vehicleData(byKey[key])
		if rec != nil && unchanged(rec, data) {
			res.Skipped++
			continue
		}
		data[confirmationField] = now
		writes = append(writes, rowWrite{key: key, existing: rec, data: data})
	}

	if err := s.flush(ctx, migrations.CollectionVehicles, writes, &res); err != nil {
		return res, err
	}
	s.record("vehicles", res)
	return res, nil
}

// WriteParts upserts parts by ref_local. Parts of physical vehicles that are
// not stored yet are written inactive and flagged as pending relations.
func (s *Store) WriteParts(ctx context.Context, parts []normalize.Part, opts WriteOptions) (WriteResult, error) {
	var res WriteResult
	if len(parts) == 0 {
		return res, nil
	}

	byKey := make(map[int]normalize.Part, len(parts))
	order := make([]int, 0, len(parts))
	vehicleIDs := make([]int, 0, len(parts))
	for _, p := range parts {
		if _, dup := byKey[p.RefLocal]; !dup {
			order = append(order, p.RefLocal)
		}
		byKey[p.RefLocal] = p
		if p.IDVehiculo > 0 {
			vehicleIDs = append(vehicleIDs, p.IDVehiculo)
		}
	}

	existing, err := s.loadByKeys(ctx, migrations.CollectionParts, "ref_local", order)
	if err != nil {
		return res, err
	}
	vehicles, err := s.LoadVehicles(ctx, vehicleIDs)
	if err != nil {
		return res, err
	}

	now := dateValue(s.now())
	writes := make([]rowWrite, 0, len(order))
	for _, key := range order {
		p := byKey[key]
		rec := existing[key]

		if rec != nil && opts.SkipExisting {
			writes = append(writes, rowWrite{
				key:      key,
				existing: rec,
				data:     map[string]any{confirmationField: now},
				touch:    true,
			})
			continue
		}

		_, vehicleStored := vehicles[p.IDVehiculo]
		pending := p.IDVehiculo > 0 && !vehicleStored
		data := partData(p, pending)
		if rec != nil && unchanged(rec, data) {
			res.Skipped++
			continue
		}
		data[confirmationField] = now
		writes = append(writes, rowWrite{key: key, existing: rec, data: data, pending: pending})
	}

	if err := s.flush(ctx, migrations.CollectionParts, writes, &res); err != nil {
		return res, err
	}
	s.record("parts", res)
	return res, nil
}

func vehicleData(v normalize.Vehicle) map[string]any {
	return map[string]any{
		"id_local":    v.IDLocal,
		"id_empresa":  v.IDEmpresa,
		"marca":       v.Marca,
		"modelo":      v.Modelo,
		"version":     v.Version,
		"anyo":        v.Anyo,
		"descripcion": v.Descripcion,
		"combustible": v.Combustible,
		"bastidor":    v.Bastidor,
		"matricula":   v.Matricula,
		"color":       v.Color,
		"kilometraje": v.Kilometraje,
		"potencia":    v.Potencia,
		"puertas":     v.Puertas,
		"imagenes":    v.Imagenes,
		"fecha_mod":   dateValue(v.FechaMod),
		"activo":      v.Activo,
	}
}

func partData(p normalize.Part, pending bool) map[string]any {
	return map[string]any{
		"ref_local":            p.RefLocal,
		"id_empresa":           p.IDEmpresa,
		"id_vehiculo":          p.IDVehiculo,
		"cod_familia":          p.CodFamilia,
		"descripcion_familia":  p.DescripcionFamilia,
		"cod_articulo":         p.CodArticulo,
		"descripcion_articulo": p.DescripcionArticulo,
		"ref_principal":        p.RefPrincipal,
		"precio":               p.Precio.InexactFloat64(),
		"has_price":            p.HasPrice,
		"anyo_inicio":          p.AnyoInicio,
		"anyo_fin":             p.AnyoFin,
		"anyo_stock":           p.AnyoStock,
		"puertas":              p.Puertas,
		"peso":                 p.Peso,
		"ubicacion":            p.Ubicacion,
		"reserva":              p.Reserva,
		"tipo_material":        p.TipoMaterial,
		"observaciones":        p.Observaciones,
		"rv_code":              p.RVCode,
		"cod_version":          p.CodVersion,
		"situacion":            p.Situacion,
		"imagenes":             p.Imagenes,
		"fecha_mod":            dateValue(p.FechaMod),
		"activo":               p.Activo && !pending,
		"disponible_api":       true,
		"is_pending_relation":  pending,
		"vehicle_marca":        p.Vehicle.Marca,
		"vehicle_modelo":       p.Vehicle.Modelo,
		"vehicle_version":      p.Vehicle.Version,
		"vehicle_anyo":         p.Vehicle.Anyo,
		"combustible":          p.Vehicle.Combustible,
	}
}

func unchanged(rec *core.Record, data map[string]any) bool {
	for field, value := range data {
		if !FieldEquals(rec.Get(field), value) {
			return false
		}
	}
	return true
}

// flush saves writes in transactions of batchSize rows. When a transaction
// fails its rows are retried one by one and only the failing rows are lost.
func (s *Store) flush(ctx context.Context, collection string, writes []rowWrite, res *WriteResult) error {
	if len(writes) == 0 {
		return nil
	}
	col, err := s.app.FindCollectionByNameOrId(collection)
	if err != nil {
		return fmt.Errorf("finding collection %s: %w", collection, err)
	}

	for _, batch := range chunk(writes, s.batchSize) {
		if err := ctx.Err(); err != nil {
			return err
		}

		txErr := s.app.RunInTransaction(func(txApp core.App) error {
			for _, w := range batch {
				if err := txApp.Save(buildRecord(col, w)); err != nil {
					return fmt.Errorf("%s %d: %w", collection, w.key, err)
				}
			}
			return nil
		})
		if txErr == nil {
			for _, w := range batch {
				countWrite(res, w)
			}
			continue
		}

		s.logger.Warn("Batch transaction failed, retrying rows individually",
			"collection", collection, "rows", len(batch), "error", txErr)
		for _, w := range batch {
			if err := s.app.Save(buildRecord(col, w)); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s %d: %v", collection, w.key, err))
				continue
			}
			countWrite(res, w)
		}
	}
	return nil
}

// buildRecord creates a fresh record for inserts so a rolled back attempt
// leaves no state behind
func buildRecord(col *core.Collection, w rowWrite) *core.Record {
	rec := w.existing
	if rec == nil {
		rec = core.NewRecord(col)
	}
	for field, value := range w.data {
		rec.Set(field, value)
	}
	return rec
}

func countWrite(res *WriteResult, w rowWrite) {
	switch {
	case w.touch:
		res.Skipped++
		return
	case w.existing == nil:
		res.Created++
	default:
		res.Updated++
	}
	if w.pending {
		res.Pending++
	}
}

func (s *Store) record(kind string, res WriteResult) {
	s.metrics.AddRecords(kind, "created", res.Created)
	s.metrics.AddRecords(kind, "updated", res.Updated)
	s.metrics.AddRecords(kind, "skipped", res.Skipped)
	s.metrics.AddRecords(kind, "pending", res.Pending)
	s.metrics.AddRecords(kind, "error", len(res.Errors))
}
