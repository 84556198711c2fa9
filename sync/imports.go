package sync

import (
	"context"
	"fmt"

	"github.com/desguace/partsync/catalog"
	"github.com/desguace/partsync/correlate"
	"github.com/desguace/partsync/history"
	"github.com/desguace/partsync/metasync"
	"github.com/desguace/partsync/normalize"
)

// VehicleImport imports vehicle changes
type VehicleImport struct {
	BaseImport
}

// NewVehicleImport creates the vehicles import service
func NewVehicleImport(deps Deps) *VehicleImport {
	return &VehicleImport{BaseImport: newBaseImport(history.TypeVehicles, deps)}
}

// Sync implements Service
func (v *VehicleImport) Sync(ctx context.Context) error {
	return v.run(ctx, v.Client.FetchVehicleChanges, v.handleBatch, v.afterImport)
}

func (v *VehicleImport) handleBatch(ctx context.Context, page *metasync.Page, st *runState) (catalog.WriteResult, error) {
	vehicles := make([]normalize.Vehicle, 0, len(page.Items))
	for _, raw := range page.Items {
		vehicle, err := normalize.NormalizeVehicle(raw, v.Client.CompanyID())
		if err != nil {
			st.invalid++
			st.log.Debug("Skipping vehicle", "error", err)
			continue
		}
		st.seen[vehicle.IDLocal] = true
		st.observeFechaMod(vehicle.FechaMod)
		vehicles = append(vehicles, vehicle)
	}
	return v.Catalog.WriteVehicles(ctx, vehicles, catalog.WriteOptions{SkipExisting: st.opts.SkipExisting})
}

func (v *VehicleImport) afterImport(ctx context.Context, st *runState) error {
	v.reconcile(ctx, st, catalog.KindVehicles)
	if _, err := v.Catalog.RefreshVehicleCounters(ctx); err != nil {
		return err
	}
	return nil
}

// PartImport imports part changes and resolves their vehicles
type PartImport struct {
	BaseImport
}

// NewPartImport creates the parts import service
func NewPartImport(deps Deps) *PartImport {
	return &PartImport{BaseImport: newBaseImport(history.TypeParts, deps)}
}

// Sync implements Service
func (p *PartImport) Sync(ctx context.Context) error {
	return p.run(ctx, p.Client.FetchPartChanges, p.handleBatch, p.afterImport)
}

func (p *PartImport) handleBatch(ctx context.Context, page *metasync.Page, st *runState) (catalog.WriteResult, error) {
	batchVehicles := correlate.IndexVehicles(page.Vehicles)

	ids := make([]int, 0, len(page.Items))
	for _, raw := range page.Items {
		if id := normalize.IntOr(raw, 0, "idVehiculo", "IdVehiculo"); id > 0 {
			if _, inBatch := batchVehicles[id]; !inBatch {
				ids = append(ids, id)
			}
		}
	}
	stored, err := p.Catalog.LoadVehicles(ctx, ids)
	if err != nil {
		return catalog.WriteResult{}, fmt.Errorf("loading vehicles: %w", err)
	}

	parts := make([]normalize.Part, 0, len(page.Items))
	for _, raw := range page.Items {
		match := p.Correlator.Resolve(raw, batchVehicles, stored)
		part, err := normalize.NormalizePart(raw, p.Client.CompanyID(), match.Info)
		if err != nil {
			st.invalid++
			st.log.Debug("Skipping part", "error", err)
			continue
		}
		st.seen[part.RefLocal] = true
		st.observeFechaMod(part.FechaMod)
		if part.IDVehiculo > 0 {
			st.linkRefs = append(st.linkRefs, part.RefLocal)
		}
		parts = append(parts, part)
	}
	return p.Catalog.WriteParts(ctx, parts, catalog.WriteOptions{SkipExisting: st.opts.SkipExisting})
}

func (p *PartImport) afterImport(ctx context.Context, st *runState) error {
	resolved, err := p.Catalog.ResolvePendingRelations(ctx)
	if err != nil {
		return fmt.Errorf("resolving pending relations: %w", err)
	}
	linked, err := p.Catalog.LinkVehicleParts(ctx, st.linkRefs)
	if err != nil {
		return fmt.Errorf("linking vehicle parts: %w", err)
	}

	p.reconcile(ctx, st, catalog.KindParts)

	if _, err := p.Catalog.RefreshVehicleCounters(ctx); err != nil {
		return err
	}
	corrected, err := p.Catalog.CorrectProcessedParts(ctx, p.Correlator)
	if err != nil {
		return fmt.Errorf("correcting processed parts: %w", err)
	}

	if err := p.History.SetDetails(ctx, st.run.ID, map[string]any{
		"pending_resolved":  resolved,
		"links_created":     linked,
		"processed_correct": corrected,
	}); err != nil {
		st.log.Warn("Failed to store post-import details", "error", err)
	}
	return nil
}
