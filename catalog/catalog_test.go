package catalog

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tests"
	"github.com/shopspring/decimal"

	"github.com/desguace/partsync/correlate"
	"github.com/desguace/partsync/migrations"
	"github.com/desguace/partsync/normalize"
)

func newTestStore(t *testing.T) (*tests.TestApp, *Store) {
	t.Helper()
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatalf("Failed to create test app: %v", err)
	}
	t.Cleanup(app.Cleanup)
	return app, NewStore(app, Options{BatchSize: 3})
}

func testVehicle(id int) normalize.Vehicle {
	return normalize.Vehicle{
		IDLocal:     id,
		IDEmpresa:   1234,
		Marca:       "SEAT",
		Modelo:      "IBIZA",
		Anyo:        2015,
		Combustible: "Gasolina",
		Imagenes:    []string{"https://img.example.com/v.jpg"},
		FechaMod:    time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
		Activo:      true,
	}
}

func testPart(ref, vehicleID int, price string) normalize.Part {
	precio := decimal.RequireFromString(price)
	return normalize.Part{
		RefLocal:            ref,
		IDEmpresa:           1234,
		IDVehiculo:          vehicleID,
		DescripcionFamilia:  "ALUMBRADO",
		DescripcionArticulo: "FARO DERECHO",
		Precio:              precio,
		HasPrice:            !precio.IsZero(),
		AnyoInicio:          normalize.DefaultAnyoInicio,
		AnyoFin:             normalize.DefaultAnyoFin,
		Imagenes:            []string{normalize.PlaceholderImage},
		FechaMod:            time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC),
		Activo:              true,
	}
}

func findPart(t *testing.T, app core.App, ref int) *core.Record {
	t.Helper()
	rec, err := app.FindFirstRecordByData(migrations.CollectionParts, "ref_local", ref)
	if err != nil {
		t.Fatalf("part %d not found: %v", ref, err)
	}
	return rec
}

func countLinks(t *testing.T, app core.App) int64 {
	t.Helper()
	n, err := app.CountRecords(migrations.CollectionVehicleParts)
	if err != nil {
		t.Fatalf("CountRecords failed: %v", err)
	}
	return n
}

func TestWriteVehicles_CreateSkipUpdate(t *testing.T) {
	app, store := newTestStore(t)
	ctx := context.Background()

	vehicles := []normalize.Vehicle{testVehicle(5000), testVehicle(5001), testVehicle(5002), testVehicle(5003)}
	res, err := store.WriteVehicles(ctx, vehicles, WriteOptions{})
	if err != nil {
		t.Fatalf("WriteVehicles failed: %v", err)
	}
	if res.Created != 4 || res.Updated != 0 || res.Skipped != 0 {
		t.Errorf("first write = %+v, want 4 created", res)
	}

	res, err = store.WriteVehicles(ctx, vehicles, WriteOptions{})
	if err != nil {
		t.Fatalf("WriteVehicles failed: %v", err)
	}
	if res.Skipped != 4 || res.Written() != 0 {
		t.Errorf("unchanged write = %+v, want 4 skipped", res)
	}

	changed := testVehicle(5001)
	changed.Color = "ROJO"
	res, err = store.WriteVehicles(ctx, []normalize.Vehicle{changed}, WriteOptions{})
	if err != nil {
		t.Fatalf("WriteVehicles failed: %v", err)
	}
	if res.Updated != 1 {
		t.Errorf("changed write = %+v, want 1 updated", res)
	}

	rec, err := app.FindFirstRecordByData(migrations.CollectionVehicles, "id_local", 5001)
	if err != nil {
		t.Fatalf("vehicle not found: %v", err)
	}
	if got := rec.GetString("color"); got != "ROJO" {
		t.Errorf("color = %q, want ROJO", got)
	}
	if rec.GetDateTime(confirmationField).IsZero() {
		t.Error("last_api_confirmation not set")
	}

	n, _ := store.CountVehicles()
	if n != 4 {
		t.Errorf("CountVehicles() = %d, want 4", n)
	}
}

func TestWriteVehicles_DuplicateKeysLastWins(t *testing.T) {
	app, store := newTestStore(t)

	first := testVehicle(7000)
	second := testVehicle(7000)
	second.Modelo = "LEON"

	res, err := store.WriteVehicles(context.Background(), []normalize.Vehicle{first, second}, WriteOptions{})
	if err != nil {
		t.Fatalf("WriteVehicles failed: %v", err)
	}
	if res.Created != 1 {
		t.Errorf("Created = %d, want 1", res.Created)
	}
	rec, err := app.FindFirstRecordByData(migrations.CollectionVehicles, "id_local", 7000)
	if err != nil {
		t.Fatalf("vehicle not found: %v", err)
	}
	if got := rec.GetString("modelo"); got != "LEON" {
		t.Errorf("modelo = %q, want LEON", got)
	}
}

func TestWriteVehicles_SkipExisting(t *testing.T) {
	app, store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.WriteVehicles(ctx, []normalize.Vehicle{testVehicle(5000)}, WriteOptions{}); err != nil {
		t.Fatalf("WriteVehicles failed: %v", err)
	}
	changed := testVehicle(5000)
	changed.Modelo = "LEON"
	res, err := store.WriteVehicles(ctx, []normalize.Vehicle{changed, testVehicle(5001)}, WriteOptions{SkipExisting: true})
	if err != nil {
		t.Fatalf("WriteVehicles failed: %v", err)
	}
	if res.Skipped != 1 || res.Created != 1 {
		t.Errorf("result = %+v, want 1 skipped and 1 created", res)
	}
	rec, _ := app.FindFirstRecordByData(migrations.CollectionVehicles, "id_local", 5000)
	if got := rec.GetString("modelo"); got != "IBIZA" {
		t.Errorf("modelo = %q, want IBIZA", got)
	}
}

func TestWriteParts_PendingThenResolved(t *testing.T) {
	app, store := newTestStore(t)
	ctx := context.Background()

	res, err := store.WriteParts(ctx, []normalize.Part{testPart(100001, 5000, "25.00")}, WriteOptions{})
	if err != nil {
		t.Fatalf("WriteParts failed: %v", err)
	}
	if res.Created != 1 || res.Pending != 1 {
		t.Errorf("result = %+v, want 1 created pending", res)
	}
	part := findPart(t, app, 100001)
	if part.GetBool("activo") {
		t.Error("pending part should be inactive")
	}
	if !part.GetBool("is_pending_relation") {
		t.Error("is_pending_relation = false, want true")
	}
	if !part.GetBool("disponible_api") {
		t.Error("disponible_api = false, want true")
	}

	if _, err := store.WriteVehicles(ctx, []normalize.Vehicle{testVehicle(5000)}, WriteOptions{}); err != nil {
		t.Fatalf("WriteVehicles failed: %v", err)
	}

	resolved, err := store.ResolvePendingRelations(ctx)
	if err != nil {
		t.Fatalf("ResolvePendingRelations failed: %v", err)
	}
	if resolved != 1 {
		t.Errorf("resolved = %d, want 1", resolved)
	}

	part = findPart(t, app, 100001)
	if !part.GetBool("activo") || part.GetBool("is_pending_relation") {
		t.Errorf("part activo=%v pending=%v, want active and resolved",
			part.GetBool("activo"), part.GetBool("is_pending_relation"))
	}
	if got := part.GetString("vehicle_marca"); got != "SEAT" {
		t.Errorf("vehicle_marca = %q, want SEAT", got)
	}
	if n := countLinks(t, app); n != 1 {
		t.Errorf("vehicle_parts = %d, want 1", n)
	}

	// linking again creates nothing
	created, err := store.LinkVehicleParts(ctx, []int{100001})
	if err != nil {
		t.Fatalf("LinkVehicleParts failed: %v", err)
	}
	if created != 0 {
		t.Errorf("second LinkVehicleParts created %d, want 0", created)
	}
}

func TestResolvePendingRelations_SubCentPrice(t *testing.T) {
	app, store := newTestStore(t)
	ctx := context.Background()

	// raw price "0,5" truncates to 0 but still counts as priced
	part := testPart(100001, 5000, "0")
	part.HasPrice = true
	if _, err := store.WriteParts(ctx, []normalize.Part{part}, WriteOptions{}); err != nil {
		t.Fatalf("WriteParts failed: %v", err)
	}
	if _, err := store.WriteVehicles(ctx, []normalize.Vehicle{testVehicle(5000)}, WriteOptions{}); err != nil {
		t.Fatalf("WriteVehicles failed: %v", err)
	}
	if _, err := store.ResolvePendingRelations(ctx); err != nil {
		t.Fatalf("ResolvePendingRelations failed: %v", err)
	}

	rec := findPart(t, app, 100001)
	if !rec.GetBool("activo") {
		t.Error("resolved part with a non-zero raw price should be active")
	}
}

func TestWriteParts_FailedBatchFallsBackToRows(t *testing.T) {
	app, store := newTestStore(t)
	ctx := context.Background()

	app.OnRecordValidate(migrations.CollectionParts).BindFunc(func(e *core.RecordEvent) error {
		if e.Record.GetInt("ref_local") == 100002 {
			return errors.New("rejected")
		}
		return e.Next()
	})

	parts := []normalize.Part{testPart(100001, -1, "10"), testPart(100002, -1, "10"), testPart(100003, -1, "10")}
	res, err := store.WriteParts(ctx, parts, WriteOptions{})
	if err != nil {
		t.Fatalf("WriteParts failed: %v", err)
	}
	if res.Created != 2 {
		t.Errorf("created = %d, want 2", res.Created)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "100002") {
		t.Errorf("errors = %v, want one entry for 100002", res.Errors)
	}

	findPart(t, app, 100001)
	findPart(t, app, 100003)
	if _, err := app.FindFirstRecordByData(migrations.CollectionParts, "ref_local", 100002); err == nil {
		t.Error("rejected part should not be stored")
	}
}

func TestWriteParts_ProcessedVehicleNeverPending(t *testing.T) {
	app, store := newTestStore(t)

	res, err := store.WriteParts(context.Background(), []normalize.Part{testPart(200001, -1, "0")}, WriteOptions{})
	if err != nil {
		t.Fatalf("WriteParts failed: %v", err)
	}
	if res.Pending != 0 {
		t.Errorf("Pending = %d, want 0", res.Pending)
	}
	if part := findPart(t, app, 200001); !part.GetBool("activo") {
		t.Error("processed-vehicle part should stay active")
	}

	created, err := store.LinkVehicleParts(context.Background(), []int{200001})
	if err != nil {
		t.Fatalf("LinkVehicleParts failed: %v", err)
	}
	if created != 0 {
		t.Errorf("LinkVehicleParts created %d for a processed vehicle, want 0", created)
	}
}

func TestWriteParts_SkipExistingTouchesConfirmation(t *testing.T) {
	app, store := newTestStore(t)
	ctx := context.Background()

	store.now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	if _, err := store.WriteParts(ctx, []normalize.Part{testPart(100001, -1, "10")}, WriteOptions{}); err != nil {
		t.Fatalf("WriteParts failed: %v", err)
	}

	store.now = func() time.Time { return time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC) }
	changed := testPart(100001, -1, "10")
	changed.DescripcionArticulo = "PILOTO TRASERO"
	res, err := store.WriteParts(ctx, []normalize.Part{changed}, WriteOptions{SkipExisting: true})
	if err != nil {
		t.Fatalf("WriteParts failed: %v", err)
	}
	if res.Skipped != 1 || res.Written() != 0 {
		t.Errorf("result = %+v, want 1 skipped", res)
	}

	part := findPart(t, app, 100001)
	if got := part.GetString("descripcion_articulo"); got != "FARO DERECHO" {
		t.Errorf("descripcion_articulo = %q, want FARO DERECHO", got)
	}
	if got := part.GetDateTime(confirmationField).Time().Day(); got != 2 {
		t.Errorf("last_api_confirmation day = %d, want 2", got)
	}
}

func TestRefreshVehicleCounters(t *testing.T) {
	app, store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.WriteVehicles(ctx, []normalize.Vehicle{testVehicle(5000), testVehicle(5001)}, WriteOptions{}); err != nil {
		t.Fatalf("WriteVehicles failed: %v", err)
	}
	unpriced := testPart(100003, 5000, "0")
	inactive := testPart(100004, 5000, "12")
	inactive.Activo = false
	parts := []normalize.Part{testPart(100001, 5000, "25"), testPart(100002, 5000, "30"), unpriced, inactive}
	if _, err := store.WriteParts(ctx, parts, WriteOptions{}); err != nil {
		t.Fatalf("WriteParts failed: %v", err)
	}

	if _, err := store.RefreshVehicleCounters(ctx); err != nil {
		t.Fatalf("RefreshVehicleCounters failed: %v", err)
	}

	tests := []struct {
		id            int
		active, total int
	}{
		{5000, 2, 3},
		{5001, 0, 0},
	}
	for _, tt := range tests {
		rec, err := app.FindFirstRecordByData(migrations.CollectionVehicles, "id_local", tt.id)
		if err != nil {
			t.Fatalf("vehicle %d not found: %v", tt.id, err)
		}
		if got := rec.GetInt("active_parts_count"); got != tt.active {
			t.Errorf("vehicle %d active_parts_count = %d, want %d", tt.id, got, tt.active)
		}
		if got := rec.GetInt("total_parts_count"); got != tt.total {
			t.Errorf("vehicle %d total_parts_count = %d, want %d", tt.id, got, tt.total)
		}
	}
}

func TestCorrectProcessedParts(t *testing.T) {
	app, store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.WriteVehicles(ctx, []normalize.Vehicle{testVehicle(5000)}, WriteOptions{}); err != nil {
		t.Fatalf("WriteVehicles failed: %v", err)
	}

	known := testPart(300001, -1, "10")
	known.DescripcionArticulo = "FARO SEAT IBIZA"
	known.Vehicle = normalize.VehicleInfo{Marca: "GENERAL"}

	unknown := testPart(300002, -2, "10")
	unknown.DescripcionArticulo = "RETROVISOR OPEL CORSA"
	unknown.Vehicle = normalize.VehicleInfo{Marca: "GENERAL"}

	specific := testPart(300003, -3, "10")
	specific.DescripcionArticulo = "FARO SEAT LEON"
	specific.Vehicle = normalize.VehicleInfo{Marca: "FORD", Modelo: "FOCUS"}

	if _, err := store.WriteParts(ctx, []normalize.Part{known, unknown, specific}, WriteOptions{}); err != nil {
		t.Fatalf("WriteParts failed: %v", err)
	}

	corrected, err := store.CorrectProcessedParts(ctx, correlate.New(nil))
	if err != nil {
		t.Fatalf("CorrectProcessedParts failed: %v", err)
	}
	if corrected != 1 {
		t.Errorf("corrected = %d, want 1", corrected)
	}

	if got := findPart(t, app, 300001).GetString("vehicle_marca"); got != "SEAT" {
		t.Errorf("known brand part vehicle_marca = %q, want SEAT", got)
	}
	if got := findPart(t, app, 300002).GetString("vehicle_marca"); got != "GENERAL" {
		t.Errorf("unknown brand part vehicle_marca = %q, want GENERAL", got)
	}
	if got := findPart(t, app, 300003).GetString("vehicle_marca"); got != "FORD" {
		t.Errorf("specific brand part vehicle_marca = %q, want FORD", got)
	}
}

func TestBrandKnown(t *testing.T) {
	known := []string{"SEAT", "LAND ROVER"}
	tests := []struct {
		brand string
		want  bool
	}{
		{"SEAT", true},
		{"seat", true},
		{"LAND", true},
		{"LAN", false},
		{"OPEL", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := brandKnown(known, tt.brand); got != tt.want {
			t.Errorf("brandKnown(%q) = %v, want %v", tt.brand, got, tt.want)
		}
	}
}

func seedVehicles(t *testing.T, store *Store, n int) map[int]bool {
	t.Helper()
	vehicles := make([]normalize.Vehicle, 0, n)
	seen := make(map[int]bool, n)
	for i := 0; i < n; i++ {
		vehicles = append(vehicles, testVehicle(5000+i))
		seen[5000+i] = true
	}
	if _, err := store.WriteVehicles(context.Background(), vehicles, WriteOptions{}); err != nil {
		t.Fatalf("WriteVehicles failed: %v", err)
	}
	return seen
}

func TestReconcile_DeleteCascadesLinks(t *testing.T) {
	app, store := newTestStore(t)
	ctx := context.Background()

	seen := seedVehicles(t, store, 10)
	if _, err := store.WriteParts(ctx, []normalize.Part{testPart(100001, 5009, "20")}, WriteOptions{}); err != nil {
		t.Fatalf("WriteParts failed: %v", err)
	}
	if _, err := store.LinkVehicleParts(ctx, []int{100001}); err != nil {
		t.Fatalf("LinkVehicleParts failed: %v", err)
	}
	if n := countLinks(t, app); n != 1 {
		t.Fatalf("vehicle_parts = %d, want 1", n)
	}

	delete(seen, 5009)
	res, err := store.Reconcile(ctx, KindVehicles, seen, ModeDelete)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Candidates != 1 || res.Applied != 1 || res.Aborted {
		t.Errorf("result = %+v, want 1 candidate applied", res)
	}
	if n, _ := store.CountVehicles(); n != 9 {
		t.Errorf("CountVehicles() = %d, want 9", n)
	}
	if n := countLinks(t, app); n != 0 {
		t.Errorf("vehicle_parts = %d after delete, want 0", n)
	}
}

func TestReconcile_ThresholdAborts(t *testing.T) {
	_, store := newTestStore(t)

	seen := seedVehicles(t, store, 10)
	delete(seen, 5008)
	delete(seen, 5009)

	res, err := store.Reconcile(context.Background(), KindVehicles, seen, ModeDelete)
	if !errors.Is(err, ErrThresholdExceeded) {
		t.Fatalf("err = %v, want ErrThresholdExceeded", err)
	}
	if !res.Aborted || res.Candidates != 2 || res.Applied != 0 {
		t.Errorf("result = %+v, want aborted with 2 candidates", res)
	}
	if n, _ := store.CountVehicles(); n != 10 {
		t.Errorf("CountVehicles() = %d, want 10", n)
	}
}

func TestReconcile_Modes(t *testing.T) {
	tests := []struct {
		name        string
		mode        Mode
		wantApplied int
		check       func(t *testing.T, app core.App)
	}{
		{
			name:        "deactivate",
			mode:        ModeDeactivate,
			wantApplied: 1,
			check: func(t *testing.T, app core.App) {
				if findPart(t, app, 100010).GetBool("activo") {
					t.Error("missing part still active")
				}
			},
		},
		{
			name:        "mark unavailable",
			mode:        ModeMarkUnavailable,
			wantApplied: 1,
			check: func(t *testing.T, app core.App) {
				part := findPart(t, app, 100010)
				if part.GetBool("disponible_api") {
					t.Error("missing part still disponible_api")
				}
				if !part.GetBool("activo") {
					t.Error("mark_unavailable should not deactivate")
				}
			},
		},
		{
			name:        "conservative",
			mode:        ModeConservative,
			wantApplied: 0,
			check: func(t *testing.T, app core.App) {
				part := findPart(t, app, 100010)
				if !part.GetBool("activo") || !part.GetBool("disponible_api") {
					t.Error("conservative mode changed the part")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, store := newTestStore(t)
			ctx := context.Background()

			parts := make([]normalize.Part, 0, 10)
			seen := map[int]bool{}
			for i := 1; i <= 10; i++ {
				parts = append(parts, testPart(100000+i, -1, "15"))
				seen[100000+i] = true
			}
			if _, err := store.WriteParts(ctx, parts, WriteOptions{}); err != nil {
				t.Fatalf("WriteParts failed: %v", err)
			}
			delete(seen, 100010)

			res, err := store.Reconcile(ctx, KindParts, seen, tt.mode)
			if err != nil {
				t.Fatalf("Reconcile failed: %v", err)
			}
			if res.Candidates != 1 {
				t.Errorf("Candidates = %d, want 1", res.Candidates)
			}
			if res.Applied != tt.wantApplied {
				t.Errorf("Applied = %d, want %d", res.Applied, tt.wantApplied)
			}
			tt.check(t, app)

			if n, _ := store.CountParts(dbx.HashExp{"ref_local": 100010}); n != 1 {
				t.Errorf("part count = %d, want 1 (no delete)", n)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeDelete, false},
		{"delete", ModeDelete, false},
		{" Deactivate ", ModeDeactivate, false},
		{"mark_unavailable", ModeMarkUnavailable, false},
		{"conservative", ModeConservative, false},
		{"purge", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStats(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	seedVehicles(t, store, 2)
	parts := []normalize.Part{
		testPart(100001, 5000, "10"),
		testPart(100002, 9999, "10"), // vehicle not stored
		testPart(100003, -1, "0"),
	}
	if _, err := store.WriteParts(ctx, parts, WriteOptions{}); err != nil {
		t.Fatalf("WriteParts failed: %v", err)
	}

	st, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	want := Stats{Vehicles: 2, ActiveVehicles: 2, Parts: 3, ActiveParts: 2, PendingParts: 1, ProcessedParts: 1}
	if st != want {
		t.Errorf("Stats() = %+v, want %+v", st, want)
	}
}
