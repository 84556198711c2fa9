package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"google.golang.org/api/sheets/v4"

	"github.com/desguace/partsync/catalog"
	"github.com/desguace/partsync/google"
)

const (
	// serviceNameGoogleSheets is the name of the export service
	serviceNameGoogleSheets = "sheets_export"

	tabImports = "Imports"
	tabCatalog = "Catalog"
)

// SheetsWriter interface for writing to Google Sheets (enables mocking)
type SheetsWriter interface {
	EnsureSheet(ctx context.Context, spreadsheetID, sheetTab string) error
	WriteToSheet(ctx context.Context, spreadsheetID, sheetTab string, data [][]interface{}) error
	ClearSheet(ctx context.Context, spreadsheetID, sheetTab string) error
}

// RealSheetsWriter implements SheetsWriter using the Google Sheets API
type RealSheetsWriter struct {
	service *sheets.Service
}

// NewRealSheetsWriter creates a new RealSheetsWriter
func NewRealSheetsWriter(service *sheets.Service) *RealSheetsWriter {
	return &RealSheetsWriter{service: service}
}

// EnsureSheet adds the tab when the spreadsheet does not have it
func (w *RealSheetsWriter) EnsureSheet(ctx context.Context, spreadsheetID, sheetTab string) error {
	spreadsheet, err := w.service.Spreadsheets.Get(spreadsheetID).
		Fields("sheets.properties.title").
		Context(ctx).
		Do()
	if err != nil {
		return err
	}
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == sheetTab {
			return nil
		}
	}

	_, err = w.service.Spreadsheets.BatchUpdate(spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{
				Properties: &sheets.SheetProperties{Title: sheetTab},
			},
		}},
	}).Context(ctx).Do()
	return err
}

// WriteToSheet writes data to a specific sheet tab
func (w *RealSheetsWriter) WriteToSheet(ctx context.Context, spreadsheetID, sheetTab string, data [][]interface{}) error {
	valueRange := &sheets.ValueRange{
		Values: data,
	}

	_, err := w.service.Spreadsheets.Values.Update(
		spreadsheetID,
		sheetTab+"!A1",
		valueRange,
	).ValueInputOption("RAW").Context(ctx).Do()

	return err
}

// ClearSheet clears all data from a sheet tab
func (w *RealSheetsWriter) ClearSheet(ctx context.Context, spreadsheetID, sheetTab string) error {
	_, err := w.service.Spreadsheets.Values.Clear(
		spreadsheetID,
		sheetTab+"!A:Z",
		&sheets.ClearValuesRequest{},
	).Context(ctx).Do()

	return err
}

// GoogleSheetsExport writes the import history and catalog counters to a
// spreadsheet. It runs as the last step of an import sequence.
type GoogleSheetsExport struct {
	app           core.App
	catalog       *catalog.Store
	sheetsWriter  SheetsWriter
	spreadsheetID string
	exports       []ExportConfig
	stats         Stats

	// createSpreadsheet is called once when no spreadsheet ID is known
	createSpreadsheet func(ctx context.Context, title string) (string, error)
}

// NewGoogleSheetsExport creates the export service
func NewGoogleSheetsExport(app core.App, store *catalog.Store, writer SheetsWriter, spreadsheetID string) *GoogleSheetsExport {
	return &GoogleSheetsExport{
		app:               app,
		catalog:           store,
		sheetsWriter:      writer,
		spreadsheetID:     spreadsheetID,
		exports:           DefaultExports(),
		createSpreadsheet: google.CreateSpreadsheet,
	}
}

// NewGoogleSheetsExportFromEnv builds the export from the GOOGLE_* settings
func NewGoogleSheetsExportFromEnv(ctx context.Context, app core.App, store *catalog.Store) (*GoogleSheetsExport, error) {
	service, err := google.NewSheetsClient(ctx)
	if err != nil {
		return nil, err
	}
	if service == nil {
		return nil, fmt.Errorf("google sheets is not enabled")
	}
	return NewGoogleSheetsExport(app, store, NewRealSheetsWriter(service), google.GetSpreadsheetID()), nil
}

// Name returns the name of this service
func (g *GoogleSheetsExport) Name() string {
	return serviceNameGoogleSheets
}

// GetStats returns the stats of the last export
func (g *GoogleSheetsExport) GetStats() Stats {
	return g.stats
}

// SpreadsheetID returns the target spreadsheet, empty until created
func (g *GoogleSheetsExport) SpreadsheetID() string {
	return g.spreadsheetID
}

// Sync implements Service
func (g *GoogleSheetsExport) Sync(ctx context.Context) error {
	startTime := time.Now()
	g.stats = Stats{}

	if g.catalog != nil {
		if _, err := g.catalog.RefreshVehicleCounters(ctx); err != nil {
			slog.Warn("Failed to refresh counters before export", "error", err)
		}
	}

	if err := g.ensureSpreadsheet(ctx); err != nil {
		return err
	}
	slog.Info("Starting Google Sheets export", "spreadsheet_id", g.spreadsheetID)

	exporter := NewTableExporter(g.sheetsWriter, g.spreadsheetID)
	for _, cfg := range g.exports {
		if err := ctx.Err(); err != nil {
			return err
		}
		records, err := LoadExportRecords(g.app, cfg)
		if err != nil {
			g.stats.Errors++
			return err
		}
		if err := exporter.Export(ctx, cfg, records); err != nil {
			g.stats.Errors++
			return fmt.Errorf("exporting %s: %w", cfg.SheetName, err)
		}
		g.stats.Updated += len(records)
	}

	g.stats.Duration = int(time.Since(startTime).Seconds())
	slog.Info("Google Sheets export complete",
		"tabs", len(g.exports),
		"rows", g.stats.Updated,
		"url", google.FormatSpreadsheetURL(g.spreadsheetID),
	)
	return nil
}

func (g *GoogleSheetsExport) ensureSpreadsheet(ctx context.Context) error {
	if g.spreadsheetID != "" {
		return nil
	}
	id, err := g.createSpreadsheet(ctx, google.FormatWorkbookTitle())
	if err != nil {
		return fmt.Errorf("creating spreadsheet: %w", err)
	}
	g.spreadsheetID = id
	g.stats.Created++
	slog.Info("Created export spreadsheet",
		"spreadsheet_id", id,
		"hint", "set GOOGLE_SHEETS_SPREADSHEET_ID to reuse it")
	if err := os.Setenv("GOOGLE_SHEETS_SPREADSHEET_ID", id); err != nil {
		slog.Debug("Could not export spreadsheet id to env", "error", err)
	}
	return nil
}
