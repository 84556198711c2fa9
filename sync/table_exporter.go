package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"

	"github.com/desguace/partsync/migrations"
)

// FieldType defines how a column value should be transformed
type FieldType int

const (
	FieldTypeText FieldType = iota
	FieldTypeNumber
	FieldTypeDate
	FieldTypeBool
	FieldTypeJSON
)

const exportDateLayout = "2006-01-02 15:04"

// ColumnConfig defines a single column mapping for export
type ColumnConfig struct {
	Field  string    // PocketBase field name
	Header string    // Sheet column header
	Type   FieldType // How to transform the value
}

// ExportConfig defines how a collection exports to a sheet tab
type ExportConfig struct {
	Collection string
	SheetName  string
	Filter     string // PocketBase filter, all rows when empty
	Sort       string
	Limit      int
	Columns    []ColumnConfig
}

// ResolveValue transforms a raw record value based on column configuration
func ResolveValue(value any, col ColumnConfig) any {
	if value == nil {
		return ""
	}

	switch col.Type {
	case FieldTypeNumber:
		switch v := value.(type) {
		case float64:
			if v == math.Trunc(v) {
				return int64(v)
			}
			return v
		case int, int64:
			return v
		}
		return safeString(value)

	case FieldTypeDate:
		switch v := value.(type) {
		case types.DateTime:
			if v.IsZero() {
				return ""
			}
			return v.Time().UTC().Format(exportDateLayout)
		case time.Time:
			if v.IsZero() {
				return ""
			}
			return v.UTC().Format(exportDateLayout)
		}
		return safeString(value)

	case FieldTypeBool:
		if b, ok := value.(bool); ok {
			if b {
				return "yes"
			}
			return "no"
		}
		return safeString(value)

	case FieldTypeJSON:
		if raw, ok := value.(types.JSONRaw); ok {
			if len(raw) == 0 || string(raw) == "null" {
				return ""
			}
			return string(raw)
		}
		data, err := json.Marshal(value)
		if err != nil {
			return safeString(value)
		}
		return string(data)

	default:
		return safeString(value)
	}
}

func safeString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

// BuildDataMatrix converts records to a 2D array for Google Sheets.
// The first row holds the headers.
func BuildDataMatrix(records []map[string]any, columns []ColumnConfig) [][]interface{} {
	data := make([][]interface{}, 0, 1+len(records))

	headers := make([]interface{}, len(columns))
	for i, col := range columns {
		headers[i] = col.Header
	}
	data = append(data, headers)

	for _, record := range records {
		row := make([]interface{}, len(columns))
		for i, col := range columns {
			row[i] = ResolveValue(record[col.Field], col)
		}
		data = append(data, row)
	}

	return data
}

// LoadExportRecords reads the rows of an export as plain maps
func LoadExportRecords(app core.App, cfg ExportConfig) ([]map[string]any, error) {
	filter := cfg.Filter
	if filter == "" {
		filter = "id != ''"
	}
	records, err := app.FindRecordsByFilter(cfg.Collection, filter, cfg.Sort, cfg.Limit, 0)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", cfg.Collection, err)
	}

	rows := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		row := make(map[string]any, len(cfg.Columns))
		for _, col := range cfg.Columns {
			row[col.Field] = rec.Get(col.Field)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// TableExporter writes record tables to one spreadsheet
type TableExporter struct {
	writer        SheetsWriter
	spreadsheetID string
}

// NewTableExporter creates a new TableExporter
func NewTableExporter(writer SheetsWriter, spreadsheetID string) *TableExporter {
	return &TableExporter{writer: writer, spreadsheetID: spreadsheetID}
}

// Export replaces the contents of the config's tab with records
func (e *TableExporter) Export(ctx context.Context, config ExportConfig, records []map[string]any) error {
	if err := e.writer.EnsureSheet(ctx, e.spreadsheetID, config.SheetName); err != nil {
		return fmt.Errorf("ensuring sheet %s: %w", config.SheetName, err)
	}

	data := BuildDataMatrix(records, config.Columns)

	// A failed clear on a fresh tab is harmless
	_ = e.writer.ClearSheet(ctx, e.spreadsheetID, config.SheetName)

	if err := e.writer.WriteToSheet(ctx, e.spreadsheetID, config.SheetName, data); err != nil {
		return fmt.Errorf("writing to sheet %s: %w", config.SheetName, err)
	}
	return nil
}

// DefaultExports returns the tabs written by the Sheets export
func DefaultExports() []ExportConfig {
	return []ExportConfig{
		{
			Collection: migrations.CollectionImportHistory,
			SheetName:  tabImports,
			Sort:       "-start_time",
			Limit:      200,
			Columns: []ColumnConfig{
				{Field: "start_time", Header: "Start", Type: FieldTypeDate},
				{Field: "end_time", Header: "End", Type: FieldTypeDate},
				{Field: "type", Header: "Type", Type: FieldTypeText},
				{Field: "status", Header: "Status", Type: FieldTypeText},
				{Field: "is_full_import", Header: "Full", Type: FieldTypeBool},
				{Field: "processed_items", Header: "Processed", Type: FieldTypeNumber},
				{Field: "new_items", Header: "New", Type: FieldTypeNumber},
				{Field: "updated_items", Header: "Updated", Type: FieldTypeNumber},
				{Field: "items_deactivated", Header: "Removed", Type: FieldTypeNumber},
				{Field: "error_count", Header: "Errors", Type: FieldTypeNumber},
			},
		},
		{
			Collection: migrations.CollectionVehicles,
			SheetName:  tabCatalog,
			Sort:       "marca,modelo,id_local",
			Columns: []ColumnConfig{
				{Field: "id_local", Header: "Vehicle ID", Type: FieldTypeNumber},
				{Field: "marca", Header: "Brand", Type: FieldTypeText},
				{Field: "modelo", Header: "Model", Type: FieldTypeText},
				{Field: "version", Header: "Version", Type: FieldTypeText},
				{Field: "anyo", Header: "Year", Type: FieldTypeNumber},
				{Field: "combustible", Header: "Fuel", Type: FieldTypeText},
				{Field: "activo", Header: "Active", Type: FieldTypeBool},
				{Field: "active_parts_count", Header: "Active parts", Type: FieldTypeNumber},
				{Field: "total_parts_count", Header: "Total parts", Type: FieldTypeNumber},
				{Field: "fecha_mod", Header: "Modified", Type: FieldTypeDate},
			},
		},
	}
}
