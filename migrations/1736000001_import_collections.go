package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

// Collection names
const (
	CollectionImportHistory  = "import_history"
	CollectionImportSchedule = "import_schedule"
	CollectionSyncControl    = "sync_control"
	CollectionAPIConfig      = "api_config"
)

var importTypes = []string{"vehicles", "parts", "all"}

func init() {
	m.Register(func(app core.App) error {
		history := core.NewBaseCollection(CollectionImportHistory)
		history.Fields.Add(
			&core.SelectField{Name: "type", Values: importTypes, MaxSelect: 1, Required: true},
			&core.SelectField{
				Name:      "status",
				Values:    []string{"in_progress", "completed", "partial", "failed", "cancelled", "paused"},
				MaxSelect: 1,
				Required:  true,
			},
			&core.NumberField{Name: "progress", OnlyInt: true},
			&core.TextField{Name: "processing_item"},
			&core.NumberField{Name: "total_items", OnlyInt: true},
			&core.NumberField{Name: "processed_items", OnlyInt: true},
			&core.NumberField{Name: "new_items", OnlyInt: true},
			&core.NumberField{Name: "updated_items", OnlyInt: true},
			&core.NumberField{Name: "items_deactivated", OnlyInt: true},
			&core.JSONField{Name: "errors"},
			&core.NumberField{Name: "error_count", OnlyInt: true},
			&core.JSONField{Name: "details"},
			&core.JSONField{Name: "options"},
			&core.BoolField{Name: "is_full_import"},
			&core.BoolField{Name: "can_resume"},
			&core.TextField{Name: "run_id"},
			&core.DateField{Name: "start_time"},
			&core.DateField{Name: "end_time"},
			&core.DateField{Name: "last_updated"},
			&core.AutodateField{Name: "created", OnCreate: true},
		)
		history.AddIndex("idx_import_history_status", false, "status", "")
		history.AddIndex("idx_import_history_start", false, "start_time", "")
		if err := app.Save(history); err != nil {
			return err
		}

		schedule := core.NewBaseCollection(CollectionImportSchedule)
		schedule.Fields.Add(
			&core.SelectField{Name: "type", Values: importTypes, MaxSelect: 1, Required: true},
			&core.SelectField{
				Name:      "frequency",
				Values:    []string{"5m", "15m", "30m", "1h", "2h", "4h", "6h", "8h", "12h", "24h", "7d"},
				MaxSelect: 1,
			},
			&core.TextField{Name: "start_time", Pattern: `^([01]\d|2[0-3]):[0-5]\d$`},
			&core.JSONField{Name: "days"},
			&core.BoolField{Name: "active"},
			&core.BoolField{Name: "is_full_import"},
			&core.JSONField{Name: "options"},
			&core.DateField{Name: "last_run"},
			&core.DateField{Name: "next_run"},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		if err := app.Save(schedule); err != nil {
			return err
		}

		control := core.NewBaseCollection(CollectionSyncControl)
		control.Fields.Add(
			&core.TextField{Name: "type", Required: true},
			&core.DateField{Name: "last_sync_date"},
			&core.NumberField{Name: "last_id", OnlyInt: true},
			&core.NumberField{Name: "records_processed", OnlyInt: true},
			&core.BoolField{Name: "active"},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		control.AddIndex("idx_sync_control_type", true, "type", "")
		if err := app.Save(control); err != nil {
			return err
		}

		apiConfig := core.NewBaseCollection(CollectionAPIConfig)
		apiConfig.Fields.Add(
			&core.TextField{Name: "api_key", Required: true, Hidden: true},
			&core.NumberField{Name: "company_id", OnlyInt: true},
			&core.TextField{Name: "channel"},
			&core.BoolField{Name: "active"},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)
		return app.Save(apiConfig)
	}, func(app core.App) error {
		for _, name := range []string{CollectionAPIConfig, CollectionSyncControl, CollectionImportSchedule, CollectionImportHistory} {
			collection, err := app.FindCollectionByNameOrId(name)
			if err != nil {
				continue
			}
			if err := app.Delete(collection); err != nil {
				return err
			}
		}
		return nil
	})
}
