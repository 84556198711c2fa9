package sync

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"github.com/desguace/partsync/config"
	"github.com/desguace/partsync/migrations"
)

// ResolveMetaSyncConfig applies the newest active api_config row on top of
// the environment settings. The bool reports whether a row was used.
func ResolveMetaSyncConfig(app core.App, base config.MetaSyncConfig) (config.MetaSyncConfig, bool, error) {
	records, err := app.FindRecordsByFilter(
		migrations.CollectionAPIConfig,
		"active = true",
		"-updated",
		1,
		0,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return base, false, nil
		}
		return base, false, fmt.Errorf("reading api_config: %w", err)
	}
	if len(records) == 0 {
		return base, false, nil
	}

	rec := records[0]
	cfg := base
	if key := strings.TrimSpace(rec.GetString("api_key")); key != "" {
		cfg.APIKey = key
	}
	if id := rec.GetInt("company_id"); id > 0 {
		cfg.CompanyID = id
	}
	if channel := strings.TrimSpace(rec.GetString("channel")); channel != "" {
		cfg.Channel = channel
	}
	return cfg, true, nil
}

// SaveAPIConfig stores credentials as the only active api_config row
func SaveAPIConfig(app core.App, apiKey string, companyID int, channel string) error {
	collection, err := app.FindCollectionByNameOrId(migrations.CollectionAPIConfig)
	if err != nil {
		return fmt.Errorf("finding api_config collection: %w", err)
	}

	return app.RunInTransaction(func(txApp core.App) error {
		if _, err := txApp.DB().Update(
			migrations.CollectionAPIConfig,
			dbx.Params{"active": false},
			dbx.HashExp{"active": true},
		).Execute(); err != nil {
			return fmt.Errorf("deactivating api_config rows: %w", err)
		}

		rec := core.NewRecord(collection)
		rec.Set("api_key", apiKey)
		rec.Set("company_id", companyID)
		rec.Set("channel", channel)
		rec.Set("active", true)
		return txApp.Save(rec)
	})
}
