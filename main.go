// Package main is the entry point for the partsync PocketBase server
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/jsvm"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/pocketbase/pocketbase/tools/hook"

	"github.com/desguace/partsync/config"
	"github.com/desguace/partsync/logging"
	_ "github.com/desguace/partsync/migrations"
	"github.com/desguace/partsync/sync"
)

func main() {
	// .env files may set LOG_LEVEL, so configuration loads first
	cfg, cfgErr := config.Load()

	// Format: 2026-01-06T14:05:52Z [partsync] LEVEL message
	logging.Init("partsync")
	if cfgErr != nil {
		slog.Error("Invalid configuration", "error", cfgErr)
		os.Exit(1)
	}

	app := pocketbase.New()

	// ---------------------------------------------------------------
	// Optional plugin flags:
	// ---------------------------------------------------------------

	var hooksDir string
	app.RootCmd.PersistentFlags().StringVar(
		&hooksDir,
		"hooksDir",
		"",
		"the directory with the JS app hooks",
	)

	var hooksWatch bool
	app.RootCmd.PersistentFlags().BoolVar(
		&hooksWatch,
		"hooksWatch",
		true,
		"auto restart the app on pb_hooks file change",
	)

	var automigrate bool
	app.RootCmd.PersistentFlags().BoolVar(
		&automigrate,
		"automigrate",
		false,
		"enable/disable auto migrations",
	)

	var publicDir string
	app.RootCmd.PersistentFlags().StringVar(
		&publicDir,
		"publicDir",
		defaultPublicDir(),
		"the directory to serve static files",
	)

	var indexFallback bool
	app.RootCmd.PersistentFlags().BoolVar(
		&indexFallback,
		"indexFallback",
		true,
		"fallback the request to index.html on missing static path",
	)

	// ---------------------------------------------------------------
	// Register plugins:
	// ---------------------------------------------------------------

	// JS hooks only; collections come from the Go migrations
	jsvm.MustRegister(app, jsvm.Config{
		HooksDir:   hooksDir,
		HooksWatch: hooksWatch,
	})

	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		TemplateLang: migratecmd.TemplateLangGo,
		Automigrate:  automigrate,
		Dir:          "migrations",
	})

	app.RootCmd.AddCommand(sync.NewImportCommand(app, cfg))

	// ---------------------------------------------------------------
	// Register custom routes and services:
	// ---------------------------------------------------------------

	app.OnServe().Bind(&hook.Handler[*core.ServeEvent]{
		Func: func(e *core.ServeEvent) error {
			slog.Info("Initializing import service")
			if err := sync.InitializeSyncService(app, cfg, e); err != nil {
				return err
			}

			return e.Next()
		},
	})

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		if !cfg.Import.SchedulerEnabled {
			slog.Info("Import scheduler disabled")
			return e.Next()
		}

		go func() {
			// Wait a bit to ensure everything is initialized
			time.Sleep(2 * time.Second)

			slog.Info("Starting import scheduler")
			if err := sync.StartSyncScheduler(context.Background(), app, cfg); err != nil {
				slog.Error("Failed to start import scheduler", "error", err)
			}
		}()

		return e.Next()
	})

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		sync.GetScheduler(app, cfg).Stop()
		return e.Next()
	})

	// Register static file serving (with lowest priority)
	app.OnServe().Bind(&hook.Handler[*core.ServeEvent]{
		Func: func(e *core.ServeEvent) error {
			if !e.Router.HasRoute(http.MethodGet, "/{path...}") {
				e.Router.GET("/{path...}", apis.Static(os.DirFS(publicDir), indexFallback))
			}
			return e.Next()
		},
		Priority: 999,
	})

	if err := app.Start(); err != nil {
		slog.Error("Failed to start application", "error", err)
		os.Exit(1)
	}
}

// the default pb_public dir location is relative to the executable
func defaultPublicDir() string {
	if strings.HasPrefix(os.Args[0], os.TempDir()) {
		// most likely ran with go run
		return "./pb_public"
	}

	return filepath.Join(filepath.Dir(os.Args[0]), "pb_public")
}
