package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"github.com/desguace/partsync/catalog"
	"github.com/desguace/partsync/config"
	"github.com/desguace/partsync/correlate"
	"github.com/desguace/partsync/history"
	"github.com/desguace/partsync/metasync"
)

const apiPrefix = "/api/custom/import"

var validate = validator.New(validator.WithRequiredStructEnabled())

// RunRequest is the body of POST /run
type RunRequest struct {
	Type          string `json:"type" validate:"required,oneof=vehicles parts all"`
	Full          bool   `json:"full"`
	FromDate      string `json:"from_date"`
	SkipExisting  bool   `json:"skip_existing"`
	ReconcileMode string `json:"reconcile_mode" validate:"omitempty,oneof=delete deactivate mark_unavailable conservative"`
}

// APIConfigRequest is the body of PUT /config
type APIConfigRequest struct {
	APIKey    string `json:"api_key" validate:"required,min=8"`
	CompanyID int    `json:"company_id" validate:"required,gt=0"`
	Channel   string `json:"channel"`
}

// requireAuth wraps a handler function to require authentication
func requireAuth(handler func(*core.RequestEvent) error) func(*core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if e.Auth == nil {
			return apis.NewUnauthorizedError("Authentication required", nil)
		}
		return handler(e)
	}
}

// InitializeSyncService sets up the import API endpoints
func InitializeSyncService(app core.App, cfg *config.Config, e *core.ServeEvent) error {
	scheduler := GetScheduler(app, cfg)
	if err := scheduler.Initialize(); err != nil {
		// The catalog endpoints still work without upstream credentials
		slog.Warn("Import services unavailable", "error", err)
	}
	orchestrator := scheduler.GetOrchestrator()

	e.Router.POST(apiPrefix+"/run", requireAuth(func(e *core.RequestEvent) error {
		return handleRun(e, scheduler)
	}))
	e.Router.GET(apiPrefix+"/status", requireAuth(func(e *core.RequestEvent) error {
		return handleStatus(e, scheduler)
	}))

	e.Router.GET(apiPrefix+"/history", requireAuth(func(e *core.RequestEvent) error {
		return handleHistoryList(e, orchestrator)
	}))
	e.Router.GET(apiPrefix+"/history/{id}", requireAuth(func(e *core.RequestEvent) error {
		return handleHistoryGet(e, orchestrator)
	}))
	e.Router.POST(apiPrefix+"/history/{id}/pause", requireAuth(func(e *core.RequestEvent) error {
		return handleHistoryStop(e, orchestrator, history.StatusPaused)
	}))
	e.Router.POST(apiPrefix+"/history/{id}/cancel", requireAuth(func(e *core.RequestEvent) error {
		return handleHistoryStop(e, orchestrator, history.StatusCancelled)
	}))
	e.Router.POST(apiPrefix+"/history/{id}/resume", requireAuth(func(e *core.RequestEvent) error {
		return handleHistoryResume(e, scheduler)
	}))

	e.Router.GET(apiPrefix+"/schedules", requireAuth(func(e *core.RequestEvent) error {
		return handleScheduleList(e, scheduler)
	}))
	e.Router.GET(apiPrefix+"/schedules/{id}", requireAuth(func(e *core.RequestEvent) error {
		return handleScheduleGet(e, scheduler)
	}))
	e.Router.PUT(apiPrefix+"/schedules/{id}", requireAuth(func(e *core.RequestEvent) error {
		return handleScheduleUpdate(e, scheduler)
	}))
	e.Router.POST(apiPrefix+"/schedules/reload", requireAuth(func(e *core.RequestEvent) error {
		if err := scheduler.Reload(e.Request.Context()); err != nil {
			return apis.NewApiError(http.StatusInternalServerError, "Failed to reload schedules", err)
		}
		return e.JSON(http.StatusOK, map[string]any{"status": "reloaded"})
	}))

	e.Router.POST(apiPrefix+"/test-connection", requireAuth(func(e *core.RequestEvent) error {
		return handleTestConnection(e, orchestrator)
	}))
	e.Router.PUT(apiPrefix+"/config", requireAuth(func(e *core.RequestEvent) error {
		return handleSaveAPIConfig(e)
	}))
	e.Router.POST(apiPrefix+"/maintenance/{action}", requireAuth(func(e *core.RequestEvent) error {
		return handleMaintenance(e, orchestrator)
	}))
	e.Router.GET(apiPrefix+"/stats", requireAuth(func(e *core.RequestEvent) error {
		return handleStats(e, orchestrator)
	}))

	e.Router.GET("/api/custom/metrics", requireAuth(apis.WrapStdHandler(orchestrator.Metrics().Handler())))

	slog.Info("Import API endpoints registered", "prefix", apiPrefix)
	return nil
}

// ParseFromDate accepts dd/mm/yyyy with an optional hh:mm:ss
func ParseFromDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{metasync.DateLayout, "02/01/2006 15:04", "02/01/2006"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q, expected dd/mm/yyyy", s)
}

// Options validates the request and converts it to import options
func (r RunRequest) Options() (ImportOptions, error) {
	if err := validate.Struct(r); err != nil {
		return ImportOptions{}, err
	}
	opts := ImportOptions{Full: r.Full, SkipExisting: r.SkipExisting}
	if r.FromDate != "" {
		from, err := ParseFromDate(r.FromDate)
		if err != nil {
			return ImportOptions{}, err
		}
		opts.FromDate = from
	}
	if r.ReconcileMode != "" {
		mode, err := catalog.ParseMode(r.ReconcileMode)
		if err != nil {
			return ImportOptions{}, err
		}
		opts.ReconcileMode = mode
	}
	return opts, nil
}

func handleRun(e *core.RequestEvent, scheduler *Scheduler) error {
	var req RunRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	opts, err := req.Options()
	if err != nil {
		return apis.NewBadRequestError(err.Error(), nil)
	}

	if err := scheduler.TriggerSync(e.Request.Context(), req.Type, opts); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			return e.JSON(http.StatusConflict, map[string]any{"error": err.Error()})
		}
		return e.JSON(http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}

	return e.JSON(http.StatusAccepted, map[string]any{
		"status":  "started",
		"type":    req.Type,
		"options": opts,
	})
}

func handleStatus(e *core.RequestEvent, scheduler *Scheduler) error {
	orchestrator := scheduler.GetOrchestrator()

	statuses := make(map[string]any)
	for _, syncType := range orchestrator.SequenceTypes() {
		if status := orchestrator.GetStatus(syncType); status != nil {
			statuses[syncType] = status
		} else {
			statuses[syncType] = map[string]string{"status": "idle"}
		}
	}
	statuses["_sequence_running"] = orchestrator.IsSequenceRunning()
	statuses["_scheduler_running"] = scheduler.IsRunning()
	statuses["_client_configured"] = orchestrator.Client() != nil

	inProgress, err := orchestrator.History().List(e.Request.Context(), 10, history.StatusInProgress)
	if err != nil {
		slog.Warn("Failed to list running imports", "error", err)
		inProgress = nil
	}
	statuses["_in_progress"] = inProgress

	return e.JSON(http.StatusOK, statuses)
}

func handleHistoryList(e *core.RequestEvent, orchestrator *Orchestrator) error {
	limit, _ := strconv.Atoi(e.Request.URL.Query().Get("limit"))
	status := history.Status(e.Request.URL.Query().Get("status"))

	runs, err := orchestrator.History().List(e.Request.Context(), limit, status)
	if err != nil {
		return apis.NewApiError(http.StatusInternalServerError, "Failed to list imports", err)
	}
	return e.JSON(http.StatusOK, map[string]any{"items": runs, "count": len(runs)})
}

func handleHistoryGet(e *core.RequestEvent, orchestrator *Orchestrator) error {
	run, err := orchestrator.History().Get(e.Request.Context(), e.Request.PathValue("id"))
	if err != nil {
		return apis.NewNotFoundError("Import not found", err)
	}
	return e.JSON(http.StatusOK, run)
}

// handleHistoryStop pauses or cancels a run. Rows left in progress by a
// previous process are updated directly.
func handleHistoryStop(e *core.RequestEvent, orchestrator *Orchestrator, target history.Status) error {
	ctx := e.Request.Context()
	id := e.Request.PathValue("id")

	run, err := orchestrator.History().Get(ctx, id)
	if err != nil {
		return apis.NewNotFoundError("Import not found", err)
	}

	stoppable := run.Status == history.StatusInProgress ||
		(target == history.StatusCancelled && run.Status == history.StatusPaused)
	if !stoppable {
		return e.JSON(http.StatusConflict, map[string]any{
			"error":  fmt.Sprintf("import is %s", run.Status),
			"status": run.Status,
		})
	}

	if syncType, ok := orchestrator.RunningTypeForHistory(id); ok {
		if target == history.StatusPaused {
			err = orchestrator.Pause(syncType)
		} else {
			err = orchestrator.Cancel(syncType)
		}
		if err != nil {
			return e.JSON(http.StatusConflict, map[string]any{"error": err.Error()})
		}
		return e.JSON(http.StatusAccepted, map[string]any{"status": "stopping", "target": target})
	}

	if err := orchestrator.History().SetStatus(ctx, id, target, target == history.StatusPaused); err != nil {
		return apis.NewApiError(http.StatusInternalServerError, "Failed to update import", err)
	}
	return e.JSON(http.StatusOK, map[string]any{"status": target})
}

func handleHistoryResume(e *core.RequestEvent, scheduler *Scheduler) error {
	ctx := e.Request.Context()
	orchestrator := scheduler.GetOrchestrator()

	run, err := orchestrator.History().Get(ctx, e.Request.PathValue("id"))
	if err != nil {
		return apis.NewNotFoundError("Import not found", err)
	}
	if !run.CanResume {
		return e.JSON(http.StatusConflict, map[string]any{"error": "import cannot be resumed", "status": run.Status})
	}

	var opts ImportOptions
	if err := run.DecodeOptions(&opts); err != nil {
		return apis.NewBadRequestError("Stored options are invalid", err)
	}
	opts.Resume = true

	if err := scheduler.TriggerSync(context.WithoutCancel(ctx), run.Type, opts); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			return e.JSON(http.StatusConflict, map[string]any{"error": err.Error()})
		}
		return e.JSON(http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}

	if err := orchestrator.History().SetStatus(ctx, run.ID, run.Status, false); err != nil {
		slog.Warn("Failed to clear resume flag", "id", run.ID, "error", err)
	}
	return e.JSON(http.StatusAccepted, map[string]any{"status": "resumed", "type": run.Type, "from": run.ID})
}

func handleScheduleList(e *core.RequestEvent, scheduler *Scheduler) error {
	list, err := scheduler.Schedules().List(e.Request.Context(), false)
	if err != nil {
		return apis.NewApiError(http.StatusInternalServerError, "Failed to list schedules", err)
	}
	return e.JSON(http.StatusOK, map[string]any{"items": list})
}

func handleScheduleGet(e *core.RequestEvent, scheduler *Scheduler) error {
	sc, err := scheduler.Schedules().Get(e.Request.Context(), e.Request.PathValue("id"))
	if err != nil {
		return apis.NewNotFoundError("Schedule not found", err)
	}
	return e.JSON(http.StatusOK, map[string]any{"schedule": sc, "cron": CronSpec(sc)})
}

// validateScheduleUpdate checks tags plus the HH:MM clock value
func validateScheduleUpdate(u history.ScheduleUpdate) error {
	if err := validate.Struct(u); err != nil {
		return err
	}
	if u.StartTime != nil {
		if _, err := time.Parse("15:04", *u.StartTime); err != nil {
			return fmt.Errorf("start_time must be HH:MM")
		}
	}
	for _, d := range u.Days {
		if _, ok := parseDay(d); !ok {
			return fmt.Errorf("unknown day: %s", d)
		}
	}
	return nil
}

func handleScheduleUpdate(e *core.RequestEvent, scheduler *Scheduler) error {
	var u history.ScheduleUpdate
	if err := e.BindBody(&u); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	if err := validateScheduleUpdate(u); err != nil {
		return apis.NewBadRequestError(err.Error(), nil)
	}

	ctx := e.Request.Context()
	sc, err := scheduler.Schedules().Update(ctx, e.Request.PathValue("id"), u)
	if err != nil {
		return apis.NewNotFoundError("Schedule not found", err)
	}

	if scheduler.IsRunning() {
		if err := scheduler.Reload(ctx); err != nil {
			slog.Warn("Failed to reload schedules", "error", err)
		}
	}
	return e.JSON(http.StatusOK, map[string]any{"schedule": sc, "cron": CronSpec(sc)})
}

func handleTestConnection(e *core.RequestEvent, orchestrator *Orchestrator) error {
	client := orchestrator.Client()
	if client == nil {
		return e.JSON(http.StatusInternalServerError, map[string]any{
			"error": "MetaSync client not initialized",
			"hint":  "Check that METASYNC_API_KEY and METASYNC_COMPANY_ID are set, or save an api_config",
		})
	}

	page, err := client.TestConnection(e.Request.Context())
	if err != nil {
		return e.JSON(http.StatusBadGateway, map[string]any{
			"error":   "MetaSync connection failed",
			"details": err.Error(),
			"hint":    "Check API credentials and network connectivity",
			"config":  map[string]any{"company_id": client.CompanyID()},
		})
	}

	return e.JSON(http.StatusOK, map[string]any{
		"status":  "connected",
		"message": "MetaSync connection successful",
		"config": map[string]any{
			"company_id":     client.CompanyID(),
			"page_size":      client.PageSize(),
			"vehicles_found": page.RawCount,
			"total":          page.Total,
		},
	})
}

func handleSaveAPIConfig(e *core.RequestEvent) error {
	var req APIConfigRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	if err := validate.Struct(req); err != nil {
		return apis.NewBadRequestError(err.Error(), nil)
	}
	if err := SaveAPIConfig(e.App, req.APIKey, req.CompanyID, req.Channel); err != nil {
		return apis.NewApiError(http.StatusInternalServerError, "Failed to save api_config", err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"status": "saved",
		"hint":   "restart the server to use the new credentials",
	})
}

func handleMaintenance(e *core.RequestEvent, orchestrator *Orchestrator) error {
	store := orchestrator.Catalog()
	if store == nil {
		return e.JSON(http.StatusServiceUnavailable, map[string]any{"error": "catalog not initialized"})
	}

	ctx := e.Request.Context()
	action := e.Request.PathValue("action")
	var (
		affected int64
		err      error
	)
	switch action {
	case "pending":
		var n int
		n, err = store.ResolvePendingRelations(ctx)
		affected = int64(n)
	case "counters":
		affected, err = store.RefreshVehicleCounters(ctx)
	case "correct":
		var n int
		n, err = store.CorrectProcessedParts(ctx, correlate.New(nil))
		affected = int64(n)
	default:
		return apis.NewBadRequestError(fmt.Sprintf("unknown maintenance action: %s", action), nil)
	}
	if err != nil {
		return apis.NewApiError(http.StatusInternalServerError, fmt.Sprintf("Maintenance %s failed", action), err)
	}

	slog.Info("Maintenance completed", "action", action, "affected", affected)
	return e.JSON(http.StatusOK, map[string]any{"action": action, "affected": affected})
}

func handleStats(e *core.RequestEvent, orchestrator *Orchestrator) error {
	store := orchestrator.Catalog()
	if store == nil {
		return e.JSON(http.StatusServiceUnavailable, map[string]any{"error": "catalog not initialized"})
	}
	stats, err := store.Stats()
	if err != nil {
		return apis.NewApiError(http.StatusInternalServerError, "Failed to count catalog", err)
	}
	return e.JSON(http.StatusOK, stats)
}
