package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/robfig/cron/v3"

	"github.com/desguace/partsync/catalog"
	"github.com/desguace/partsync/config"
	"github.com/desguace/partsync/correlate"
	"github.com/desguace/partsync/history"
)

// HistoryRetention is how long import_history rows are kept
const HistoryRetention = 30 * 24 * time.Hour

const (
	pruneSpec      = "30 4 * * *"
	staleCheckSpec = "*/10 * * * *"
)

// Scheduler turns import_schedule rows into cron entries
type Scheduler struct {
	app          core.App
	cfg          *config.Config
	cron         *cron.Cron
	orchestrator *Orchestrator
	schedules    *history.Schedules
	mu           sync.Mutex
	running      bool
	initialized  bool
	entries      map[string]cron.EntryID
	now          func() time.Time
}

// NewScheduler creates a new scheduler
func NewScheduler(app core.App, cfg *config.Config) *Scheduler {
	return &Scheduler{
		app:          app,
		cfg:          cfg,
		cron:         cron.New(),
		orchestrator: NewOrchestrator(app),
		schedules:    history.NewSchedules(app),
		entries:      make(map[string]cron.EntryID),
		now:          time.Now,
	}
}

// Initialize registers the import services without starting cron
func (s *Scheduler) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	if err := s.orchestrator.InitializeImportServices(s.cfg); err != nil {
		return fmt.Errorf("initializing import services: %w", err)
	}
	s.initialized = true
	return nil
}

// Start initializes and starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Initialize(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	if n, err := s.orchestrator.History().MarkInterrupted(ctx); err != nil {
		slog.Warn("Failed to mark interrupted imports", "error", err)
	} else if n > 0 {
		slog.Info("Marked interrupted imports as resumable", "count", n)
	}

	if n, err := s.schedules.EnsureDefaults(ctx); err != nil {
		return fmt.Errorf("creating default schedules: %w", err)
	} else if n > 0 {
		slog.Info("Created default import schedules", "count", n)
	}

	overdue, err := s.reloadLocked(ctx)
	if err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(pruneSpec, s.pruneHistory); err != nil {
		return fmt.Errorf("adding prune schedule: %w", err)
	}
	if _, err := s.cron.AddFunc(staleCheckSpec, func() { s.closeStaleRuns(context.Background()) }); err != nil {
		return fmt.Errorf("adding stale import check: %w", err)
	}

	s.cron.Start()
	s.running = true
	slog.Info("Import scheduler started", "schedules", len(s.entries))

	if len(overdue) > 0 {
		go s.runOverdue(overdue)
	}
	return nil
}

// Stop gracefully stops the scheduler, waiting for running jobs
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	slog.Info("Stopping import scheduler")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
	slog.Info("Import scheduler stopped")
}

// Reload rebuilds the cron entries from import_schedule
func (s *Scheduler) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.reloadLocked(ctx)
	return err
}

// reloadLocked replaces every schedule entry and returns overdue schedules
func (s *Scheduler) reloadLocked(ctx context.Context) ([]*history.Schedule, error) {
	for id, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}

	active, err := s.schedules.List(ctx, true)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var overdue []*history.Schedule
	for _, sc := range active {
		spec := CronSpec(sc)
		schedule, err := cron.ParseStandard(spec)
		if err != nil {
			slog.Error("Invalid schedule", "id", sc.ID, "type", sc.Type, "spec", spec, "error", err)
			continue
		}

		s.entries[sc.ID] = s.cron.Schedule(schedule, cron.FuncJob(func() {
			s.runSchedule(context.Background(), sc, schedule)
		}))

		if !sc.NextRun.IsZero() && sc.NextRun.Before(now) {
			overdue = append(overdue, sc)
		} else if sc.NextRun.IsZero() {
			if err := s.schedules.MarkRun(ctx, sc.ID, time.Time{}, schedule.Next(now)); err != nil {
				slog.Warn("Failed to store next run", "id", sc.ID, "error", err)
			}
		}
		slog.Debug("Scheduled import", "type", sc.Type, "frequency", sc.Frequency, "spec", spec)
	}
	return overdue, nil
}

func (s *Scheduler) runOverdue(overdue []*history.Schedule) {
	for _, sc := range overdue {
		slog.Info("Running overdue import", "type", sc.Type, "next_run", sc.NextRun)
		schedule, err := cron.ParseStandard(CronSpec(sc))
		if err != nil {
			continue
		}
		s.runSchedule(context.Background(), sc, schedule)
	}
}

// runSchedule executes one tick. It is skipped when another import is
// running here or an in-progress history row exists.
func (s *Scheduler) runSchedule(ctx context.Context, sc *history.Schedule, schedule cron.Schedule) {
	started := s.now()
	defer func() {
		if err := s.schedules.MarkRun(ctx, sc.ID, started, schedule.Next(s.now())); err != nil {
			slog.Warn("Failed to store schedule run", "id", sc.ID, "error", err)
		}
	}()

	if s.orchestrator.IsBusy() {
		slog.Info("Skipping scheduled import, another import is running", "type", sc.Type)
		return
	}
	if running, err := s.orchestrator.History().HasRunning(ctx); err != nil {
		slog.Warn("Failed to check running imports", "error", err)
		return
	} else if running {
		slog.Info("Skipping scheduled import, history has a run in progress", "type", sc.Type)
		return
	}

	opts := scheduleOptions(sc)
	slog.Info("Starting scheduled import", "type", sc.Type, "full", opts.Full)

	var err error
	if sc.Type == history.TypeAll {
		err = s.orchestrator.RunSequence(ctx, opts)
	} else {
		_, err = s.orchestrator.RunImportAndWait(ctx, sc.Type, opts)
	}
	if err != nil {
		slog.Error("Scheduled import failed", "type", sc.Type, "error", err)
		return
	}
	slog.Info("Scheduled import completed", "type", sc.Type)
}

func (s *Scheduler) pruneHistory() {
	n, err := s.orchestrator.History().Prune(context.Background(), HistoryRetention)
	if err != nil {
		slog.Warn("Failed to prune import history", "error", err)
		return
	}
	slog.Info("Pruned import history", "deleted", n)
}

// closeStaleRuns fails in-progress rows that stopped updating and have no
// live run behind them, so they no longer block scheduled imports
func (s *Scheduler) closeStaleRuns(ctx context.Context) {
	live := func(id string) bool {
		_, ok := s.orchestrator.RunningTypeForHistory(id)
		return ok
	}
	n, err := s.orchestrator.History().MarkStale(ctx, s.orchestrator.runTimeout, live)
	if err != nil {
		slog.Warn("Failed to close stalled imports", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Closed stalled imports", "count", n)
	}
}

// scheduleOptions maps a schedule row to import options
func scheduleOptions(sc *history.Schedule) ImportOptions {
	opts := ImportOptions{Full: sc.IsFullImport}
	if v, ok := sc.Options["skip_existing"].(bool); ok {
		opts.SkipExisting = v
	}
	if v, ok := sc.Options["reconcile_mode"].(string); ok {
		if mode, err := catalog.ParseMode(v); err == nil {
			opts.ReconcileMode = mode
		}
	}
	return opts
}

// CronSpec converts a schedule row into a standard five-field cron spec
func CronSpec(sc *history.Schedule) string {
	hour, minute := parseStartTime(sc.StartTime)

	switch sc.Frequency {
	case "5m", "15m", "30m":
		return fmt.Sprintf("*/%s * * * *", strings.TrimSuffix(sc.Frequency, "m"))
	case "1h":
		return fmt.Sprintf("%d * * * *", minute)
	case "2h", "3h", "4h", "6h", "8h", "12h":
		n, _ := strconv.Atoi(strings.TrimSuffix(sc.Frequency, "h"))
		return fmt.Sprintf("%d %d/%d * * *", minute, hour%n, n)
	case "7d":
		day := 0
		if days := parseDays(sc.Days); len(days) > 0 {
			day = days[0]
		}
		return fmt.Sprintf("%d %d * * %d", minute, hour, day)
	default:
		dow := "*"
		if days := parseDays(sc.Days); len(days) > 0 {
			parts := make([]string, len(days))
			for i, d := range days {
				parts[i] = strconv.Itoa(d)
			}
			dow = strings.Join(parts, ",")
		}
		return fmt.Sprintf("%d %d * * %s", minute, hour, dow)
	}
}

// parseStartTime reads "HH:MM", falling back to 02:00
func parseStartTime(s string) (int, int) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 2, 0
	}
	return t.Hour(), t.Minute()
}

var weekdays = map[string]int{
	"SUNDAY": 0, "MONDAY": 1, "TUESDAY": 2, "WEDNESDAY": 3, "THURSDAY": 4, "FRIDAY": 5, "SATURDAY": 6,
	"DOMINGO": 0, "LUNES": 1, "MARTES": 2, "MIERCOLES": 3, "JUEVES": 4, "VIERNES": 5, "SABADO": 6,
}

// parseDays converts day names (English or Spanish, full or three letters)
// and digits 0-7 into cron day-of-week numbers. Unknown entries are dropped.
func parseDays(days []string) []int {
	var out []int
	seen := make(map[int]bool)
	for _, raw := range days {
		day, ok := parseDay(raw)
		if !ok || seen[day] {
			continue
		}
		seen[day] = true
		out = append(out, day)
	}
	return out
}

func parseDay(raw string) (int, bool) {
	name := correlate.Fold(raw)
	if name == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(name); err == nil {
		if n < 0 || n > 7 {
			return 0, false
		}
		return n % 7, true
	}
	if d, ok := weekdays[name]; ok {
		return d, true
	}
	if len(name) == 3 {
		for full, d := range weekdays {
			if strings.HasPrefix(full, name) {
				return d, true
			}
		}
	}
	return 0, false
}

// TriggerSync manually starts an import in the background
func (s *Scheduler) TriggerSync(ctx context.Context, syncType string, opts ImportOptions) error {
	slog.Info("Manual import triggered", "syncType", syncType, "full", opts.Full)

	switch syncType {
	case history.TypeVehicles, history.TypeParts, history.TypeAll:
	default:
		return fmt.Errorf("unknown sync type: %s", syncType)
	}

	// one import at a time, same as scheduled ticks
	if s.orchestrator.IsBusy() {
		busy := s.orchestrator.GetRunningJobs()
		if s.orchestrator.IsSequenceRunning() {
			busy = []string{history.TypeAll}
		}
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, strings.Join(busy, ","))
	}

	switch syncType {
	case history.TypeAll:
		go func() {
			if err := s.orchestrator.RunSequence(context.Background(), opts); err != nil {
				slog.Error("Import sequence failed", "error", err)
			}
		}()
		return nil
	default:
		return s.orchestrator.RunImport(ctx, syncType, opts)
	}
}

// GetOrchestrator returns the orchestrator instance
func (s *Scheduler) GetOrchestrator() *Orchestrator {
	return s.orchestrator
}

// Schedules returns the schedule store
func (s *Scheduler) Schedules() *history.Schedules {
	return s.schedules
}

// IsRunning reports whether cron is started
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Global scheduler instance
var globalScheduler *Scheduler
var schedulerOnce sync.Once

// GetScheduler returns the global scheduler instance
func GetScheduler(app core.App, cfg *config.Config) *Scheduler {
	schedulerOnce.Do(func() {
		globalScheduler = NewScheduler(app, cfg)
	})
	return globalScheduler
}

// StartSyncScheduler starts the global scheduler
func StartSyncScheduler(ctx context.Context, app core.App, cfg *config.Config) error {
	return GetScheduler(app, cfg).Start(ctx)
}
