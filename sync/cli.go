package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pocketbase/pocketbase/core"
	"github.com/spf13/cobra"

	"github.com/desguace/partsync/config"
	"github.com/desguace/partsync/history"
)

// NewImportCommand returns the "import" subcommand. It runs imports in the
// foreground against the local data dir; Ctrl+C pauses the running import.
func NewImportCommand(app core.App, cfg *config.Config) *cobra.Command {
	var req RunRequest

	cmd := &cobra.Command{
		Use:       "import vehicles|parts|all",
		Short:     "Run a MetaSync import in the foreground",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{history.TypeVehicles, history.TypeParts, history.TypeAll},
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Type = args[0]
			opts, err := req.Options()
			if err != nil {
				return err
			}

			if err := app.RunAllMigrations(); err != nil {
				return fmt.Errorf("running migrations: %w", err)
			}

			scheduler := GetScheduler(app, cfg)
			if err := scheduler.Initialize(); err != nil {
				return err
			}
			orchestrator := scheduler.GetOrchestrator()

			return runImportCommand(cmd, orchestrator, req.Type, opts)
		},
	}

	cmd.Flags().BoolVar(&req.Full, "full", false, "import the whole catalog and reconcile removals")
	cmd.Flags().StringVar(&req.FromDate, "from", "", "import changes since dd/mm/yyyy instead of the watermark")
	cmd.Flags().BoolVar(&req.SkipExisting, "skip-existing", false, "do not update rows that already exist")
	cmd.Flags().StringVar(&req.ReconcileMode, "reconcile", "", "reconcile mode: delete, deactivate, mark_unavailable or conservative")

	return cmd
}

func runImportCommand(cmd *cobra.Command, orchestrator *Orchestrator, importType string, opts ImportOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		for _, job := range orchestrator.GetRunningJobs() {
			_ = orchestrator.Pause(job)
		}
	}()

	types := []string{importType}
	if importType == history.TypeAll {
		types = orchestrator.SequenceTypes()
	}

	var failed int
	for _, t := range types {
		status, err := orchestrator.RunImportAndWait(ctx, t, opts)
		if status != nil {
			printStatus(cmd, status)
		}
		if errors.Is(err, ErrPaused) || errors.Is(err, ErrCancelled) {
			cmd.PrintErrf("%s import stopped, resume it from the history API\n", t)
			return err
		}
		if err != nil {
			failed++
			cmd.PrintErrf("%s import failed: %v\n", t, err)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d imports failed", failed, len(types))
	}
	return nil
}

func printStatus(cmd *cobra.Command, s *Status) {
	cmd.Printf("%-14s %-10s created=%d updated=%d skipped=%d pending=%d deleted=%d errors=%d duration=%ds history=%s\n",
		s.Type, s.Status,
		s.Summary.Created, s.Summary.Updated, s.Summary.Skipped,
		s.Summary.Pending, s.Summary.Deleted, s.Summary.Errors,
		s.Summary.Duration, s.HistoryID,
	)
}
