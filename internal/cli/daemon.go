package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/steward/internal/engine"
	"github.com/iambrandonn/steward/internal/scheduler"
	"github.com/iambrandonn/steward/internal/workspace"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	Aliases: []string{"watch"},
	Short:   "Run the engine continuously on its schedules",
	Long: `Run intake, approvals, retries and execution on the cron schedules from
steward.json until interrupted. Unless --no-watch is given, new files in
Inbox and edits in Needs_Approval trigger their phase immediately.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}
		noWatch, err := cmd.Flags().GetBool("no-watch")
		if err != nil {
			return err
		}
		return runDaemonLoop(cmd, force, !noWatch)
	},
}

func init() {
	daemonCmd.Flags().Bool("force", false, "Take the vault lock even if another process holds it")
	daemonCmd.Flags().Bool("no-watch", false, "Disable filesystem triggers and rely on the schedules only")
}

func runDaemonLoop(cmd *cobra.Command, force, watch bool) error {
	s, err := openSession(cmd, sessionOptions{initialize: true, logToFile: true})
	if err != nil {
		return err
	}
	defer s.close(cmd.Context())

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withLock(s, force, func() error {
		sched, err := newDaemonScheduler(s, scheduler.RealClock())
		if err != nil {
			return err
		}

		watch = watch && s.cfg.Schedule.Watch
		if watch {
			layout := s.engine.Layout()
			w := scheduler.NewWatcher([]scheduler.Watch{
				{Dir: layout.Dir(workspace.Inbox), Job: "intake"},
				{Dir: layout.Dir(workspace.NeedsApproval), Job: "approvals"},
			}, s.cfg.Schedule.Debounce.D(), sched.Trigger, s.logger)
			done, err := w.Start(ctx)
			if err != nil {
				return err
			}
			defer func() { <-done }()
		}

		// Catch up on anything that arrived while the daemon was down.
		for _, phase := range engine.Phases() {
			sched.Trigger(phase)
		}

		s.logger.Info("daemon started", "vault", s.root, "watch", watch, "pid", os.Getpid())
		err = sched.Run(ctx)
		s.logger.Info("daemon stopped")
		return err
	})
}

// newDaemonScheduler registers one job per engine phase.
func newDaemonScheduler(s *session, clock scheduler.Clock) (*scheduler.Scheduler, error) {
	sched := scheduler.New(clock, s.logger)
	specs := map[string]string{
		"intake":    s.cfg.Schedule.Intake,
		"approvals": s.cfg.Schedule.Approvals,
		"retries":   s.cfg.Schedule.Retries,
		"execute":   s.cfg.Schedule.Execute,
	}
	for _, phase := range engine.Phases() {
		err := sched.Add(phase, specs[phase], func(ctx context.Context) error {
			summary, err := s.engine.RunPhase(ctx, phase)
			if err != nil {
				return err
			}
			// Newly runnable work does not wait for the execute schedule.
			if phase != "execute" && summary.Intake+summary.ApprovalsResolved+summary.Retried > 0 {
				sched.Trigger("execute")
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return sched, nil
}
