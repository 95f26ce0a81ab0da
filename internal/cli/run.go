package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/steward/internal/config"
	"github.com/iambrandonn/steward/internal/engine"
	"github.com/iambrandonn/steward/internal/lockfile"
	"github.com/iambrandonn/steward/internal/workspace"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a vault and a default steward.json",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one processing cycle",
	Long: `Run one cycle: intake of new Inbox items, approval resolution, the
retry pass and plan execution. The exit code is non-zero when the cycle
left failures that no retry will absorb.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}
		return runOnce(cmd, force)
	},
}

func init() {
	runCmd.Flags().Bool("force", false, "Take the vault lock even if another process holds it")
	runCmd.Flags().Bool("json", false, "Print the cycle summary as JSON")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if err := workspace.Initialize(root); err != nil {
		return fmt.Errorf("failed to initialize vault: %w", err)
	}

	out := cmd.OutOrStdout()
	cfgPath := filepath.Join(root, config.FileName)
	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Fprintf(out, "Vault ready at %s (keeping existing %s)\n", root, config.FileName)
		return nil
	}
	if err := config.GenerateDefault().SaveToFile(cfgPath); err != nil {
		return err
	}
	fmt.Fprintf(out, "Vault ready at %s\nConfig written to %s\n", root, cfgPath)
	return nil
}

// withLock runs fn while holding the vault lock.
func withLock(s *session, force bool, fn func() error) error {
	lock, err := lockfile.Acquire(s.engine.Layout().LockPath(), force)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			s.logger.Warn("failed to release lock", "error", err)
		}
	}()
	s.logger.Debug("lock acquired", "pid", lock.PID())
	return fn()
}

func runOnce(cmd *cobra.Command, force bool) error {
	s, err := openSession(cmd, sessionOptions{initialize: true, logToFile: true})
	if err != nil {
		return err
	}
	defer s.close(cmd.Context())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var summary engine.Summary
	err = withLock(s, force, func() error {
		var runErr error
		summary, runErr = s.engine.RunCycle(ctx)
		return runErr
	})
	if err != nil {
		return err
	}

	asJSON := false
	if f := cmd.Flags().Lookup("json"); f != nil {
		asJSON, _ = cmd.Flags().GetBool("json")
	}
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return err
		}
	} else {
		printSummary(out, summary)
	}

	if summary.Errors > 0 {
		return fmt.Errorf("cycle finished with %d unrecovered error(s); see %s", summary.Errors, s.engine.Layout().ErrorLogPath())
	}
	return nil
}
