package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "Work-item orchestrator for a filesystem vault",
	Long: `steward watches a vault of markdown work items, plans each new item,
holds risky work for human approval, executes plan steps and retries or
quarantines failures.

Running 'steward' without a subcommand is equivalent to 'steward run'.
The flags --run, --daemon, --watch, --status, --approve and --reject
select the matching subcommand.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(waitCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(ledgerCmd)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to steward.json config file (default: search up directory tree)")
	rootCmd.PersistentFlags().String("vault", "", "Vault root, overriding vault_root from the config")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format: text or json")

	// Flag forms of the subcommands
	rootCmd.Flags().Bool("run", false, "Run one cycle (same as 'steward run')")
	rootCmd.Flags().Bool("daemon", false, "Run continuously (same as 'steward daemon')")
	rootCmd.Flags().Bool("watch", false, "Alias for --daemon")
	rootCmd.Flags().Bool("status", false, "Show vault status (same as 'steward status')")
	rootCmd.Flags().String("approve", "", "Approve the request with this id")
	rootCmd.Flags().String("reject", "", "Reject the request with this id")
	rootCmd.Flags().Bool("force", false, "Take the vault lock even if another process holds it")
	rootCmd.MarkFlagsMutuallyExclusive("run", "daemon", "watch", "status", "approve", "reject")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func runRoot(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath())
	}
	flags := cmd.Flags()

	if id, _ := flags.GetString("approve"); id != "" {
		return decide(cmd, id, true)
	}
	if id, _ := flags.GetString("reject"); id != "" {
		return decide(cmd, id, false)
	}
	if on, _ := flags.GetBool("status"); on {
		return showStatus(cmd, false)
	}
	daemon, _ := flags.GetBool("daemon")
	watch, _ := flags.GetBool("watch")
	force, _ := flags.GetBool("force")
	if daemon || watch {
		return runDaemonLoop(cmd, force, true)
	}
	return runOnce(cmd, force)
}
