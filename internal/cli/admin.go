package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/steward/internal/ledger"
	"github.com/iambrandonn/steward/internal/retry"
	"github.com/iambrandonn/steward/internal/workspace"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Inspect or process the retry queue",
}

var retryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued retries",
	Args:  cobra.NoArgs,
	RunE:  runRetryList,
}

var retryProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Run a retry pass now",
	Args:  cobra.NoArgs,
	RunE:  runRetryProcess,
}

var recoverCmd = &cobra.Command{
	Use:   "recover <item>",
	Short: "Move a quarantined item out of Errors",
	Long: `Move an item out of Errors and drop its retry entry. An item whose plan
is still active goes back to Needs_Action with its failed steps reset;
any other item goes back to Inbox.`,
	Args: cobra.ExactArgs(1),
	RunE: runRecover,
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Administer the deduplication ledgers",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stage ledgers and how many items each holds",
	Args:  cobra.NoArgs,
	RunE:  runLedgerList,
}

var ledgerClearCmd = &cobra.Command{
	Use:   "clear <stage>",
	Short: "Forget every item recorded for a stage",
	Long: `Empty a stage ledger so that intake considers every Inbox item again.
Items already planned keep their plans; only unplanned items are re-admitted.`,
	Args: cobra.ExactArgs(1),
	RunE: runLedgerClear,
}

func init() {
	retryCmd.AddCommand(retryListCmd)
	retryCmd.AddCommand(retryProcessCmd)
	retryListCmd.Flags().Bool("json", false, "Print the queue as JSON")
	for _, c := range []*cobra.Command{retryProcessCmd, recoverCmd, ledgerClearCmd} {
		c.Flags().Bool("force", false, "Take the vault lock even if another process holds it")
	}

	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerCmd.AddCommand(ledgerClearCmd)
}

func runRetryList(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd, sessionOptions{})
	if err != nil {
		return err
	}
	defer s.close(cmd.Context())

	q, err := retry.Load(s.engine.Layout().RetryQueuePath(), s.cfg.Policy.Retry.Delay.D(), s.cfg.Policy.Retry.MaxAttempts, s.logger)
	if err != nil {
		return err
	}
	entries := q.Entries()

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		if entries == nil {
			entries = []retry.Entry{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "Retry queue is empty")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s\t%s\tattempt %d/%d\tnext %s\t%s\n",
			e.Filename, e.Category, e.Attempts, e.MaxAttempts, e.RetryTime.Local().Format(time.DateTime), e.Detail)
	}
	return nil
}

func runRetryProcess(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd, sessionOptions{initialize: true, logToFile: true})
	if err != nil {
		return err
	}
	defer s.close(cmd.Context())

	force, _ := cmd.Flags().GetBool("force")
	return withLock(s, force, func() error {
		summary, err := s.engine.RunPhase(cmd.Context(), "retries")
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d retried, %d quarantined\n", summary.Retried, summary.Quarantined)
		return nil
	})
}

func runRecover(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd, sessionOptions{logToFile: true})
	if err != nil {
		return err
	}
	defer s.close(cmd.Context())
	if err := requireVault(s.root); err != nil {
		return err
	}

	force, _ := cmd.Flags().GetBool("force")
	return withLock(s, force, func() error {
		rec, err := s.engine.Recover(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s moved to %s\n", rec.Item, rec.To)
		if rec.To == workspace.Inbox && rec.Stranded {
			fmt.Fprintf(out, "It is still in the %s ledger; run 'steward ledger clear %s' to have intake plan it again\n",
				ledger.StagePlan, ledger.StagePlan)
		}
		return nil
	})
}

func runLedgerList(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd, sessionOptions{})
	if err != nil {
		return err
	}
	defer s.close(cmd.Context())

	dir := s.engine.Layout().LedgerDir()
	stages, err := ledger.Stages(dir)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(stages) == 0 {
		fmt.Fprintln(out, "No ledgers")
		return nil
	}
	for _, stage := range stages {
		l, err := ledger.Load(dir, stage)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%d\n", stage, l.Len())
	}
	return nil
}

func runLedgerClear(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd, sessionOptions{})
	if err != nil {
		return err
	}
	defer s.close(cmd.Context())
	if err := requireVault(s.root); err != nil {
		return err
	}

	force, _ := cmd.Flags().GetBool("force")
	return withLock(s, force, func() error {
		if err := s.engine.ClearLedger(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s ledger cleared\n", args[0])
		return nil
	})
}
