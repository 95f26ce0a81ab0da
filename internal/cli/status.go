package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/iambrandonn/steward/internal/engine"
	"github.com/iambrandonn/steward/internal/runstate"
	"github.com/iambrandonn/steward/internal/workspace"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the vault",
	Long: `Show item counts per state, the lock holder, pending approvals, retry
entries, tracked tasks and error statistics. Status never takes the lock
and never changes the vault.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, err := cmd.Flags().GetBool("json")
		if err != nil {
			return err
		}
		return showStatus(cmd, asJSON)
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Print the report as JSON")
}

func showStatus(cmd *cobra.Command, asJSON bool) error {
	s, err := openSession(cmd, sessionOptions{})
	if err != nil {
		return err
	}
	defer s.close(cmd.Context())

	if err := requireVault(s.root); err != nil {
		return err
	}
	report, err := s.engine.Status()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	renderStatus(out, report, newPalette(isTerminal(out)))
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// palette styles status output. The zero palette renders plain text.
type palette struct {
	title, label, warn, bad, dim lipgloss.Style
}

func newPalette(styled bool) palette {
	if !styled {
		plain := lipgloss.NewStyle()
		return palette{plain, plain, plain, plain, plain}
	}
	return palette{
		title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF")),
		label: lipgloss.NewStyle().Bold(true),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		bad:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
		dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
	}
}

func renderStatus(w io.Writer, r *engine.Report, p palette) {
	fmt.Fprintln(w, p.title.Render("Vault "+r.Root))

	var counts []string
	for _, st := range workspace.States() {
		counts = append(counts, fmt.Sprintf("%s %d", st, r.Counts[st]))
	}
	fmt.Fprintf(w, "%s %s\n", p.label.Render("Items:"), strings.Join(counts, "  "))
	fmt.Fprintf(w, "%s %d active, %d in ledger\n", p.label.Render("Plans:"), r.ActivePlans, r.Ledger)

	switch {
	case !r.Lock.Held:
		fmt.Fprintf(w, "%s %s\n", p.label.Render("Lock:"), p.dim.Render("free"))
	case r.Lock.Error != "":
		fmt.Fprintf(w, "%s %s\n", p.label.Render("Lock:"), p.bad.Render("unreadable: "+r.Lock.Error))
	case r.Lock.Alive:
		fmt.Fprintf(w, "%s held by pid %d\n", p.label.Render("Lock:"), r.Lock.PID)
	default:
		fmt.Fprintf(w, "%s %s\n", p.label.Render("Lock:"), p.warn.Render(fmt.Sprintf("stale (pid %d is gone)", r.Lock.PID)))
	}

	if len(r.Approvals) > 0 {
		fmt.Fprintln(w, p.label.Render("Pending approvals:"))
		for _, a := range r.Approvals {
			line := fmt.Sprintf("  %s  %s  age %s", a.ID, a.Item, a.Age.Truncate(time.Second))
			if a.Step > 0 {
				line += fmt.Sprintf("  step %d", a.Step)
			}
			if a.Expired {
				line = p.warn.Render(line + "  (timed out, resolves next cycle)")
			}
			fmt.Fprintln(w, line)
		}
	}

	if len(r.Retries) > 0 {
		fmt.Fprintln(w, p.label.Render("Retry queue:"))
		for _, e := range r.Retries {
			fmt.Fprintf(w, "  %s  %s  attempt %d/%d  next %s\n",
				e.Filename, e.Category, e.Attempts, e.MaxAttempts, e.RetryTime.Local().Format(time.DateTime))
		}
	}

	for _, st := range []runstate.Status{runstate.StatusActive, runstate.StatusAwaitingApproval, runstate.StatusStalled, runstate.StatusRetryPending} {
		if names := r.Tasks[st]; len(names) > 0 {
			fmt.Fprintf(w, "%s %s\n", p.label.Render("Tasks "+string(st)+":"), strings.Join(names, ", "))
		}
	}

	if len(r.Stranded) > 0 {
		fmt.Fprintf(w, "%s %s\n", p.warn.Render("Stranded in Inbox:"), strings.Join(r.Stranded, ", "))
		fmt.Fprintln(w, p.dim.Render("  these are in the ledger but have no plan; 'steward ledger clear plan' re-admits them"))
	}
	if len(r.Missing) > 0 {
		fmt.Fprintf(w, "%s %s\n", p.bad.Render("Missing:"), strings.Join(r.Missing, ", "))
	}

	if r.Errors.Total == 0 {
		fmt.Fprintf(w, "%s %s\n", p.label.Render("Errors:"), p.dim.Render("none"))
		return
	}
	var cats []string
	for _, c := range r.Errors.Categories() {
		cats = append(cats, fmt.Sprintf("%s %d", c, r.Errors.ByCategory[c]))
	}
	fmt.Fprintf(w, "%s %d (%s)\n", p.label.Render("Errors:"), r.Errors.Total, strings.Join(cats, ", "))
	if last := r.Errors.Last; last != nil {
		fmt.Fprintf(w, "  last: %s %s [%s] %s\n", last.Timestamp.Local().Format(time.DateTime), last.Item, last.Category, last.Message)
	}
}

func printSummary(w io.Writer, s engine.Summary) {
	fmt.Fprintf(w, "Cycle: %d new, %d completed, %d steps, %d approvals requested, %d resolved\n",
		s.Intake, s.Completed, s.StepsExecuted, s.ApprovalsRequested, s.ApprovalsResolved)
	if s.RetriesScheduled+s.Retried+s.Quarantined+s.Stalled+s.Repaired+s.Archived > 0 {
		fmt.Fprintf(w, "       %d archived, %d retries scheduled, %d retried, %d quarantined, %d stalled, %d repaired\n",
			s.Archived, s.RetriesScheduled, s.Retried, s.Quarantined, s.Stalled, s.Repaired)
	}
}
