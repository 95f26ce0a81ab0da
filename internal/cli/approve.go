package cli

import (
	"errors"
	"fmt"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/steward/internal/approval"
)

var approveCmd = &cobra.Command{
	Use:   "approve <approval-id>",
	Short: "Approve a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], true)
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <approval-id>",
	Short: "Reject a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], false)
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait <approval-id>",
	Short: "Wait until a request is approved, rejected or times out",
	Long: `Poll an approval request until it reaches a decision. The exit code is
zero only when the request was approved.`,
	Args: cobra.ExactArgs(1),
	RunE: runWait,
}

func init() {
	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().String("reviewer", "", "Name recorded as the reviewer (default: current user)")
	}
	waitCmd.Flags().Duration("timeout", 0, "Give up after this long (default: the approval timeout)")
	waitCmd.Flags().Duration("poll", 0, "Poll interval (default: approval.poll_interval)")
}

// errNotApproved is returned by wait when the request ended without approval.
var errNotApproved = errors.New("request was not approved")

func decide(cmd *cobra.Command, id string, approve bool) error {
	s, err := openSession(cmd, sessionOptions{})
	if err != nil {
		return err
	}
	defer s.close(cmd.Context())
	if err := requireVault(s.root); err != nil {
		return err
	}

	reviewer := ""
	if f := cmd.Flags().Lookup("reviewer"); f != nil {
		reviewer = f.Value.String()
	}
	if reviewer == "" {
		if u, err := user.Current(); err == nil {
			reviewer = u.Username
		}
	}

	req, err := s.engine.Decide(id, approve, reviewer)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s for %s; it takes effect on the next cycle\n", req.ID, req.Status, req.Item)
	return nil
}

func runWait(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd, sessionOptions{})
	if err != nil {
		return err
	}
	defer s.close(cmd.Context())
	if err := requireVault(s.root); err != nil {
		return err
	}

	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return err
	}
	poll, err := cmd.Flags().GetDuration("poll")
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = s.cfg.Policy.Approval.Timeout()
	}
	if poll <= 0 {
		poll = s.cfg.Policy.Approval.PollInterval.D()
	}

	req, err := s.engine.Gate().Wait(cmd.Context(), args[0], timeout, poll)
	if err != nil {
		if errors.Is(err, approval.ErrWaitTimeout) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s still pending\n", args[0])
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", req.ID, req.Status)
	if req.Status != approval.StatusApproved {
		return fmt.Errorf("%s: %w (%s)", req.ID, errNotApproved, req.Status)
	}
	return nil
}
