package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/lpkeeper/approval"
	"github.com/rustyeddy/lpkeeper/model"
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List and decide pending approvals",
	Long: `Actions that cost more than a policy's approval threshold wait for a
decision. An approval not decided within the window expires and its
action is cancelled.

Subcommands:
  list    - List pending approvals
  approve - Approve an action, then settle it
  reject  - Reject an action

Examples:
  lpkeeper approvals list --user alice
  lpkeeper approvals approve 01J9Z3... --user alice
  lpkeeper approvals reject 01J9Z3... --user alice --reason "pool too thin"`,
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approvals",
	Args:  cobra.NoArgs,
	RunE:  runApprovalsList,
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <approval-id>",
	Short: "Approve a pending action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], approval.Approve)
	},
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject <approval-id>",
	Short: "Reject a pending action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], approval.Reject)
	},
}

var (
	approveNoSettle bool
	rejectReason    string
)

func init() {
	rootCmd.AddCommand(approvalsCmd)
	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approvalsApproveCmd)
	approvalsCmd.AddCommand(approvalsRejectCmd)

	approvalsApproveCmd.Flags().BoolVar(&approveNoSettle, "no-settle", false, "approve without signing")
	approvalsRejectCmd.Flags().StringVarP(&rejectReason, "reason", "r", "", "why the action was rejected")
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	var policyID string
	if wallet != "" {
		p, err := a.policy(ctx)
		if err != nil {
			return err
		}
		policyID = p.ID
	}
	pending, err := a.engine.Approvals().ListPending(ctx, userID, policyID)
	if err != nil {
		return err
	}
	printApprovals(os.Stdout, pending)
	return nil
}

func decide(cmd *cobra.Command, approvalID string, d approval.Decision) error {
	if err := requireUser(); err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	wf := a.engine.Approvals()
	if err := wf.Decide(ctx, userID, approvalID, d, rejectReason); err != nil {
		return err
	}
	req, err := wf.Get(ctx, userID, approvalID)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s %s (%s %s)\n", okMark, req.Status, req.ID, req.Kind, usd(req.EstimatedCostUSD))

	if d != approval.Approve || approveNoSettle {
		return nil
	}
	p, err := a.store.GetPolicy(ctx, req.PolicyID)
	if err != nil {
		return err
	}
	l, err := a.engine.Executor(p).Settle(ctx, req.LogID)
	if err != nil {
		return err
	}
	if l.Status != model.LogExecuted {
		return fmt.Errorf("settle %s: %s", l.ID, l.ErrorMessage)
	}
	fmt.Printf("%s executed %s  sig=%s cost=%s\n", okMark, l.ID, l.Signature, usd(l.ActualCostUSD))
	return nil
}
