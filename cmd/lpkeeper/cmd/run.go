package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/lpkeeper/engine"
	"github.com/rustyeddy/lpkeeper/journal"
	"github.com/rustyeddy/lpkeeper/model"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one automation cycle",
	Long: `Run one automation cycle for a wallet's policy, or for every active
policy of the user when --wallet is not given.

A cycle snapshots the wallet's positions, evaluates the enabled rules and
gates each proposal through safety checks and the budget. Actions within
the approval threshold are settled immediately unless --no-settle is set.

Examples:
  lpkeeper run --user alice --wallet 7xKX...
  lpkeeper run --user alice --no-settle`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runNoSettle bool
	runVerbose  bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runNoSettle, "no-settle", false, "log actions without signing them")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "print every proposal, including skipped ones")
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	ps, err := a.policies(ctx)
	if err != nil {
		return err
	}
	if len(ps) == 0 {
		fmt.Println("No active policies")
		return nil
	}

	var failed int
	for _, p := range ps {
		res, err := a.engine.RunCycle(ctx, p)
		if err != nil {
			fmt.Printf("%s %s: %v\n", failMark, p.WalletAddress, err)
			failed++
			continue
		}
		printCycle(p, res)
		if !runNoSettle {
			settleReady(ctx, a, p)
		}
		if !res.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d cycles failed", failed, len(ps))
	}
	return nil
}

func printCycle(p *model.Policy, res *engine.CycleResult) {
	mark := okMark
	if !res.Success {
		mark = failMark
	}
	fmt.Printf("%s %s  executed=%d pending_approval=%d rejected=%d in_flight=%d\n",
		mark, bold(p.WalletAddress), res.ActionsExecuted, res.ActionsPendingApproval, res.ActionsRejected, res.ActionsInFlight)
	if runVerbose {
		for _, prop := range res.Proposals {
			m := waitMark
			if prop.ShouldExecute {
				m = okMark
			}
			fmt.Printf("  %s %-14s %-12s %s\n", m, prop.Kind, prop.PositionID, prop.Reason)
		}
	}
	if len(res.Errors) > 0 {
		fmt.Printf("  errors:\n    %s\n", strings.Join(res.Errors, "\n    "))
	}
}

// settleReady signs the pending logs this cycle produced that need no
// approval.
func settleReady(ctx context.Context, a *app, p *model.Policy) {
	logs, err := pendingAuto(ctx, a, p)
	if err != nil {
		fmt.Printf("  %s list pending: %v\n", failMark, err)
		return
	}
	ex := a.engine.Executor(p)
	for _, l := range logs {
		done, err := ex.Settle(ctx, l.ID)
		switch {
		case err != nil:
			fmt.Printf("  %s settle %s: %v\n", failMark, l.ID, err)
		case done.Status == model.LogExecuted:
			fmt.Printf("  %s %s %s  sig=%s cost=%s\n", okMark, done.Kind, done.PositionID, done.Signature, usd(done.ActualCostUSD))
		default:
			fmt.Printf("  %s %s %s  %s\n", failMark, done.Kind, done.PositionID, done.ErrorMessage)
		}
	}
}

// pendingAuto lists the policy's logs that can be settled without a
// further decision, oldest first.
func pendingAuto(ctx context.Context, a *app, p *model.Policy) ([]model.ActionLog, error) {
	logs, err := a.store.ListLogs(ctx, journal.LogFilter{
		PolicyID: p.ID,
		Statuses: []model.LogStatus{model.LogPending, model.LogApproved},
	})
	if err != nil {
		return nil, err
	}
	out := logs[:0]
	for _, l := range logs {
		if l.Status == model.LogApproved {
			out = append(out, l)
			continue
		}
		if needs, _ := l.Metadata["requiresApproval"].(bool); !needs {
			out = append(out, l)
		}
	}
	return out, nil
}
