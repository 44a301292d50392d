package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/lpkeeper/executor"
	"github.com/rustyeddy/lpkeeper/model"
)

var executeCmd = &cobra.Command{
	Use:   "execute <log-id>",
	Short: "Settle a logged action",
	Long: `Build, sign and send the transaction for a pending or approved action.
The budget is checked again before anything is broadcast.

Example:
  lpkeeper execute 01J9Z3... --user alice`,
	Args: cobra.ExactArgs(1),
	RunE: runExecute,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <log-id>",
	Short: "Withdraw an action that has not been sent",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var cancelReason string

func init() {
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(cancelCmd)
	cancelCmd.Flags().StringVarP(&cancelReason, "reason", "r", "cancelled by user", "reason recorded on the log")
}

// executorFor loads the log's policy and checks that it belongs to --user.
func executorFor(ctx context.Context, a *app, logID string) (*executor.Executor, error) {
	if err := requireUser(); err != nil {
		return nil, err
	}
	l, err := a.store.GetLog(ctx, logID)
	if err != nil {
		return nil, err
	}
	if l.UserID != userID {
		return nil, fmt.Errorf("log %s: %w", logID, model.ErrNotOwner)
	}
	p, err := a.store.GetPolicy(ctx, l.PolicyID)
	if err != nil {
		return nil, err
	}
	return a.engine.Executor(p), nil
}

func runExecute(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	ex, err := executorFor(ctx, a, args[0])
	if err != nil {
		return err
	}
	l, err := ex.Settle(ctx, args[0])
	if err != nil {
		return err
	}
	if l.Status != model.LogExecuted {
		fmt.Printf("%s %s %s: %s\n", failMark, l.Kind, l.ID, l.ErrorMessage)
		return nil
	}
	fmt.Printf("%s %s %s  sig=%s cost=%s\n", okMark, l.Kind, l.ID, l.Signature, usd(l.ActualCostUSD))
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	ex, err := executorFor(ctx, a, args[0])
	if err != nil {
		return err
	}
	l, err := ex.Cancel(ctx, args[0], cancelReason)
	if err != nil {
		return err
	}
	fmt.Printf("%s cancelled %s %s\n", okMark, l.Kind, l.ID)
	return nil
}
