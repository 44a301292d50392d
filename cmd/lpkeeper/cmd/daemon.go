package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/lpkeeper/engine"
	"github.com/rustyeddy/lpkeeper/model"
	"github.com/rustyeddy/lpkeeper/scheduler"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run cycles on a schedule until interrupted",
	Long: `Run an automation cycle for every active policy on schedule.cycle_cron
and expire lapsed approvals on approval.sweep_cron. Actions that need no
approval are settled after each cycle.

Example:
  lpkeeper daemon --config lpkeeper.yaml`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := scheduler.New(ctx, a.store, settlingRunner{a}, a.engine.Approvals(), cfg.Schedule.MaxParallel, a.log)
	if err := s.Register(cfg.Schedule.CycleCron, cfg.Approval.SweepCron); err != nil {
		return err
	}
	s.Start()
	fmt.Printf("%s lpkeeper daemon running (cycle %q, sweep %q)\n", okMark, cfg.Schedule.CycleCron, cfg.Approval.SweepCron)

	<-ctx.Done()
	s.Stop()
	return nil
}

// settlingRunner runs a cycle and then settles what it can.
type settlingRunner struct {
	a *app
}

func (r settlingRunner) RunCycle(ctx context.Context, p *model.Policy) (*engine.CycleResult, error) {
	res, err := r.a.engine.RunCycle(ctx, p)
	if err != nil || !res.Success {
		return res, err
	}
	logs, err := pendingAuto(ctx, r.a, p)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res, nil
	}
	ex := r.a.engine.Executor(p)
	for _, l := range logs {
		if _, err := ex.Settle(ctx, l.ID); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("settle %s: %v", l.ID, err))
		}
	}
	return res, nil
}
