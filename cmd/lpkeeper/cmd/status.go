package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a wallet's automation status",
	Long: `Show the policy state, budget, pending approvals and recent actions
for one wallet.

Example:
  lpkeeper status --user alice --wallet 7xKX...`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	p, err := a.policy(ctx)
	if err != nil {
		return err
	}
	st, err := a.engine.Status(ctx, p)
	if err != nil {
		return err
	}

	state := color.RedString("inactive")
	if st.Active {
		state = color.GreenString("active")
	}
	fmt.Printf("Policy %s  %s\n", bold(p.ID), state)
	fmt.Printf("  Wallet:            %s\n", p.WalletAddress)
	if st.LastRunAt != nil {
		fmt.Printf("  Last run:          %s\n", st.LastRunAt.Local().Format("2006-01-02 15:04:05"))
	} else {
		fmt.Printf("  Last run:          never\n")
	}
	fmt.Printf("  Active positions:  %d\n", st.ActivePositions)
	fmt.Printf("  Pending approvals: %d\n", st.PendingApprovals)
	fmt.Println()
	fmt.Println(bold("Budget"))
	fmt.Printf("  Total:     %s\n", usd(st.Budget.TotalBudgetUSD))
	fmt.Printf("  Spent:     %s\n", usd(st.Budget.SpentUSD))
	fmt.Printf("  Reserved:  %s\n", usd(st.Budget.ReservedUSD))
	fmt.Printf("  Available: %s\n", usd(st.Budget.AvailableUSD))
	fmt.Printf("  Today:     %s of %s\n", usd(st.Budget.TodaySpendUSD), usd(p.MaxDailySpendUSD))
	fmt.Println()
	fmt.Println(bold("Recent actions"))
	if len(st.RecentLogs) == 0 {
		fmt.Println("  none")
		return nil
	}
	printLogTable(os.Stdout, st.RecentLogs)
	return nil
}
