package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/lpkeeper/journal"
	"github.com/rustyeddy/lpkeeper/model"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Query the action log",
	Long: `Query and display action logs from the store.

Examples:
  lpkeeper logs --user alice --today
  lpkeeper logs --user alice --day 2026-03-10 --format org
  lpkeeper logs --user alice --wallet 7xKX... --status failed --format csv`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsToday  bool
	logsDay    string
	logsFormat string
	logsStatus string
	logsKind   string
	logsLimit  int
)

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolVar(&logsToday, "today", false, "only logs created today")
	logsCmd.Flags().StringVar(&logsDay, "day", "", "only logs created on YYYY-MM-DD")
	logsCmd.Flags().StringVarP(&logsFormat, "format", "f", "table", "table, org or csv")
	logsCmd.Flags().StringVar(&logsStatus, "status", "", "filter by status")
	logsCmd.Flags().StringVar(&logsKind, "kind", "", "filter by action kind")
	logsCmd.Flags().IntVarP(&logsLimit, "limit", "n", 50, "maximum logs to show (0 for all)")
}

func runLogs(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	f := journal.LogFilter{UserID: userID, NewestFirst: true, Limit: logsLimit}
	if wallet != "" {
		p, err := a.policy(ctx)
		if err != nil {
			return err
		}
		f.PolicyID = p.ID
	}
	if logsStatus != "" {
		f.Statuses = []model.LogStatus{model.LogStatus(logsStatus)}
	}
	if logsKind != "" {
		if f.Kind, err = model.ParseActionKind(logsKind); err != nil {
			return err
		}
	}

	day := logsDay
	if logsToday {
		day = time.Now().Format("2006-01-02")
	}
	if day != "" {
		if f.Since, f.Until, err = dayBounds(time.Local, day); err != nil {
			return fmt.Errorf("date: %w", err)
		}
	}

	logs, err := a.store.ListLogs(ctx, f)
	if err != nil {
		return fmt.Errorf("query logs: %w", err)
	}

	switch logsFormat {
	case "org":
		fmt.Println(journal.FormatLogsOrg(logs))
	case "csv":
		return journal.WriteLogsCSV(os.Stdout, logs)
	case "table":
		if len(logs) == 0 {
			fmt.Println("No logs")
			return nil
		}
		printLogTable(os.Stdout, logs)
	default:
		return fmt.Errorf("unknown format %q", logsFormat)
	}
	return nil
}

func dayBounds(loc *time.Location, day string) (time.Time, time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", day, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return start, end, nil
}
