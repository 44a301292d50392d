package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/rustyeddy/lpkeeper/model"
)

var (
	okMark   = color.New(color.FgGreen).Sprint("✓")
	failMark = color.New(color.FgRed).Sprint("✗")
	waitMark = color.New(color.FgYellow).Sprint("…")
	bold     = color.New(color.Bold).SprintFunc()
)

func statusColor(s model.LogStatus) string {
	switch s {
	case model.LogExecuted:
		return color.GreenString(string(s))
	case model.LogFailed, model.LogRejected:
		return color.RedString(string(s))
	case model.LogPending, model.LogApproved:
		return color.YellowString(string(s))
	}
	return string(s)
}

func usd(x float64) string {
	return fmt.Sprintf("$%.2f", x)
}

func printLogTable(w io.Writer, logs []model.ActionLog) {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tPOSITION\tEST\tCOST\tCREATED\tNOTE")
	for _, l := range logs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			l.ID, l.Kind, statusColor(l.Status), l.PositionID,
			usd(l.EstimatedCostUSD), usd(l.ActualCostUSD),
			l.CreatedAt.Local().Format("2006-01-02 15:04"), l.ErrorMessage)
	}
	tw.Flush()
}

func printApprovals(w io.Writer, as []model.ApprovalRequest) {
	if len(as) == 0 {
		fmt.Fprintln(w, "No pending approvals")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tPOSITION\tCOST\tEXPIRES\tREASON")
	for _, a := range as {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.Kind, a.Details.PositionID, usd(a.EstimatedCostUSD),
			a.ExpiresAt.Local().Format("2006-01-02 15:04"), a.Details.Reason)
	}
	tw.Flush()
}
