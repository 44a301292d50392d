package journal

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/rustyeddy/lpkeeper/model"
)

var logCSVHeader = []string{
	"id", "policy_id", "action_type", "status", "position_id", "pool_id",
	"estimated_cost_usd", "cost_usd", "gas_native", "signature",
	"triggered_by", "error_message", "created_at", "executed_at", "failed_at",
}

// WriteLogsCSV writes logs as CSV with a header row.
func WriteLogsCSV(w io.Writer, logs []model.ActionLog) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(logCSVHeader); err != nil {
		return err
	}
	for _, l := range logs {
		err := cw.Write([]string{
			l.ID,
			l.PolicyID,
			string(l.Kind),
			string(l.Status),
			l.PositionID,
			l.PoolID,
			f(l.EstimatedCostUSD),
			f(l.ActualCostUSD),
			f(l.GasNative),
			l.Signature,
			string(l.TriggeredBy),
			l.ErrorMessage,
			l.CreatedAt.UTC().Format(time.RFC3339),
			optTime(l.ExecutedAt),
			optTime(l.FailedAt),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}

func optTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
