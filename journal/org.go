package journal

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rustyeddy/lpkeeper/model"
)

// FormatLogOrg renders an ActionLog as an Org-mode entry. Structured facts go
// in a PROPERTIES drawer; metadata keys are listed under a Notes heading.
func FormatLogOrg(l model.ActionLog) string {
	heading := fmt.Sprintf("** %s: %s (%s)", strings.ToUpper(string(l.Status)), l.Kind, shortID(l.ID))

	var b strings.Builder
	b.WriteString(heading)
	b.WriteString("\n")
	b.WriteString(":PROPERTIES:\n")
	b.WriteString(fmt.Sprintf(":LOG_ID: %s\n", l.ID))
	b.WriteString(fmt.Sprintf(":POLICY_ID: %s\n", l.PolicyID))
	if l.PositionID != "" {
		b.WriteString(fmt.Sprintf(":POSITION_ID: %s\n", l.PositionID))
	}
	if l.PoolID != "" {
		b.WriteString(fmt.Sprintf(":POOL_ID: %s\n", l.PoolID))
	}
	b.WriteString(fmt.Sprintf(":ESTIMATED_COST_USD: %.2f\n", l.EstimatedCostUSD))
	b.WriteString(fmt.Sprintf(":COST_USD: %.2f\n", l.ActualCostUSD))
	b.WriteString(fmt.Sprintf(":TRIGGERED_BY: %s\n", l.TriggeredBy))
	b.WriteString(fmt.Sprintf(":CREATED_AT: %s\n", l.CreatedAt.UTC().Format(time.RFC3339)))
	if l.ExecutedAt != nil {
		b.WriteString(fmt.Sprintf(":EXECUTED_AT: %s\n", l.ExecutedAt.UTC().Format(time.RFC3339)))
	}
	if l.FailedAt != nil {
		b.WriteString(fmt.Sprintf(":FAILED_AT: %s\n", l.FailedAt.UTC().Format(time.RFC3339)))
	}
	if l.Signature != "" {
		b.WriteString(fmt.Sprintf(":SIGNATURE: %s\n", l.Signature))
	}
	if l.ErrorMessage != "" {
		b.WriteString(fmt.Sprintf(":ERROR: %s\n", l.ErrorMessage))
	}
	b.WriteString(":END:\n")

	if len(l.Metadata) > 0 {
		keys := make([]string, 0, len(l.Metadata))
		for k := range l.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n*** Notes\n")
		for _, k := range keys {
			b.WriteString(fmt.Sprintf("- %s: %v\n", k, l.Metadata[k]))
		}
	}
	return b.String()
}

// FormatLogsOrg renders multiple logs separated by blank lines.
func FormatLogsOrg(logs []model.ActionLog) string {
	var b strings.Builder
	for i, l := range logs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(FormatLogOrg(l))
	}
	return b.String()
}

// shortID keeps the random tail of a ULID; the leading characters are
// the timestamp and collide within a cycle.
func shortID(full string) string {
	if len(full) <= 8 {
		return full
	}
	return full[len(full)-8:]
}
