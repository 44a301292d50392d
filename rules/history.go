package rules

import (
	"context"
	"time"

	"github.com/rustyeddy/lpkeeper/journal"
	"github.com/rustyeddy/lpkeeper/model"
)

// StoreHistory answers History lookups from the action log.
type StoreHistory struct {
	Store journal.Store
}

func (h StoreHistory) LastExecuted(ctx context.Context, policyID string, kind model.ActionKind) (*time.Time, error) {
	logs, err := h.Store.ListLogs(ctx, journal.LogFilter{
		PolicyID:    policyID,
		Kind:        kind,
		Statuses:    []model.LogStatus{model.LogExecuted},
		NewestFirst: true,
		Limit:       1,
	})
	if err != nil || len(logs) == 0 {
		return nil, err
	}
	if at := logs[0].ExecutedAt; at != nil {
		return at, nil
	}
	at := logs[0].CreatedAt
	return &at, nil
}
