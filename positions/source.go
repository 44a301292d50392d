// Package positions supplies live position snapshots to the automation core.
package positions

import (
	"context"
	"time"

	"github.com/rustyeddy/lpkeeper/journal"
	"github.com/rustyeddy/lpkeeper/model"
)

// Source returns the currently open positions of a wallet. Positions with
// an executed close are never returned.
type Source interface {
	ActivePositions(ctx context.Context, userID, wallet string) ([]model.Position, error)
}

// history is what the action log says about each position.
type history struct {
	closed        map[string]bool
	lastClaim     map[string]time.Time
	lastRebalance map[string]time.Time
}

func loadHistory(ctx context.Context, store journal.Store, userID string) (history, error) {
	h := history{
		closed:        map[string]bool{},
		lastClaim:     map[string]time.Time{},
		lastRebalance: map[string]time.Time{},
	}
	if store == nil {
		return h, nil
	}
	logs, err := store.ListLogs(ctx, journal.LogFilter{
		UserID:   userID,
		Statuses: []model.LogStatus{model.LogExecuted},
	})
	if err != nil {
		return h, err
	}
	for _, l := range logs {
		if l.PositionID == "" {
			continue
		}
		at := l.CreatedAt
		if l.ExecutedAt != nil {
			at = *l.ExecutedAt
		}
		switch l.Kind {
		case model.ActionClosePosition:
			h.closed[l.PositionID] = true
		case model.ActionClaimFees:
			latest(h.lastClaim, l.PositionID, at)
		case model.ActionRebalance:
			latest(h.lastRebalance, l.PositionID, at)
		}
	}
	return h, nil
}

func latest(m map[string]time.Time, key string, at time.Time) {
	if cur, ok := m[key]; !ok || at.After(cur) {
		m[key] = at
	}
}

// apply drops closed positions and fills claim and rebalance times the
// source did not know about.
func (h history) apply(in []model.Position) []model.Position {
	out := make([]model.Position, 0, len(in))
	for _, p := range in {
		if h.closed[p.PositionID] {
			continue
		}
		if at, ok := h.lastClaim[p.PositionID]; ok && (p.LastClaimAt == nil || at.After(*p.LastClaimAt)) {
			p.LastClaimAt = &at
		}
		if at, ok := h.lastRebalance[p.PositionID]; ok && (p.LastRebalanceAt == nil || at.After(*p.LastRebalanceAt)) {
			p.LastRebalanceAt = &at
		}
		out = append(out, p)
	}
	return out
}
