package model

import (
	"fmt"
	"time"
)

// ActionKind names an automated action.
type ActionKind string

const (
	ActionOpenPosition  ActionKind = "open_position"
	ActionClaimFees     ActionKind = "claim_fees"
	ActionRebalance     ActionKind = "rebalance"
	ActionClosePosition ActionKind = "close_position"
	ActionMonitor       ActionKind = "monitor"
)

// ParseActionKind accepts the stored names.
func ParseActionKind(s string) (ActionKind, error) {
	switch k := ActionKind(s); k {
	case ActionOpenPosition, ActionClaimFees, ActionRebalance, ActionClosePosition, ActionMonitor:
		return k, nil
	}
	return "", fmt.Errorf("unknown action kind %q", s)
}

// TriggerSource records what caused an action.
type TriggerSource string

const (
	TriggerRule      TriggerSource = "rule"
	TriggerManual    TriggerSource = "manual"
	TriggerScheduled TriggerSource = "scheduled"
)

// Proposal is a rule evaluation result. It lives for one cycle only.
type Proposal struct {
	Kind             ActionKind
	PositionID       string
	PoolID           string
	EstimatedCostUSD float64
	ShouldExecute    bool
	RequiresApproval bool
	Reason           string
}

// LogStatus is the lifecycle state of an ActionLog.
type LogStatus string

const (
	LogPending   LogStatus = "pending"
	LogApproved  LogStatus = "approved"
	LogExecuted  LogStatus = "executed"
	LogFailed    LogStatus = "failed"
	LogRejected  LogStatus = "rejected"
	LogCancelled LogStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s LogStatus) Terminal() bool {
	switch s {
	case LogExecuted, LogFailed, LogRejected, LogCancelled:
		return true
	}
	return false
}

var logTransitions = map[LogStatus][]LogStatus{
	LogPending:  {LogApproved, LogRejected, LogExecuted, LogFailed, LogCancelled},
	LogApproved: {LogExecuted, LogFailed, LogCancelled},
}

// CanTransition reports whether from -> to is a legal log transition.
func (s LogStatus) CanTransition(to LogStatus) bool {
	for _, next := range logTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ActionLog is the durable audit record of one decision.
type ActionLog struct {
	ID       string
	UserID   string
	PolicyID string

	Kind   ActionKind
	Status LogStatus

	PositionID string
	PoolID     string

	EstimatedCostUSD float64
	ActualCostUSD    float64
	GasNative        float64
	Signature        string

	TriggeredBy  TriggerSource
	RuleName     string
	ErrorMessage string
	Metadata     map[string]any

	CreatedAt  time.Time
	ExecutedAt *time.Time
	FailedAt   *time.Time
}

// Transition moves the log to the next status, stamping execution or
// failure time. Terminal logs are never changed.
func (l *ActionLog) Transition(to LogStatus, at time.Time) error {
	if l.Status.Terminal() {
		return fmt.Errorf("log %s is %s: %w", l.ID, l.Status, ErrTerminal)
	}
	if !l.Status.CanTransition(to) {
		return fmt.Errorf("log %s: %s -> %s: %w", l.ID, l.Status, to, ErrInvalidTransition)
	}
	l.Status = to
	switch to {
	case LogExecuted:
		l.ExecutedAt = &at
	case LogFailed:
		l.FailedAt = &at
	}
	return nil
}

// SettledAt is when the log executed, or when it was created if it never
// did. Spend is attributed to this day.
func (l *ActionLog) SettledAt() time.Time {
	if l.ExecutedAt != nil {
		return *l.ExecutedAt
	}
	return l.CreatedAt
}
