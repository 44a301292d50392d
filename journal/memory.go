package journal

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/lpkeeper/model"
)

// Memory is an in-process Store for tests and dry runs. Records are copied
// on the way in and out so callers never share state with the store.
type Memory struct {
	mu        sync.Mutex
	policies  map[string]model.Policy
	logs      map[string]model.ActionLog
	approvals map[string]model.ApprovalRequest
}

func NewMemory() *Memory {
	return &Memory{
		policies:  map[string]model.Policy{},
		logs:      map[string]model.ActionLog{},
		approvals: map[string]model.ApprovalRequest{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) SavePolicy(_ context.Context, p *model.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, other := range m.policies {
		if id != p.ID && other.UserID == p.UserID && other.WalletAddress == p.WalletAddress {
			return model.Persist("save policy", fmt.Errorf("policy for %s/%s already exists", p.UserID, p.WalletAddress))
		}
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.policies[p.ID] = copyPolicy(*p)
	return nil
}

func (m *Memory) GetPolicy(_ context.Context, id string) (*model.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy %q: %w", id, model.ErrNotFound)
	}
	out := copyPolicy(p)
	return &out, nil
}

func (m *Memory) GetPolicyByWallet(_ context.Context, userID, wallet string) (*model.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.policies {
		if p.UserID == userID && p.WalletAddress == wallet {
			out := copyPolicy(p)
			return &out, nil
		}
	}
	return nil, fmt.Errorf("policy for %s/%s: %w", userID, wallet, model.ErrNotFound)
}

func (m *Memory) ListPolicies(_ context.Context, activeOnly bool) ([]model.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Policy
	for _, p := range m.policies {
		if activeOnly && !p.IsActive {
			continue
		}
		out = append(out, copyPolicy(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) AddSpend(_ context.Context, policyID string, amount float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.policies[policyID]
	if !ok {
		return 0, fmt.Errorf("policy %q: %w", policyID, model.ErrNotFound)
	}
	p.SpentUSD += amount
	p.UpdatedAt = time.Now().UTC()
	m.policies[policyID] = p
	return p.SpentUSD, nil
}

func (m *Memory) SetLastRun(_ context.Context, policyID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.policies[policyID]
	if !ok {
		return fmt.Errorf("policy %q: %w", policyID, model.ErrNotFound)
	}
	at = at.UTC()
	p.LastRunAt = &at
	m.policies[policyID] = p
	return nil
}

func (m *Memory) CreateLog(_ context.Context, l *model.ActionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.logs[l.ID]; dup {
		return model.Persist("create log", fmt.Errorf("log %q already exists", l.ID))
	}
	m.logs[l.ID] = copyLog(*l)
	return nil
}

func (m *Memory) GetLog(_ context.Context, id string) (*model.ActionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.logs[id]
	if !ok {
		return nil, fmt.Errorf("log %q: %w", id, model.ErrNotFound)
	}
	out := copyLog(l)
	return &out, nil
}

func (m *Memory) UpdateLog(_ context.Context, l *model.ActionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.logs[l.ID]
	if !ok {
		return fmt.Errorf("log %q: %w", l.ID, model.ErrNotFound)
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("log %q: %w", l.ID, model.ErrTerminal)
	}
	m.logs[l.ID] = copyLog(*l)
	return nil
}

func (m *Memory) ListLogs(_ context.Context, f LogFilter) ([]model.ActionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.ActionLog
	for _, l := range m.logs {
		if f.match(&l) {
			out = append(out, copyLog(l))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if f.NewestFirst {
			a, b = b, a
		}
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) CreateApproval(_ context.Context, a *model.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.logs[a.LogID]; !ok {
		return model.Persist("create approval", fmt.Errorf("log %q does not exist", a.LogID))
	}
	if _, dup := m.approvals[a.ID]; dup {
		return model.Persist("create approval", fmt.Errorf("approval %q already exists", a.ID))
	}
	m.approvals[a.ID] = copyApproval(*a)
	return nil
}

func (m *Memory) GetApproval(_ context.Context, id string) (*model.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval %q: %w", id, model.ErrNotFound)
	}
	out := copyApproval(a)
	return &out, nil
}

func (m *Memory) UpdateApproval(_ context.Context, a *model.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.approvals[a.ID]
	if !ok {
		return fmt.Errorf("approval %q: %w", a.ID, model.ErrNotFound)
	}
	if cur.Status != model.ApprovalPending {
		return fmt.Errorf("approval %q: %w", a.ID, model.ErrNotPending)
	}
	m.approvals[a.ID] = copyApproval(*a)
	return nil
}

func (m *Memory) ResolveApproval(_ context.Context, a *model.ApprovalRequest, l *model.ActionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.approvals[a.ID]
	if !ok {
		return fmt.Errorf("approval %q: %w", a.ID, model.ErrNotFound)
	}
	if cur.Status != model.ApprovalPending {
		return fmt.Errorf("approval %q: %w", a.ID, model.ErrNotPending)
	}
	curLog, ok := m.logs[l.ID]
	if !ok {
		return fmt.Errorf("log %q: %w", l.ID, model.ErrNotFound)
	}
	if curLog.Status.Terminal() {
		return fmt.Errorf("log %q: %w", l.ID, model.ErrTerminal)
	}
	m.approvals[a.ID] = copyApproval(*a)
	m.logs[l.ID] = copyLog(*l)
	return nil
}

func (m *Memory) ListApprovals(_ context.Context, f ApprovalFilter) ([]model.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.ApprovalRequest
	for _, a := range m.approvals {
		if f.match(&a) {
			out = append(out, copyApproval(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func copyPolicy(p model.Policy) model.Policy {
	if p.LastRunAt != nil {
		t := *p.LastRunAt
		p.LastRunAt = &t
	}
	return p
}

func copyLog(l model.ActionLog) model.ActionLog {
	l.Metadata = maps.Clone(l.Metadata)
	if l.ExecutedAt != nil {
		t := *l.ExecutedAt
		l.ExecutedAt = &t
	}
	if l.FailedAt != nil {
		t := *l.FailedAt
		l.FailedAt = &t
	}
	return l
}

func copyApproval(a model.ApprovalRequest) model.ApprovalRequest {
	if a.ApprovedAt != nil {
		t := *a.ApprovedAt
		a.ApprovedAt = &t
	}
	if a.RejectedAt != nil {
		t := *a.RejectedAt
		a.RejectedAt = &t
	}
	return a
}
