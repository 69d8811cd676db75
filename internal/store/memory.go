package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stellarlinkco/leadclaw/internal/domain"
)

// Memory is an in-process Store used by tests and the local chat command.
type Memory struct {
	mu         sync.RWMutex
	sessions   map[string]*domain.Session
	leads      map[string]domain.Lead
	activities []domain.Activity
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*domain.Session),
		leads:    make(map[string]domain.Lead),
	}
}

func (m *Memory) GetSession(_ context.Context, id string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s.Clone(), nil
}

func (m *Memory) PutSession(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *Memory) GetLead(_ context.Context, id string) (*domain.Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.leads[id]
	if !ok {
		return nil, fmt.Errorf("lead %s: %w", id, ErrNotFound)
	}
	return cloneLead(l), nil
}

func (m *Memory) PutLead(_ context.Context, l *domain.Lead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leads[l.ID] = *cloneLead(*l)
	return nil
}

func (m *Memory) ListLeads(_ context.Context, limit int) ([]domain.Lead, error) {
	m.mu.RLock()
	out := make([]domain.Lead, 0, len(m.leads))
	for _, l := range m.leads {
		out = append(out, *cloneLead(l))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AppendActivity(_ context.Context, a domain.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.ID = int64(len(m.activities) + 1)
	m.activities = append(m.activities, a)
	return nil
}

func (m *Memory) ListActivities(_ context.Context, limit int) ([]domain.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Activity, 0, len(m.activities))
	for i := len(m.activities) - 1; i >= 0; i-- {
		out = append(out, m.activities[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

func cloneLead(l domain.Lead) *domain.Lead {
	out := l
	out.Data = l.Data.Clone()
	out.NextSteps = append([]string(nil), l.NextSteps...)
	return &out
}
