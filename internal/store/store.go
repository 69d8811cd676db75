// Package store persists sessions, lead snapshots and the activity log.
package store

import (
	"context"
	"errors"

	"github.com/stellarlinkco/leadclaw/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Store is the persistence boundary. Implementations must be safe for
// concurrent use and must return copies, never shared pointers.
type Store interface {
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	PutSession(ctx context.Context, s *domain.Session) error
	GetLead(ctx context.Context, id string) (*domain.Lead, error)
	PutLead(ctx context.Context, l *domain.Lead) error
	ListLeads(ctx context.Context, limit int) ([]domain.Lead, error)
	AppendActivity(ctx context.Context, a domain.Activity) error
	ListActivities(ctx context.Context, limit int) ([]domain.Activity, error)
	Close() error
}
