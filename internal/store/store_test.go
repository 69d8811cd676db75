package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stellarlinkco/leadclaw/internal/domain"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := NewSQLite(filepath.Join(t.TempDir(), "data", "leadclaw.db"))
	if err != nil {
		t.Fatalf("NewSQLite error: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{"sqlite": sq, "memory": NewMemory()}
}

func TestStore_SessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			yes := true
			sess := domain.NewSession("s1", time.Unix(100, 0).UTC())
			sess.Stage = domain.StageProblemDiscovery
			sess.Lead = domain.LeadData{Name: "Ana", Email: "ana@acme.io", DecisionMaker: &yes, PainPoints: []string{"manual reporting"}}
			sess.History = []domain.Turn{{Role: domain.RoleUser, Content: "hi", Stage: domain.StageGreeting, At: time.Unix(101, 0).UTC()}}
			sess.ResearchTriggered = true
			if err := s.PutSession(ctx, sess); err != nil {
				t.Fatalf("PutSession error: %v", err)
			}

			got, err := s.GetSession(ctx, "s1")
			if err != nil {
				t.Fatalf("GetSession error: %v", err)
			}
			if got.Stage != domain.StageProblemDiscovery || got.Lead.Name != "Ana" || !got.ResearchTriggered {
				t.Fatalf("session = %+v", got)
			}
			if got.Lead.DecisionMaker == nil || !*got.Lead.DecisionMaker {
				t.Fatal("decision maker lost")
			}
			if len(got.History) != 1 || got.History[0].Content != "hi" {
				t.Fatalf("history = %+v", got.History)
			}

			got.Stage = domain.StageCompleted
			got.Finalized = true
			if err := s.PutSession(ctx, got); err != nil {
				t.Fatalf("PutSession update error: %v", err)
			}
			again, err := s.GetSession(ctx, "s1")
			if err != nil {
				t.Fatalf("GetSession error: %v", err)
			}
			if again.Stage != domain.StageCompleted || !again.Finalized {
				t.Fatalf("update lost: %+v", again)
			}
		})
	}
}

func TestStore_LeadsNewestFirst(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetLead(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			for i, id := range []string{"a", "b", "c"} {
				lead := &domain.Lead{
					ID:        id,
					SessionID: "s-" + id,
					Data:      domain.LeadData{Email: id + "@acme.io"},
					Score:     10 * (i + 1),
					NextSteps: []string{"book a call"},
					CreatedAt: time.Unix(int64(1000+i), 0),
				}
				if err := s.PutLead(ctx, lead); err != nil {
					t.Fatalf("PutLead error: %v", err)
				}
			}
			leads, err := s.ListLeads(ctx, 2)
			if err != nil {
				t.Fatalf("ListLeads error: %v", err)
			}
			if len(leads) != 2 || leads[0].ID != "c" || leads[1].ID != "b" {
				t.Fatalf("leads = %+v", leads)
			}
			got, err := s.GetLead(ctx, "a")
			if err != nil {
				t.Fatalf("GetLead error: %v", err)
			}
			if got.Score != 10 || got.Data.Email != "a@acme.io" || len(got.NextSteps) != 1 {
				t.Fatalf("lead = %+v", got)
			}
		})
	}
}

func TestStore_Activities(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, title := range []string{"first", "second"} {
				err := s.AppendActivity(ctx, domain.Activity{
					Type:     "research",
					Title:    title,
					Status:   "ok",
					Metadata: map[string]string{"session": "s1"},
				})
				if err != nil {
					t.Fatalf("AppendActivity error: %v", err)
				}
			}
			acts, err := s.ListActivities(ctx, 10)
			if err != nil {
				t.Fatalf("ListActivities error: %v", err)
			}
			if len(acts) != 2 || acts[0].Title != "second" {
				t.Fatalf("activities = %+v", acts)
			}
			if acts[1].Metadata["session"] != "s1" {
				t.Fatalf("metadata = %v", acts[1].Metadata)
			}
		})
	}
}

func TestSQLite_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leadclaw.db")
	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite error: %v", err)
	}
	if err := s.PutSession(context.Background(), domain.NewSession("keep", time.Now())); err != nil {
		t.Fatalf("PutSession error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	s2, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer s2.Close()
	if _, err := s2.GetSession(context.Background(), "keep"); err != nil {
		t.Fatalf("session lost after reopen: %v", err)
	}
}
