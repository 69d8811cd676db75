// Package funnel owns the qualification state of every conversation: it
// extracts lead signals from each message, advances the stage one step at a
// time and asks the model for the next reply.
package funnel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stellarlinkco/leadclaw/internal/activity"
	"github.com/stellarlinkco/leadclaw/internal/domain"
	"github.com/stellarlinkco/leadclaw/internal/llm"
	"github.com/stellarlinkco/leadclaw/internal/optimizer"
	"github.com/stellarlinkco/leadclaw/internal/prompts"
	"github.com/stellarlinkco/leadclaw/internal/store"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrInvalidState  = errors.New("invalid session state")
	ErrAlreadyExists = errors.New("session already exists")
)

// FallbackResponse is sent when the model cannot produce a reply.
const FallbackResponse = "Sorry, I'm having trouble responding right now. Could you give me a moment and try again?"

const defaultTokenBudget = 6000

// Store is the persistence the machine needs.
type Store interface {
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	PutSession(ctx context.Context, s *domain.Session) error
	PutLead(ctx context.Context, l *domain.Lead) error
}

type Optimizer interface {
	Optimize(ctx context.Context, history []llm.Message, systemPrompt, sessionID string, budget int) (*optimizer.Result, error)
}

type ActivityLogger interface {
	LogActivity(a activity.Activity)
}

type Options struct {
	Store       Store
	Optimizer   Optimizer
	Client      llm.Client
	Prompts     *prompts.Set
	Activity    ActivityLogger
	TokenBudget int
	Now         func() time.Time
	NewID       func() string
}

type Result struct {
	Response              string
	Stage                 domain.Stage
	PreviousStage         domain.Stage
	ShouldTriggerResearch bool
	ShouldSendFollowUp    bool
	Session               *domain.Session
	UsedCache             bool
	Summarized            bool
}

// Completion is what CompleteConversation hands back.
type Completion struct {
	LeadID    string
	LeadData  domain.LeadData
	Summary   string
	NextSteps []string
	Score     int
}

type Machine struct {
	store     Store
	optimizer Optimizer
	client    llm.Client
	prompts   *prompts.Set
	activity  ActivityLogger
	budget    int
	now       func() time.Time
	newID     func() string
	locks     sessionLocks
}

func NewMachine(opts Options) *Machine {
	m := &Machine{
		store:     opts.Store,
		optimizer: opts.Optimizer,
		client:    opts.Client,
		prompts:   opts.Prompts,
		activity:  opts.Activity,
		budget:    opts.TokenBudget,
		now:       opts.Now,
		newID:     opts.NewID,
	}
	if m.prompts == nil {
		m.prompts = prompts.Defaults()
	}
	if m.activity == nil {
		m.activity = nopActivity{}
	}
	if m.budget <= 0 {
		m.budget = defaultTokenBudget
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	return m
}

// InitializeConversation starts tracking sessionID at GREETING.
func (m *Machine) InitializeConversation(ctx context.Context, sessionID string) (*domain.Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("initialize conversation: empty session id: %w", ErrInvalidState)
	}
	unlock := m.locks.lock(sessionID)
	defer unlock()

	if _, err := m.store.GetSession(ctx, sessionID); err == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrAlreadyExists)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load session: %w", err)
	}

	sess := domain.NewSession(sessionID, m.now())
	if err := m.store.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	m.activity.LogActivity(activity.Activity{
		Type:     activity.TypeConversation,
		Title:    "Conversation started",
		Status:   activity.StatusOK,
		Metadata: map[string]string{"session": sessionID},
	})
	return sess.Clone(), nil
}

// ProcessMessage applies one visitor message. When the model call fails the
// updated session is still persisted; the result carries FallbackResponse
// and the error is returned alongside it.
func (m *Machine) ProcessMessage(ctx context.Context, sessionID, text string) (*Result, error) {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Finalized || sess.Stage == domain.StageCompleted {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, sess.Stage, ErrInvalidState)
	}

	now := m.now()
	prev := sess.Stage
	text = strings.TrimSpace(text)

	sess.Lead.Merge(ExtractSignals(text, prev, sess.Lead.Name))
	if exit, ok := ExitPredicateFor(prev); ok && exit(text, sess.Lead) {
		sess.Stage = prev.Next()
	}
	sess.History = append(sess.History, domain.Turn{Role: domain.RoleUser, Content: text, Stage: prev, At: now})
	sess.TotalMessages++
	sess.LastActivityAt = now

	res := &Result{Stage: sess.Stage, PreviousStage: prev}
	if sess.Stage != prev {
		log.Printf("[funnel] session %s: %s -> %s", sessionID, prev, sess.Stage)
		m.activity.LogActivity(activity.Activity{
			Type:     activity.TypeStage,
			Title:    fmt.Sprintf("%s -> %s", prev, sess.Stage),
			Status:   activity.StatusOK,
			Metadata: map[string]string{"session": sessionID},
		})
		if sess.Stage == domain.StageBackgroundResearch && !sess.ResearchTriggered {
			sess.ResearchTriggered = true
			res.ShouldTriggerResearch = true
		}
		if sess.Stage == domain.StageCompleted && !sess.FollowUpSent {
			sess.FollowUpSent = true
			res.ShouldSendFollowUp = true
		}
	}

	reply, opt, genErr := m.respond(ctx, sess)
	if genErr != nil {
		log.Printf("[funnel] session %s: generate reply failed: %v", sessionID, genErr)
		reply = FallbackResponse
	}
	if opt != nil {
		res.UsedCache = opt.UsedCache
		res.Summarized = opt.Summary != ""
	}
	sess.History = append(sess.History, domain.Turn{Role: domain.RoleAssistant, Content: reply, Stage: sess.Stage, At: m.now()})
	sess.TotalMessages++

	if err := m.store.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	res.Response = reply
	res.Session = sess.Clone()
	if genErr != nil {
		return res, fmt.Errorf("generate reply: %w", genErr)
	}
	return res, nil
}

func (m *Machine) respond(ctx context.Context, sess *domain.Session) (string, *optimizer.Result, error) {
	if m.client == nil || m.optimizer == nil {
		return "", nil, fmt.Errorf("no model configured: %w", llm.ErrUpstreamUnavailable)
	}
	system := m.prompts.SystemPrompt(sess.Stage, sess.Lead)
	opt, err := m.optimizer.Optimize(ctx, HistoryMessages(sess.History), system, sess.ID, m.budget)
	if err != nil {
		return "", nil, fmt.Errorf("optimize prompt: %w", err)
	}
	reply, err := m.client.Generate(ctx, opt.Payload, llm.ConfigFor(llm.KindChat))
	if err != nil {
		return "", opt, err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", opt, fmt.Errorf("empty reply: %w", llm.ErrUpstreamUnavailable)
	}
	return reply, opt, nil
}

// IntegrateResearchData fills lead fields the visitor has not provided.
func (m *Machine) IntegrateResearchData(ctx context.Context, sessionID string, data domain.ResearchData) (*domain.Session, error) {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Finalized {
		return nil, fmt.Errorf("session %s is finalized: %w", sessionID, ErrInvalidState)
	}
	sess.Lead.FillEmpty(data)
	if err := m.store.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	m.activity.LogActivity(activity.Activity{
		Type:   activity.TypeResearch,
		Title:  "Research integrated",
		Status: activity.StatusOK,
		Metadata: map[string]string{
			"session":    sessionID,
			"confidence": fmt.Sprintf("%.2f", data.Confidence),
		},
	})
	return sess.Clone(), nil
}

// CompleteConversation snapshots the lead and finalizes the session. Only a
// session that reached COMPLETED and was not finalized yet qualifies.
func (m *Machine) CompleteConversation(ctx context.Context, sessionID string) (*Completion, error) {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Stage != domain.StageCompleted || sess.Finalized {
		return nil, fmt.Errorf("complete session %s at %s (finalized=%t): %w", sessionID, sess.Stage, sess.Finalized, ErrInvalidState)
	}

	accepted := acceptedNextStep(sess)
	lead := &domain.Lead{
		ID:        m.newID(),
		SessionID: sessionID,
		Data:      sess.Lead.Clone(),
		Score:     ScoreLead(sess.Lead, accepted),
		Summary:   Summarize(sess, accepted),
		NextSteps: NextSteps(sess.Lead, accepted),
		CreatedAt: m.now(),
	}
	if err := m.store.PutLead(ctx, lead); err != nil {
		return nil, fmt.Errorf("persist lead: %w", err)
	}
	sess.Finalized = true
	if err := m.store.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	m.activity.LogActivity(activity.Activity{
		Type:   activity.TypeLead,
		Title:  "Lead captured",
		Status: activity.StatusOK,
		Metadata: map[string]string{
			"session": sessionID,
			"lead":    lead.ID,
			"score":   fmt.Sprintf("%d", lead.Score),
		},
	})
	return &Completion{
		LeadID:    lead.ID,
		LeadData:  lead.Data.Clone(),
		Summary:   lead.Summary,
		NextSteps: append([]string(nil), lead.NextSteps...),
		Score:     lead.Score,
	}, nil
}

// Session returns a copy of the stored session.
func (m *Machine) Session(ctx context.Context, sessionID string) (*domain.Session, error) {
	return m.load(ctx, sessionID)
}

func (m *Machine) load(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

// HistoryMessages converts session turns into model messages.
func HistoryMessages(turns []domain.Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		role := llm.RoleUser
		if t.Role == domain.RoleAssistant {
			role = llm.RoleModel
		}
		out = append(out, llm.Message{Role: role, Content: t.Content})
	}
	return out
}

type nopActivity struct{}

func (nopActivity) LogActivity(activity.Activity) {}

// sessionLocks serializes mutations per session id.
type sessionLocks struct {
	mu sync.Mutex
	m  map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func (l *sessionLocks) lock(id string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*sessionLock)
	}
	e, ok := l.m[id]
	if !ok {
		e = &sessionLock{}
		l.m[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
