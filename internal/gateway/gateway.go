package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/stellarlinkco/leadclaw/internal/activity"
	"github.com/stellarlinkco/leadclaw/internal/bus"
	"github.com/stellarlinkco/leadclaw/internal/cache"
	"github.com/stellarlinkco/leadclaw/internal/channel"
	"github.com/stellarlinkco/leadclaw/internal/coalesce"
	"github.com/stellarlinkco/leadclaw/internal/config"
	"github.com/stellarlinkco/leadclaw/internal/cron"
	"github.com/stellarlinkco/leadclaw/internal/domain"
	"github.com/stellarlinkco/leadclaw/internal/funnel"
	"github.com/stellarlinkco/leadclaw/internal/llm"
	"github.com/stellarlinkco/leadclaw/internal/optimizer"
	"github.com/stellarlinkco/leadclaw/internal/prompts"
	"github.com/stellarlinkco/leadclaw/internal/research"
	"github.com/stellarlinkco/leadclaw/internal/store"
	"github.com/stellarlinkco/leadclaw/internal/tokens"
)

const (
	sweepJobName  = "sweep-caches"
	resetReply    = "Starting a new conversation. Say hi whenever you're ready."
	followUpAgain = "Thanks again for chatting with us. Is there anything else we can help with before our call?"
)

// Options for creating a Gateway. Nil fields are built from the config.
type Options struct {
	Client     llm.Client
	Searcher   research.Searcher
	Store      store.Store
	SignalChan chan os.Signal // for testing signal handling
}

type researchJob struct {
	sessionID string
	identity  research.Identity
}

type Gateway struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	store     store.Store
	activity  *activity.Sink
	optimizer *optimizer.Optimizer
	machine   *funnel.Machine
	research  *research.Aggregator
	live      *coalesce.LiveGenerator
	cron      *cron.Service
	channels  *channel.ChannelManager

	researchQueue chan researchJob
	workers       int
	dupWindow     time.Duration
	followUpDelay time.Duration
	sweepEvery    time.Duration

	mu       sync.Mutex
	sessions map[string]string // chat key -> session id

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	signalChan   chan os.Signal // for testing
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions wires every component. Injected dependencies in opts take
// precedence over the ones described by cfg.
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:           cfg,
		bus:           bus.NewMessageBus(config.DefaultBufSize),
		sessions:      make(map[string]string),
		dupWindow:     config.ParseDuration(cfg.Live.MinInterval, 5*time.Second),
		followUpDelay: config.ParseDuration(cfg.Agent.FollowUpDelay, 24*time.Hour),
		sweepEvery:    config.ParseDuration(cfg.Optimizer.SweepEvery, 10*time.Minute),
		signalChan:    opts.SignalChan,
	}

	// Store
	g.store = opts.Store
	if g.store == nil {
		st, err := store.NewSQLite(cfg.DBPath())
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		g.store = st
	}
	g.activity = activity.NewSink(g.store, 0)

	// Model client
	client := opts.Client
	if client == nil {
		c, err := llm.NewClient(cfg)
		if err != nil {
			log.Printf("[gateway] model unavailable, replies will use the fallback: %v", err)
		} else {
			client = c
		}
	}

	// Prompt optimizer
	promptCache := cache.New[string, optimizer.CachedPrompt](config.ParseDuration(cfg.Optimizer.CacheTTL, 30*time.Minute))
	var summarizer optimizer.Summarizer
	if client != nil {
		summarizer = optimizer.NewLLMSummarizer(client)
	}
	g.optimizer = optimizer.New(promptCache, tokens.Heuristic{}, summarizer, optimizer.Options{
		MinHistory: cfg.Optimizer.MinHistory,
		RecentTail: cfg.Optimizer.RecentTail,
	})

	// Stage prompts
	stagePrompts, err := prompts.Load(filepath.Join(cfg.Agent.Workspace, "stages"))
	if err != nil {
		log.Printf("[gateway] stage prompts load warning, using built-ins: %v", err)
		stagePrompts = prompts.Defaults()
	}
	stagePrompts.SetPersona(cfg.Agent.Persona)

	g.machine = funnel.NewMachine(funnel.Options{
		Store:       g.store,
		Optimizer:   g.optimizer,
		Client:      client,
		Prompts:     stagePrompts,
		Activity:    g.activity,
		TokenBudget: cfg.Optimizer.TokenBudget,
	})

	// Research
	searcher := opts.Searcher
	if searcher == nil {
		if ws := research.NewWebSearcher(cfg.Research.Search.APIKey, cfg.Research.Search.Endpoint, nil); ws != nil {
			searcher = ws
		}
	}
	g.research = research.NewAggregator(searcher, client, nil, research.Options{
		LookupTimeout:    config.ParseDuration(cfg.Research.LookupTimeout, research.DefaultLookupTimeout),
		SynthesisTimeout: config.ParseDuration(cfg.Research.SynthesisTimeout, research.DefaultSynthesisTimeout),
		TTL:              config.ParseDuration(cfg.Research.TTL, research.DefaultTTL),
	})
	if cfg.Research.Enabled {
		queueSize := cfg.Research.QueueSize
		if queueSize <= 0 {
			queueSize = config.DefaultResearchQueue
		}
		g.workers = cfg.Research.Workers
		if g.workers <= 0 {
			g.workers = config.DefaultResearchWorker
		}
		g.researchQueue = make(chan researchJob, queueSize)
	}

	// Live generation for follow-ups and the inbound duplicate guard
	g.live = coalesce.NewLiveGenerator(client, coalesce.NewGuard(), coalesce.LiveOptions{
		MinInterval: g.dupWindow,
		RatePerSec:  cfg.Live.RatePerSec,
		Burst:       cfg.Live.Burst,
	})

	// Cron
	cronStorePath := filepath.Join(config.ConfigDir(), "data", "cron", "jobs.json")
	g.cron = cron.NewService(cronStorePath, g.runJob)

	// Channels (with gateway config for WebUI port)
	chMgr, err := channel.NewChannelManager(cfg.Channels, cfg.Gateway, g.bus)
	if err != nil {
		g.activity.Close()
		_ = g.store.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		log.Printf("[gateway] cron start warning: %v", err)
	}
	if _, err := g.cron.EnsureJob(sweepJobName, cron.Every(g.sweepEvery), cron.Payload{Task: cron.TaskSweepCaches}); err != nil {
		log.Printf("[gateway] ensure sweep job warning: %v", err)
	}

	g.startResearchWorkers(ctx)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.processLoop(ctx)
	}()

	log.Printf("[gateway] running on %s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))
			if _, err := g.HandleInbound(ctx, msg); err != nil {
				log.Printf("[gateway] handle %s: %v", msg.ChatKey(), err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// HandleInbound runs one visitor message through the funnel and publishes
// the reply. A nil result with a nil error means nothing was processed.
// Repeats of the same text inside the duplicate window are rejected with a
// *coalesce.RejectedError.
func (g *Gateway) HandleInbound(ctx context.Context, msg bus.InboundMessage) (*funnel.Result, error) {
	key := msg.ChatKey()
	content := strings.TrimSpace(msg.Content)

	if msg.WantsReset() {
		g.forget(key)
		if content == "" {
			g.publish(ctx, msg.Channel, msg.ChatID, resetReply, domain.StageGreeting)
			return nil, nil
		}
	}
	if content == "" {
		return nil, nil
	}

	if d := g.live.Guard().Check(key, coalesce.HashText(content), g.dupWindow); !d.Allowed {
		return nil, &coalesce.RejectedError{RetryAfter: d.RetryAfter, Reason: "duplicate message"}
	}

	sessionID, err := g.sessionFor(ctx, key)
	if err != nil {
		return nil, err
	}
	res, err := g.machine.ProcessMessage(ctx, sessionID, content)
	if errors.Is(err, funnel.ErrInvalidState) {
		// The session was completed elsewhere; start over.
		g.forget(key)
		if sessionID, err = g.sessionFor(ctx, key); err != nil {
			return nil, err
		}
		res, err = g.machine.ProcessMessage(ctx, sessionID, content)
	}
	if res == nil {
		return nil, err
	}
	if err != nil {
		log.Printf("[gateway] session %s: %v", sessionID, err)
	}

	g.publish(ctx, msg.Channel, msg.ChatID, res.Response, res.Stage)

	if res.ShouldTriggerResearch {
		g.enqueueResearch(res.Session)
	}
	if res.ShouldSendFollowUp {
		g.scheduleFollowUp(sessionID, msg.Channel, msg.ChatID)
	}
	if res.Stage == domain.StageCompleted {
		g.complete(ctx, key, sessionID)
	}
	return res, nil
}

// sessionFor returns the open session for a chat, creating one if needed.
func (g *Gateway) sessionFor(ctx context.Context, key string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if id, ok := g.sessions[key]; ok {
		return id, nil
	}
	id := uuid.NewString()
	if _, err := g.machine.InitializeConversation(ctx, id); err != nil {
		return "", fmt.Errorf("start session for %s: %w", key, err)
	}
	g.sessions[key] = id
	log.Printf("[gateway] %s -> session %s", key, id)
	return id, nil
}

func (g *Gateway) forget(key string) {
	g.mu.Lock()
	delete(g.sessions, key)
	g.mu.Unlock()
}

func (g *Gateway) publish(ctx context.Context, channelName, chatID, content string, stage domain.Stage) {
	if content == "" {
		return
	}
	out := bus.OutboundMessage{
		Channel:  channelName,
		ChatID:   chatID,
		Content:  content,
		Metadata: map[string]any{bus.MetaStage: stage.String()},
	}
	select {
	case g.bus.Outbound <- out:
	case <-ctx.Done():
	}
}

func (g *Gateway) complete(ctx context.Context, key, sessionID string) {
	done, err := g.machine.CompleteConversation(ctx, sessionID)
	if err != nil {
		log.Printf("[gateway] complete session %s: %v", sessionID, err)
		return
	}
	g.forget(key)
	log.Printf("[gateway] lead %s captured from session %s (score %d)", done.LeadID, sessionID, done.Score)
}

func (g *Gateway) enqueueResearch(sess *domain.Session) {
	if g.researchQueue == nil || sess == nil {
		return
	}
	job := researchJob{
		sessionID: sess.ID,
		identity: research.Identity{
			Email:      sess.Lead.Email,
			Name:       sess.Lead.Name,
			CompanyURL: sess.Lead.CompanyDomain,
		},
	}
	select {
	case g.researchQueue <- job:
	default:
		log.Printf("[research] queue full, dropping research for session %s", sess.ID)
		g.activity.LogActivity(activity.Activity{
			Type:     activity.TypeResearch,
			Title:    "Research dropped",
			Status:   activity.StatusFailed,
			Metadata: map[string]string{"session": sess.ID, "error": "queue full"},
		})
	}
}

func (g *Gateway) startResearchWorkers(ctx context.Context) {
	for i := 0; i < g.workers; i++ {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			for {
				select {
				case job := <-g.researchQueue:
					if err := g.runResearch(ctx, job); err != nil {
						log.Printf("[research] session %s: %v", job.sessionID, err)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

// runResearch researches the lead and folds the result into its session.
func (g *Gateway) runResearch(ctx context.Context, job researchJob) error {
	rec, err := g.research.Research(ctx, job.identity)
	if err != nil {
		g.activity.LogActivity(activity.Activity{
			Type:     activity.TypeResearch,
			Title:    "Research failed",
			Status:   activity.StatusFailed,
			Metadata: map[string]string{"session": job.sessionID, "error": err.Error()},
		})
		return err
	}
	if _, err := g.machine.IntegrateResearchData(ctx, job.sessionID, rec.ResearchData()); err != nil {
		return fmt.Errorf("integrate research: %w", err)
	}
	return nil
}

func (g *Gateway) scheduleFollowUp(sessionID, channelName, chatID string) {
	at := time.Now().Add(g.followUpDelay)
	job, err := g.cron.ScheduleFollowUp(sessionID, channelName, chatID, at)
	if err != nil {
		log.Printf("[gateway] schedule follow-up for %s: %v", sessionID, err)
		return
	}
	log.Printf("[gateway] follow-up %s for session %s at %s", job.ID, sessionID, at.Format(time.RFC3339))
}

// runJob is the cron handler.
func (g *Gateway) runJob(ctx context.Context, job cron.Job) (string, error) {
	switch job.Payload.Task {
	case cron.TaskSweepCaches:
		return g.sweep(), nil
	case cron.TaskFollowUp:
		return g.sendFollowUp(ctx, job.Payload)
	default:
		return "", fmt.Errorf("unknown task %q", job.Payload.Task)
	}
}

func (g *Gateway) sweep() string {
	cached := g.optimizer.ClearExpired()
	records := g.research.ClearExpired()
	// Guard entries must outlive the duplicate window even when sweeps run more often.
	callers := g.live.Sweep(max(g.sweepEvery, g.dupWindow))
	return fmt.Sprintf("prompts=%d research=%d live=%d", cached, records, callers)
}

// sendFollowUp writes a short follow-up for a finished conversation. When
// the model is unavailable or throttled a canned message goes out instead.
func (g *Gateway) sendFollowUp(ctx context.Context, p cron.Payload) (string, error) {
	sess, err := g.machine.Session(ctx, p.SessionID)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}

	payload := []llm.Message{
		{Role: llm.RoleSystem, Content: followUpPrompt + "\n\n" + prompts.LeadContext(sess.Lead)},
		{Role: llm.RoleUser, Content: "Write the follow-up message now."},
	}
	text, err := g.live.Generate(ctx, "follow-up:"+p.SessionID, payload)
	status := activity.StatusOK
	if err != nil || strings.TrimSpace(text) == "" {
		log.Printf("[gateway] follow-up generation for %s: %v", p.SessionID, err)
		text = followUpAgain
		status = activity.StatusFailed
	}
	text = strings.TrimSpace(text)

	g.publish(ctx, p.Channel, p.To, text, sess.Stage)
	g.activity.LogActivity(activity.Activity{
		Type:     activity.TypeFollowUp,
		Title:    "Follow-up sent",
		Status:   status,
		Metadata: map[string]string{"session": p.SessionID, "channel": p.Channel},
	})
	return truncate(text, 80), nil
}

const followUpPrompt = `You write one short follow-up message to a prospect who finished a
qualification chat. Thank them by name when known, recall their main pain
point in one sentence and confirm the next step. At most three sentences, no
subject line, no signature.`

// Shutdown stops every component. It is safe to call more than once.
func (g *Gateway) Shutdown() error {
	g.shutdownOnce.Do(func() {
		if g.cancel != nil {
			g.cancel()
		}
		g.cron.Stop()
		_ = g.channels.StopAll()
		g.wg.Wait()
		g.activity.Close()
		if err := g.store.Close(); err != nil {
			log.Printf("[gateway] close store warning: %v", err)
		}
		log.Printf("[gateway] shutdown complete")
	})
	return nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
