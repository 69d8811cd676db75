package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stellarlinkco/leadclaw/internal/cache"
	"github.com/stellarlinkco/leadclaw/internal/config"
	"github.com/stellarlinkco/leadclaw/internal/domain"
	"github.com/stellarlinkco/leadclaw/internal/funnel"
	"github.com/stellarlinkco/leadclaw/internal/gateway"
	"github.com/stellarlinkco/leadclaw/internal/llm"
	"github.com/stellarlinkco/leadclaw/internal/optimizer"
	"github.com/stellarlinkco/leadclaw/internal/prompts"
	"github.com/stellarlinkco/leadclaw/internal/research"
	"github.com/stellarlinkco/leadclaw/internal/store"
	"github.com/stellarlinkco/leadclaw/internal/tokens"
)

// ClientFactory creates the model client (allows mocking in tests)
type ClientFactory func(cfg *config.Config) (llm.Client, error)

// DefaultClientFactory builds the provider client from config.
func DefaultClientFactory(cfg *config.Config) (llm.Client, error) {
	c, err := llm.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Deps are the injectable dependencies of the local commands.
type Deps struct {
	ClientFactory ClientFactory
	Searcher      research.Searcher
	Store         store.Store
	Stdin         io.Reader
	Stdout        io.Writer
	Stderr        io.Writer
}

func (d Deps) withDefaults() Deps {
	if d.ClientFactory == nil {
		d.ClientFactory = DefaultClientFactory
	}
	if d.Stdin == nil {
		d.Stdin = os.Stdin
	}
	if d.Stdout == nil {
		d.Stdout = os.Stdout
	}
	if d.Stderr == nil {
		d.Stderr = os.Stderr
	}
	return d
}

func (d Deps) openStore(cfg *config.Config) (store.Store, error) {
	if d.Store != nil {
		return d.Store, nil
	}
	st, err := store.NewSQLite(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func (d Deps) searcher(cfg *config.Config) research.Searcher {
	if d.Searcher != nil {
		return d.Searcher
	}
	if ws := research.NewWebSearcher(cfg.Research.Search.APIKey, cfg.Research.Search.Endpoint, nil); ws != nil {
		return ws
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "leadclaw",
	Short: "leadclaw - conversational lead qualification",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the full gateway (channels + research + scheduler)",
	RunE:  runGateway,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Qualify yourself as a lead in a local REPL or with a single message",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context(), Deps{})
	},
}

var researchCmd = &cobra.Command{
	Use:   "research",
	Short: "Research a lead and print the record as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runResearch(cmd.Context(), Deps{}, researchEmail, researchName, researchURL)
	},
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnboard(cmd.OutOrStdout())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show leadclaw status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context(), cmd.OutOrStdout())
	},
}

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "List captured leads",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLeads(cmd.Context(), Deps{}, leadsLimit, leadsJSON)
	},
}

var (
	messageFlag   string
	researchEmail string
	researchName  string
	researchURL   string
	leadsLimit    int
	leadsJSON     bool
)

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	researchCmd.Flags().StringVar(&researchEmail, "email", "", "Lead email (required)")
	researchCmd.Flags().StringVar(&researchName, "name", "", "Lead full name")
	researchCmd.Flags().StringVar(&researchURL, "url", "", "Company website")
	_ = researchCmd.MarkFlagRequired("email")
	leadsCmd.Flags().IntVarP(&leadsLimit, "limit", "n", 20, "Maximum number of leads")
	leadsCmd.Flags().BoolVar(&leadsJSON, "json", false, "Print JSON instead of a table")
	rootCmd.AddCommand(gatewayCmd, chatCmd, researchCmd, onboardCmd, statusCmd, leadsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'leadclaw onboard' or set LEADCLAW_API_KEY / ANTHROPIC_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

// chatSession drives one local conversation through the funnel.
type chatSession struct {
	machine   *funnel.Machine
	research  *research.Aggregator
	sessionID string
	out       io.Writer
	errOut    io.Writer
}

func newChatSession(ctx context.Context, cfg *config.Config, d Deps, st store.Store) (*chatSession, error) {
	client, err := d.ClientFactory(cfg)
	if err != nil {
		return nil, err
	}

	stagePrompts, err := prompts.Load(filepath.Join(cfg.Agent.Workspace, "stages"))
	if err != nil {
		return nil, fmt.Errorf("load stage prompts: %w", err)
	}
	stagePrompts.SetPersona(cfg.Agent.Persona)

	opt := optimizer.New(
		cache.New[string, optimizer.CachedPrompt](config.ParseDuration(cfg.Optimizer.CacheTTL, 30*time.Minute)),
		tokens.Heuristic{},
		optimizer.NewLLMSummarizer(client),
		optimizer.Options{MinHistory: cfg.Optimizer.MinHistory, RecentTail: cfg.Optimizer.RecentTail},
	)
	machine := funnel.NewMachine(funnel.Options{
		Store:       st,
		Optimizer:   opt,
		Client:      client,
		Prompts:     stagePrompts,
		TokenBudget: cfg.Optimizer.TokenBudget,
	})

	var agg *research.Aggregator
	if cfg.Research.Enabled {
		agg = research.NewAggregator(d.searcher(cfg), client, nil, research.Options{
			LookupTimeout:    config.ParseDuration(cfg.Research.LookupTimeout, research.DefaultLookupTimeout),
			SynthesisTimeout: config.ParseDuration(cfg.Research.SynthesisTimeout, research.DefaultSynthesisTimeout),
			TTL:              config.ParseDuration(cfg.Research.TTL, research.DefaultTTL),
		})
	}

	id := "cli-" + uuid.NewString()
	if _, err := machine.InitializeConversation(ctx, id); err != nil {
		return nil, err
	}
	return &chatSession{machine: machine, research: agg, sessionID: id, out: d.Stdout, errOut: d.Stderr}, nil
}

// send processes one message. It reports whether the conversation is over.
func (c *chatSession) send(ctx context.Context, text string) (bool, error) {
	res, err := c.machine.ProcessMessage(ctx, c.sessionID, text)
	if res == nil {
		return false, err
	}
	if err != nil {
		fmt.Fprintf(c.errOut, "Warning: %v\n", err)
	}
	if res.Stage != res.PreviousStage {
		fmt.Fprintf(c.out, "[stage] %s -> %s\n", res.PreviousStage, res.Stage)
	}
	fmt.Fprintln(c.out, res.Response)

	if res.ShouldTriggerResearch && c.research != nil {
		c.runResearch(ctx, res.Session.Lead)
	}
	if res.Stage != domain.StageCompleted {
		return false, nil
	}
	done, err := c.machine.CompleteConversation(ctx, c.sessionID)
	if err != nil {
		return true, fmt.Errorf("complete conversation: %w", err)
	}
	fmt.Fprintf(c.out, "\n[lead] %s score=%d\n%s\n", done.LeadID, done.Score, done.Summary)
	for _, step := range done.NextSteps {
		fmt.Fprintf(c.out, "  - %s\n", step)
	}
	return true, nil
}

func (c *chatSession) runResearch(ctx context.Context, lead domain.LeadData) {
	rec, err := c.research.Research(ctx, research.Identity{Email: lead.Email, Name: lead.Name, CompanyURL: lead.CompanyDomain})
	if err != nil {
		fmt.Fprintf(c.errOut, "[research] %v\n", err)
		return
	}
	if _, err := c.machine.IntegrateResearchData(ctx, c.sessionID, rec.ResearchData()); err != nil {
		fmt.Fprintf(c.errOut, "[research] %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "[research] %s (confidence %.2f)\n", orUnknown(rec.Company.Name), rec.Confidence)
}

func runChat(ctx context.Context, d Deps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d = d.withDefaults()
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := d.openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	chat, err := newChatSession(ctx, cfg, d, st)
	if err != nil {
		return err
	}

	// Single message mode
	if messageFlag != "" {
		_, err := chat.send(ctx, messageFlag)
		return err
	}

	// REPL mode
	fmt.Fprintln(d.Stdout, "leadclaw chat (type 'exit' to quit)")
	scanner := bufio.NewScanner(d.Stdin)
	for {
		fmt.Fprint(d.Stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		finished, err := chat.send(ctx, input)
		if err != nil {
			fmt.Fprintf(d.Stderr, "Error: %v\n", err)
		}
		if finished {
			break
		}
	}
	return nil
}

func runResearch(ctx context.Context, d Deps, email, name, companyURL string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d = d.withDefaults()
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Research still produces a domain guess without a model.
	client, err := d.ClientFactory(cfg)
	if err != nil {
		fmt.Fprintf(d.Stderr, "Warning: %v\n", err)
		client = nil
	}
	agg := research.NewAggregator(d.searcher(cfg), client, nil, research.Options{
		LookupTimeout:    config.ParseDuration(cfg.Research.LookupTimeout, research.DefaultLookupTimeout),
		SynthesisTimeout: config.ParseDuration(cfg.Research.SynthesisTimeout, research.DefaultSynthesisTimeout),
	})

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	rec, err := agg.Research(ctx, research.Identity{Email: email, Name: name, CompanyURL: companyURL})
	if err != nil {
		return fmt.Errorf("research: %w", err)
	}
	enc := json.NewEncoder(d.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func runLeads(ctx context.Context, d Deps, limit int, asJSON bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d = d.withDefaults()
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := d.openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	leads, err := st.ListLeads(ctx, limit)
	if err != nil {
		return fmt.Errorf("list leads: %w", err)
	}
	if asJSON {
		enc := json.NewEncoder(d.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(leads)
	}
	if len(leads) == 0 {
		fmt.Fprintln(d.Stdout, "No leads yet.")
		return nil
	}
	tw := tabwriter.NewWriter(d.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tSCORE\tNAME\tEMAIL\tCOMPANY")
	for _, l := range leads {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			l.CreatedAt.Local().Format("2006-01-02 15:04"), l.Score,
			orUnknown(l.Data.Name), orUnknown(l.Data.Email), orUnknown(l.Data.Company))
	}
	return tw.Flush()
}

func runOnboard(out io.Writer) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ws := cfg.Agent.Workspace
	if err := os.MkdirAll(filepath.Join(ws, "stages"), 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath()), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	fmt.Fprintf(out, "Workspace ready: %s\n", ws)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set LEADCLAW_API_KEY environment variable")
	fmt.Fprintf(out, "  3. Override stage prompts in %s/<stage>/STAGE.md\n", filepath.Join(ws, "stages"))
	fmt.Fprintln(out, "  4. Run 'leadclaw chat' to try the funnel")
	return nil
}

func runStatus(ctx context.Context, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Workspace: %s\n", cfg.Agent.Workspace)
	fmt.Fprintf(out, "Model: %s\n", cfg.Agent.Model)
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Search Key: %s\n", maskKey(cfg.Research.Search.APIKey))
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(out, "WebUI: enabled=%v (%s:%d)\n", cfg.Channels.WebUI.Enabled, cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Fprintf(out, "Research: enabled=%v workers=%d\n", cfg.Research.Enabled, cfg.Research.Workers)

	dbPath := cfg.DBPath()
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintf(out, "Store: %s (not created yet, run 'leadclaw onboard')\n", dbPath)
		return nil
	}
	st, err := store.NewSQLite(dbPath)
	if err != nil {
		fmt.Fprintf(out, "Store: %s (error: %v)\n", dbPath, err)
		return nil
	}
	defer st.Close()
	leads, err := st.ListLeads(ctx, 0)
	if err != nil {
		fmt.Fprintf(out, "Store: %s (error: %v)\n", dbPath, err)
		return nil
	}
	fmt.Fprintf(out, "Store: %s (%d recent leads)\n", dbPath, len(leads))
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
