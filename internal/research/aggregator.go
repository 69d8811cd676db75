package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/stellarlinkco/leadclaw/internal/cache"
	"github.com/stellarlinkco/leadclaw/internal/domain"
	"github.com/stellarlinkco/leadclaw/internal/llm"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultLookupTimeout    = 4 * time.Second
	DefaultSynthesisTimeout = 10 * time.Second
	DefaultTTL              = 24 * time.Hour
	DefaultFloor            = 0.2

	reservedConfidence = 0.9
)

var errNoSearcher = errors.New("no search provider configured")

type Options struct {
	LookupTimeout    time.Duration
	SynthesisTimeout time.Duration
	TTL              time.Duration
	// Floor is the confidence of a guess derived from the email domain alone.
	Floor float64
}

type Aggregator struct {
	searcher Searcher
	client   llm.Client
	cache    *cache.Cache[string, *Record]
	group    singleflight.Group
	opts     Options
	now      func() time.Time
}

func NewAggregator(s Searcher, client llm.Client, c *cache.Cache[string, *Record], opts Options) *Aggregator {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = DefaultLookupTimeout
	}
	if opts.SynthesisTimeout <= 0 {
		opts.SynthesisTimeout = DefaultSynthesisTimeout
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Floor <= 0 {
		opts.Floor = DefaultFloor
	}
	if c == nil {
		c = cache.New[string, *Record](opts.TTL)
	}
	return &Aggregator{searcher: s, client: client, cache: c, opts: opts, now: time.Now}
}

// ConfidenceCap bounds the synthesized confidence by how many of the three
// lookups succeeded.
func (a *Aggregator) ConfidenceCap(succeeded int) float64 {
	switch {
	case succeeded <= 0:
		return a.opts.Floor
	case succeeded == 1:
		return 0.5
	case succeeded == 2:
		return 0.75
	default:
		return 0.95
	}
}

// Research returns the record for id, computing it at most once per TTL.
// Concurrent calls for the same identity share one computation.
func (a *Aggregator) Research(ctx context.Context, id Identity) (*Record, error) {
	if err := id.validate(); err != nil {
		return nil, fmt.Errorf("research %q: %w", id.Email, err)
	}
	key := id.Key()
	if rec, ok := a.cache.Get(key); ok {
		return rec.clone(), nil
	}

	// The shared computation must not die with whichever caller started it.
	// Its own timeouts bound it.
	detached := context.WithoutCancel(ctx)
	ch := a.group.DoChan(key, func() (any, error) {
		if rec, ok := a.cache.Get(key); ok {
			return rec, nil
		}
		rec, err := a.compute(detached, id, key)
		if err != nil {
			return nil, err
		}
		a.cache.SetWithTTL(key, rec, a.opts.TTL)
		return rec, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Record).clone(), nil
	}
}

// ClearExpired drops expired records.
func (a *Aggregator) ClearExpired() int {
	return a.cache.ClearExpired()
}

type outcome struct {
	name   string
	lookup *Lookup
	err    error
}

func (a *Aggregator) compute(ctx context.Context, id Identity, key string) (*Record, error) {
	now := a.now()
	emailDomain := id.EmailDomain()
	if domain.IsReservedDomain(emailDomain) {
		log.Printf("[research] %s is a reserved domain, skipping lookups", emailDomain)
		return a.reservedRecord(id, key, emailDomain, now), nil
	}

	companyDomain := id.CompanyDomain()
	name := strings.TrimSpace(id.Name)
	outcomes := a.lookupAll(ctx, name, companyDomain)

	var (
		texts       []string
		citations   []Citation
		seen        = make(map[string]bool)
		succeeded   int
		upstreamErr int
	)
	for _, o := range outcomes {
		if o.err != nil {
			if errors.Is(o.err, llm.ErrUpstreamUnavailable) {
				upstreamErr++
			}
			log.Printf("[research] %s lookup for %s failed: %v", o.name, key, o.err)
			continue
		}
		succeeded++
		if t := strings.TrimSpace(o.lookup.Text); t != "" {
			texts = append(texts, fmt.Sprintf("## %s search\n%s", o.name, t))
		}
		for _, c := range o.lookup.Citations {
			uri := strings.TrimSpace(c.URI)
			if uri == "" || seen[uri] {
				continue
			}
			seen[uri] = true
			c.URI = uri
			citations = append(citations, c)
		}
	}
	if upstreamErr == len(outcomes) {
		return nil, fmt.Errorf("research %s: all lookups failed: %w", key, llm.ErrUpstreamUnavailable)
	}

	rec := &Record{
		Key:       key,
		Citations: citations,
		Succeeded: succeeded,
		CreatedAt: now,
		ExpiresAt: now.Add(a.opts.TTL),
	}
	if succeeded == 0 {
		a.applyFallback(rec, id, companyDomain)
		return rec, nil
	}

	syn, err := a.synthesize(ctx, id, companyDomain, texts)
	if err != nil {
		log.Printf("[research] %s: %v; using domain guess", key, err)
		a.applyFallback(rec, id, companyDomain)
		return rec, nil
	}
	rec.Company = syn.Company
	if rec.Company.Domain == "" {
		rec.Company.Domain = companyDomain
	}
	rec.Person = syn.Person
	if rec.Person.Name == "" {
		rec.Person.Name = name
	}
	rec.Role = syn.Role
	rec.DecisionMaker = syn.DecisionMaker
	rec.Confidence = a.Confidence(succeeded, syn.Confidence)
	return rec, nil
}

// Confidence places the model's certainty inside the band for the number of
// successful lookups. Each band starts at the cap of the one below it, so more
// successes never score lower.
func (a *Aggregator) Confidence(succeeded int, model float64) float64 {
	hi := a.ConfidenceCap(succeeded)
	if succeeded <= 0 {
		return hi
	}
	lo := a.ConfidenceCap(succeeded - 1)
	model = min(max(model, 0), 1)
	return max(a.opts.Floor, lo+(hi-lo)*model)
}

// lookupAll runs the company, person and role searches concurrently, each
// under its own timeout. Failures stay local to their lookup.
func (a *Aggregator) lookupAll(ctx context.Context, name, companyDomain string) []outcome {
	type lookupFn func(context.Context) (*Lookup, error)
	fns := []struct {
		name string
		fn   lookupFn
	}{
		{"company", func(ctx context.Context) (*Lookup, error) {
			if a.searcher == nil {
				return nil, errNoSearcher
			}
			if companyDomain == "" {
				return nil, errors.New("no company domain")
			}
			return a.searcher.SearchCompany(ctx, companyDomain)
		}},
		{"person", func(ctx context.Context) (*Lookup, error) {
			if a.searcher == nil {
				return nil, errNoSearcher
			}
			if name == "" {
				return nil, errors.New("no person name")
			}
			return a.searcher.SearchPerson(ctx, name, companyDomain)
		}},
		{"role", func(ctx context.Context) (*Lookup, error) {
			if a.searcher == nil {
				return nil, errNoSearcher
			}
			if name == "" {
				return nil, errors.New("no person name")
			}
			return a.searcher.SearchRole(ctx, name, companyDomain)
		}},
	}

	out := make([]outcome, len(fns))
	var g errgroup.Group
	for i, f := range fns {
		g.Go(func() error {
			lookup, err := a.runLookup(ctx, f.fn)
			if err == nil && lookup == nil {
				err = errors.New("empty lookup result")
			}
			out[i] = outcome{name: f.name, lookup: lookup, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// runLookup enforces the per-lookup timeout even when fn ignores its context.
func (a *Aggregator) runLookup(ctx context.Context, fn func(context.Context) (*Lookup, error)) (*Lookup, error) {
	lctx, cancel := context.WithTimeout(ctx, a.opts.LookupTimeout)
	defer cancel()

	type result struct {
		lookup *Lookup
		err    error
	}
	done := make(chan result, 1)
	go func() {
		l, err := fn(lctx)
		done <- result{l, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(lctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrLookupTimeout, r.err)
		}
		return r.lookup, r.err
	case <-lctx.Done():
		if errors.Is(lctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrLookupTimeout, a.opts.LookupTimeout)
		}
		return nil, lctx.Err()
	}
}

type synthesis struct {
	Company       Company `json:"company"`
	Person        Person  `json:"person"`
	Role          string  `json:"role"`
	DecisionMaker *bool   `json:"decisionMaker"`
	Confidence    float64 `json:"confidence"`
}

const synthesisPrompt = `You extract structured facts about a sales lead from web search results.
Use only facts supported by the results. Leave a field empty when unsure.

Lead email: %s
Lead name: %s
Company domain: %s

Search results:
%s

Reply with one JSON object and nothing else:
{"company":{"name":"","domain":"","industry":"","size":"","description":""},"person":{"name":"","role":"","seniority":""},"role":"","decisionMaker":null,"confidence":0.0}
confidence is your certainty between 0 and 1 that the facts describe this lead.`

func (a *Aggregator) synthesize(ctx context.Context, id Identity, companyDomain string, texts []string) (*synthesis, error) {
	if a.client == nil {
		return nil, fmt.Errorf("%w: no model configured", ErrSynthesisFailure)
	}
	sctx, cancel := context.WithTimeout(ctx, a.opts.SynthesisTimeout)
	defer cancel()

	prompt := fmt.Sprintf(synthesisPrompt, id.Email, orNone(id.Name), orNone(companyDomain), strings.Join(texts, "\n\n"))
	out, err := a.client.Generate(sctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, llm.ConfigFor(llm.KindResearch))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailure, err)
	}
	syn, err := parseSynthesis(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailure, err)
	}
	return syn, nil
}

// parseSynthesis accepts the JSON object bare or wrapped in a code fence.
func parseSynthesis(raw string) (*synthesis, error) {
	text := strings.TrimSpace(raw)
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, errors.New("no JSON object in reply")
	}
	var syn synthesis
	if err := json.Unmarshal([]byte(text[start:end+1]), &syn); err != nil {
		return nil, fmt.Errorf("decode synthesis: %w", err)
	}
	if syn.Confidence < 0 {
		syn.Confidence = 0
	}
	if syn.Confidence > 1 {
		syn.Confidence = 1
	}
	return &syn, nil
}

func (a *Aggregator) applyFallback(rec *Record, id Identity, companyDomain string) {
	rec.Company = Company{Name: CompanyNameFromDomain(companyDomain), Domain: companyDomain}
	rec.Person = Person{Name: strings.TrimSpace(id.Name)}
	rec.Confidence = a.opts.Floor
	rec.Fallback = true
}

func (a *Aggregator) reservedRecord(id Identity, key, emailDomain string, now time.Time) *Record {
	return &Record{
		Key: key,
		Company: Company{
			Name:        "Example Organization",
			Domain:      emailDomain,
			Industry:    "Testing",
			Description: "Reserved domain used for documentation and testing.",
		},
		Person:     Person{Name: strings.TrimSpace(id.Name)},
		Confidence: reservedConfidence,
		Citations: []Citation{{
			URI:         "https://www.iana.org/help/example-domains",
			Title:       "IANA-managed Reserved Domains",
			Description: "Domains reserved for documentation and testing.",
		}},
		CreatedAt: now,
		ExpiresAt: now.Add(a.opts.TTL),
	}
}

// CompanyNameFromDomain guesses a display name: "acme-labs.co.uk" -> "Acme Labs".
func CompanyNameFromDomain(d string) string {
	d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "www.")
	if d == "" {
		return ""
	}
	label := strings.Split(d, ".")[0]
	words := strings.FieldsFunc(label, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
