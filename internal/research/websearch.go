package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/leadclaw/internal/llm"
)

const maxResults = 5

// requestGate serializes calls that share one API key and holds the next
// caller back until readyAt.
type requestGate struct {
	mu      sync.Mutex
	readyAt time.Time
}

// waitAndLock returns with the gate locked; the caller must unlock(delay).
func (g *requestGate) waitAndLock(ctx context.Context) error {
	g.mu.Lock()
	if wait := time.Until(g.readyAt); wait > 0 {
		g.mu.Unlock()
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		g.mu.Lock()
	}
	return nil
}

func (g *requestGate) unlock(delay time.Duration) {
	g.readyAt = time.Now().Add(delay)
	g.mu.Unlock()
}

// WebSearcher queries a Brave-compatible web search API.
type WebSearcher struct {
	apiKey   string
	endpoint string
	client   *http.Client
	gate     *requestGate
}

var _ Searcher = (*WebSearcher)(nil)

// NewWebSearcher returns nil when apiKey is empty, so callers can pass the
// result straight to NewAggregator.
func NewWebSearcher(apiKey, endpoint string, client *http.Client) *WebSearcher {
	if strings.TrimSpace(apiKey) == "" {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebSearcher{
		apiKey:   apiKey,
		endpoint: endpoint,
		client:   client,
		gate:     &requestGate{},
	}
}

func (w *WebSearcher) SearchCompany(ctx context.Context, domainName string) (*Lookup, error) {
	return w.search(ctx, fmt.Sprintf("%q company overview industry employees", domainName))
}

func (w *WebSearcher) SearchPerson(ctx context.Context, name, domainName string) (*Lookup, error) {
	q := fmt.Sprintf("%q", name)
	if domainName != "" {
		q += " " + domainName
	}
	return w.search(ctx, q)
}

func (w *WebSearcher) SearchRole(ctx context.Context, name, domainName string) (*Lookup, error) {
	q := fmt.Sprintf("%q job title", name)
	if domainName != "" {
		q += " " + domainName
	}
	return w.search(ctx, q+" linkedin")
}

type searchResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (w *WebSearcher) search(ctx context.Context, query string) (*Lookup, error) {
	if w == nil {
		return nil, errNoSearcher
	}
	u, err := url.Parse(w.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse search endpoint: %w", err)
	}
	params := u.Query()
	params.Set("q", query)
	u.RawQuery = params.Encode()

	if err := w.gate.waitAndLock(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		w.gate.unlock(0)
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", w.apiKey)

	resp, err := w.client.Do(req)
	if err != nil {
		w.gate.unlock(time.Second)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: search: %w", llm.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		w.gate.unlock(retryDelay(resp.Header))
		return nil, fmt.Errorf("%w: search rate limited", llm.ErrUpstreamUnavailable)
	case resp.StatusCode >= 500:
		w.gate.unlock(time.Second)
		return nil, fmt.Errorf("%w: search http %d", llm.ErrUpstreamUnavailable, resp.StatusCode)
	}
	w.gate.unlock(nextDelay(resp.Header))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search http %d", resp.StatusCode)
	}

	var payload searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	lookup := &Lookup{}
	var text strings.Builder
	for _, r := range payload.Web.Results {
		if len(lookup.Citations) >= maxResults {
			break
		}
		if strings.TrimSpace(r.URL) == "" {
			continue
		}
		lookup.Citations = append(lookup.Citations, Citation{URI: r.URL, Title: r.Title, Description: r.Description})
		fmt.Fprintf(&text, "- %s: %s (%s)\n", r.Title, r.Description, r.URL)
	}
	if len(lookup.Citations) == 0 {
		return nil, errors.New("search returned no results")
	}
	lookup.Text = strings.TrimSpace(text.String())
	return lookup, nil
}

// retryDelay reads the smallest value of X-RateLimit-Reset ("1, 1419704").
func retryDelay(h http.Header) time.Duration {
	minReset := -1
	for _, part := range strings.Split(h.Get("X-RateLimit-Reset"), ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			continue
		}
		if minReset < 0 || n < minReset {
			minReset = n
		}
	}
	if minReset <= 0 {
		return time.Second
	}
	return time.Duration(minReset) * time.Second
}

// nextDelay holds the gate for a second when the per-second bucket in
// X-RateLimit-Remaining is spent or the header is missing.
func nextDelay(h http.Header) time.Duration {
	raw := h.Get("X-RateLimit-Remaining")
	if raw == "" {
		return time.Second
	}
	perSecond, err := strconv.Atoi(strings.TrimSpace(strings.SplitN(raw, ",", 2)[0]))
	if err != nil || perSecond <= 0 {
		return time.Second
	}
	return 0
}
