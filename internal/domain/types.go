// Package domain holds the conversation and lead types shared by the funnel,
// store, research and gateway packages.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Stage is a step in the qualification funnel. Stages only move forward.
type Stage int

const (
	StageGreeting Stage = iota
	StageNameCollection
	StageEmailCapture
	StageBackgroundResearch
	StageProblemDiscovery
	StageSolutionPresentation
	StageCallToAction
	StageCompleted
)

var stageNames = [...]string{
	"GREETING",
	"NAME_COLLECTION",
	"EMAIL_CAPTURE",
	"BACKGROUND_RESEARCH",
	"PROBLEM_DISCOVERY",
	"SOLUTION_PRESENTATION",
	"CALL_TO_ACTION",
	"COMPLETED",
}

// Stages lists every stage in funnel order.
func Stages() []Stage {
	out := make([]Stage, len(stageNames))
	for i := range out {
		out[i] = Stage(i)
	}
	return out
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

func (s Stage) Index() int { return int(s) }

func (s Stage) Valid() bool { return s >= StageGreeting && s <= StageCompleted }

// Next returns the following stage; COMPLETED is terminal.
func (s Stage) Next() Stage {
	if s >= StageCompleted {
		return StageCompleted
	}
	return s + 1
}

func ParseStage(name string) (Stage, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	upper = strings.ReplaceAll(upper, "-", "_")
	for i, n := range stageNames {
		if n == upper {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid stage %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(b []byte) error {
	v, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message in a session history.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	Stage   Stage     `json:"stage"`
	At      time.Time `json:"at"`
}

// LeadData accumulates what is known about the visitor.
type LeadData struct {
	Name          string   `json:"name,omitempty"`
	Email         string   `json:"email,omitempty"`
	EmailDomain   string   `json:"emailDomain,omitempty"`
	Company       string   `json:"company,omitempty"`
	CompanyDomain string   `json:"companyDomain,omitempty"`
	CompanySize   string   `json:"companySize,omitempty"`
	Industry      string   `json:"industry,omitempty"`
	Role          string   `json:"role,omitempty"`
	DecisionMaker *bool    `json:"decisionMaker,omitempty"`
	AIReadiness   int      `json:"aiReadiness,omitempty"`
	PainPoints    []string `json:"painPoints,omitempty"`
}

// Merge overlays non-empty fields of update onto d. Pain points are appended
// without duplicates. Nothing already known is cleared.
func (d *LeadData) Merge(update LeadData) {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&d.Name, update.Name)
	set(&d.Email, update.Email)
	set(&d.EmailDomain, update.EmailDomain)
	set(&d.Company, update.Company)
	set(&d.CompanyDomain, update.CompanyDomain)
	set(&d.CompanySize, update.CompanySize)
	set(&d.Industry, update.Industry)
	set(&d.Role, update.Role)
	if update.DecisionMaker != nil {
		v := *update.DecisionMaker
		d.DecisionMaker = &v
	}
	if update.AIReadiness > d.AIReadiness {
		d.AIReadiness = clampInt(update.AIReadiness, 0, 10)
	}
	d.AddPainPoints(update.PainPoints...)
}

// FillEmpty sets only the fields of d that are still empty.
func (d *LeadData) FillEmpty(r ResearchData) {
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = strings.TrimSpace(v)
		}
	}
	fill(&d.Company, r.CompanyName)
	fill(&d.CompanyDomain, r.CompanyDomain)
	fill(&d.Industry, r.Industry)
	fill(&d.CompanySize, r.CompanySize)
	fill(&d.Role, r.Role)
	if d.DecisionMaker == nil && r.DecisionMaker != nil {
		v := *r.DecisionMaker
		d.DecisionMaker = &v
	}
}

func (d *LeadData) AddPainPoints(points ...string) {
	for _, p := range points {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		dup := false
		for _, have := range d.PainPoints {
			if strings.EqualFold(have, p) {
				dup = true
				break
			}
		}
		if !dup {
			d.PainPoints = append(d.PainPoints, p)
		}
	}
}

func (d LeadData) Clone() LeadData {
	out := d
	if d.DecisionMaker != nil {
		v := *d.DecisionMaker
		out.DecisionMaker = &v
	}
	out.PainPoints = append([]string(nil), d.PainPoints...)
	return out
}

// ResearchData is what background research contributes to a lead. Every
// field is optional.
type ResearchData struct {
	CompanyName        string   `json:"companyName,omitempty"`
	CompanyDomain      string   `json:"companyDomain,omitempty"`
	Industry           string   `json:"industry,omitempty"`
	CompanySize        string   `json:"companySize,omitempty"`
	CompanyDescription string   `json:"companyDescription,omitempty"`
	Role               string   `json:"role,omitempty"`
	Seniority          string   `json:"seniority,omitempty"`
	DecisionMaker      *bool    `json:"decisionMaker,omitempty"`
	Confidence         float64  `json:"confidence"`
	Sources            []string `json:"sources,omitempty"`
}

// Session is one visitor conversation.
type Session struct {
	ID                string    `json:"id"`
	Stage             Stage     `json:"stage"`
	Lead              LeadData  `json:"lead"`
	History           []Turn    `json:"history"`
	TotalMessages     int       `json:"totalMessages"`
	CreatedAt         time.Time `json:"createdAt"`
	LastActivityAt    time.Time `json:"lastActivityAt"`
	ResearchTriggered bool      `json:"researchTriggered"`
	FollowUpSent      bool      `json:"followUpSent"`
	Finalized         bool      `json:"finalized"`
}

func NewSession(id string, now time.Time) *Session {
	return &Session{
		ID:             id,
		Stage:          StageGreeting,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// Clone returns a deep copy safe to hand to callers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Lead = s.Lead.Clone()
	out.History = append([]Turn(nil), s.History...)
	return &out
}

// Lead is the snapshot written when a conversation completes.
type Lead struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Data      LeadData  `json:"data"`
	Score     int       `json:"score"`
	Summary   string    `json:"summary"`
	NextSteps []string  `json:"nextSteps"`
	CreatedAt time.Time `json:"createdAt"`
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Activity is an audit entry for the activity log.
type Activity struct {
	ID        int64             `json:"id,omitempty"`
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Status    string            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}
