// Package research enriches a lead identity with company and person facts
// from a web search provider, synthesized into one record by the model.
package research

import (
	"context"
	"errors"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/stellarlinkco/leadclaw/internal/domain"
)

var (
	ErrLookupTimeout    = errors.New("research lookup timed out")
	ErrSynthesisFailure = errors.New("research synthesis failed")
	ErrInvalidIdentity  = errors.New("invalid research identity")
)

// Identity names who to research. Email is required.
type Identity struct {
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`
	CompanyURL string `json:"companyUrl,omitempty"`
}

// Key is lower(email)|lower(name)|lower(companyURL).
func (id Identity) Key() string {
	return strings.ToLower(strings.TrimSpace(id.Email)) + "|" +
		strings.ToLower(strings.TrimSpace(id.Name)) + "|" +
		strings.ToLower(strings.TrimSpace(id.CompanyURL))
}

func (id Identity) validate() error {
	email := strings.TrimSpace(id.Email)
	if email == "" {
		return ErrInvalidIdentity
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndexByte(email, '@')+1:], ".") {
		return ErrInvalidIdentity
	}
	return nil
}

// EmailDomain returns the lowercased domain part of the email.
func (id Identity) EmailDomain() string {
	email := strings.ToLower(strings.TrimSpace(id.Email))
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return ""
	}
	return email[at+1:]
}

// CompanyDomain prefers the company URL host, then a non-free email domain.
func (id Identity) CompanyDomain() string {
	if raw := strings.TrimSpace(id.CompanyURL); raw != "" {
		if !strings.Contains(raw, "://") {
			raw = "https://" + raw
		}
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		}
	}
	d := id.EmailDomain()
	if domain.IsFreeEmailDomain(d) {
		return ""
	}
	return d
}

type Citation struct {
	URI         string `json:"uri"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// Lookup is the raw outcome of one search.
type Lookup struct {
	Text      string
	Citations []Citation
}

// Searcher is the external search provider.
type Searcher interface {
	SearchCompany(ctx context.Context, domainName string) (*Lookup, error)
	SearchPerson(ctx context.Context, name, domainName string) (*Lookup, error)
	SearchRole(ctx context.Context, name, domainName string) (*Lookup, error)
}

type Company struct {
	Name        string `json:"name,omitempty"`
	Domain      string `json:"domain,omitempty"`
	Industry    string `json:"industry,omitempty"`
	Size        string `json:"size,omitempty"`
	Description string `json:"description,omitempty"`
}

type Person struct {
	Name      string `json:"name,omitempty"`
	Role      string `json:"role,omitempty"`
	Seniority string `json:"seniority,omitempty"`
}

// Record is a synthesized research result. It is never modified after it
// is cached.
type Record struct {
	Key           string     `json:"key"`
	Company       Company    `json:"company"`
	Person        Person     `json:"person"`
	Role          string     `json:"role,omitempty"`
	DecisionMaker *bool      `json:"decisionMaker,omitempty"`
	Confidence    float64    `json:"confidence"`
	Citations     []Citation `json:"citations"`
	Succeeded     int        `json:"succeeded"`
	Fallback      bool       `json:"fallback"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
}

func (r *Record) clone() *Record {
	out := *r
	out.Citations = append([]Citation(nil), r.Citations...)
	if r.DecisionMaker != nil {
		v := *r.DecisionMaker
		out.DecisionMaker = &v
	}
	return &out
}

// ResearchData converts the record for the funnel. A fallback guess only
// contributes the domain; its company name is a guess, not a finding.
func (r *Record) ResearchData() domain.ResearchData {
	role := r.Role
	if role == "" {
		role = r.Person.Role
	}
	data := domain.ResearchData{
		CompanyName:        r.Company.Name,
		CompanyDomain:      r.Company.Domain,
		Industry:           r.Company.Industry,
		CompanySize:        r.Company.Size,
		CompanyDescription: r.Company.Description,
		Role:               role,
		Seniority:          r.Person.Seniority,
		Confidence:         r.Confidence,
	}
	if r.DecisionMaker != nil {
		v := *r.DecisionMaker
		data.DecisionMaker = &v
	}
	if r.Fallback {
		data = domain.ResearchData{CompanyDomain: r.Company.Domain, Confidence: r.Confidence}
	}
	for _, c := range r.Citations {
		data.Sources = append(data.Sources, c.URI)
	}
	return data
}
