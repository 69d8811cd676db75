package funnel

import (
	"testing"

	"github.com/stellarlinkco/leadclaw/internal/domain"
)

func TestExtractName(t *testing.T) {
	tests := []struct {
		text  string
		stage domain.Stage
		want  string
	}{
		{"My name is John Smith", domain.StageNameCollection, "John Smith"},
		{"hi, I'm Ana from Acme", domain.StageGreeting, "Ana"},
		{"Hi, I'm interested in AI", domain.StageGreeting, ""},
		{"call me Bob.", domain.StageEmailCapture, "Bob"},
		{"Maria Lopez", domain.StageNameCollection, "Maria Lopez"},
		{"Maria Lopez", domain.StageGreeting, ""},
		{"Sure", domain.StageNameCollection, ""},
		{"i am not sure", domain.StageNameCollection, ""},
		{"This is Urgent for us", domain.StageGreeting, ""},
		{"Yes, I'm Available Thursday", domain.StageNameCollection, ""},
		{"Sure, call me Monday", domain.StageGreeting, ""},
	}
	for _, tt := range tests {
		if got := ExtractName(tt.text, tt.stage); got != tt.want {
			t.Errorf("ExtractName(%q, %s) = %q, want %q", tt.text, tt.stage, got, tt.want)
		}
	}
}

func TestExtractSignals_KnownNameNeedsExplicitCorrection(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"Sure, call me Monday", ""},
		{"Yes, I'm Available Thursday", ""},
		{"This is Urgent for us", ""},
		{"I'm Ana from Globex", ""},
		{"Sorry, my name is Jon Smith", "Jon Smith"},
	}
	for _, tt := range tests {
		got := ExtractSignals(tt.text, domain.StageCallToAction, "John Smith")
		if got.Name != tt.want {
			t.Errorf("ExtractSignals(%q).Name = %q, want %q", tt.text, got.Name, tt.want)
		}
	}
	if got := ExtractSignals("hi, I'm Ana", domain.StageGreeting, ""); got.Name != "Ana" {
		t.Fatalf("first introduction = %q", got.Name)
	}
}

func TestExtractEmail(t *testing.T) {
	email, dom, ok := ExtractEmail("My email is John@Acme.com.")
	if !ok || email != "john@acme.com" || dom != "acme.com" {
		t.Fatalf("got %q %q %v", email, dom, ok)
	}
	if _, _, ok := ExtractEmail("reach me at john at acme"); ok {
		t.Fatal("no address should be found")
	}
	if !IsFreeEmailDomain("Gmail.com") || IsFreeEmailDomain("acme.com") {
		t.Fatal("free domain detection wrong")
	}
}

func TestExtractCompany(t *testing.T) {
	tests := map[string]string{
		"I work at Acme Corp as the CTO": "Acme Corp",
		"I'm Ana from Globex.":           "Globex",
		"I'm the CTO at Initech":         "Initech",
		"we're a small team":             "",
		"at the moment nothing":          "",
	}
	for text, want := range tests {
		if got := ExtractCompany(text); got != want {
			t.Errorf("ExtractCompany(%q) = %q, want %q", text, got, want)
		}
	}
}

func TestExtractCompanySize(t *testing.T) {
	tests := map[string]string{
		"we have 120 employees":   "51-200",
		"a 5-person team":         "1-10",
		"about 2,500 people":      "1000+",
		"we're an early startup":  "1-10",
		"nothing about size here": "",
	}
	for text, want := range tests {
		if got := ExtractCompanySize(text); got != want {
			t.Errorf("ExtractCompanySize(%q) = %q, want %q", text, got, want)
		}
	}
}

func TestExtractRole(t *testing.T) {
	tests := []struct {
		text     string
		role     string
		decision *bool
	}{
		{"I'm the CTO", "CTO", boolPtr(true)},
		{"I'm head of operations here", "Head of Operations", boolPtr(true)},
		{"I'm a software engineer", "Engineer", boolPtr(false)},
		{"I'm a manager but I make the decisions", "Manager", boolPtr(true)},
		{"I'd need to check with my boss", "", boolPtr(false)},
		{"hello", "", nil},
	}
	for _, tt := range tests {
		role, dm := ExtractRole(tt.text)
		if role != tt.role {
			t.Errorf("ExtractRole(%q) role = %q, want %q", tt.text, role, tt.role)
		}
		if (dm == nil) != (tt.decision == nil) || (dm != nil && *dm != *tt.decision) {
			t.Errorf("ExtractRole(%q) decision = %v, want %v", tt.text, deref(dm), deref(tt.decision))
		}
	}
}

func TestExtractPainPoints(t *testing.T) {
	got := ExtractPainPoints("We're doing well. But onboarding is slow and manual! Reporting is a bottleneck.")
	if len(got) != 2 || got[0] != "But onboarding is slow and manual" || got[1] != "Reporting is a bottleneck" {
		t.Fatalf("pain points = %q", got)
	}
	if got := ExtractPainPoints("No problem, thanks"); len(got) != 0 {
		t.Fatalf("expected none, got %q", got)
	}
}

func TestExtractAIReadiness(t *testing.T) {
	tests := map[string]int{
		"I'd say we are 7/10":                         7,
		"we already use ChatGPT and have a data team": 9,
		"we've never used anything like that":         2,
		"just browsing":                               0,
	}
	for text, want := range tests {
		if got := ExtractAIReadiness(text); got != want {
			t.Errorf("ExtractAIReadiness(%q) = %d, want %d", text, got, want)
		}
	}
}

func TestInterestAndCommitment(t *testing.T) {
	if !ExpressesInterest("That sounds great") || ExpressesInterest("not interested, thanks") {
		t.Fatal("interest detection wrong")
	}
	if ExpressesInterest("hmm") {
		t.Fatal("neutral text is not interest")
	}
	if !CommitsToNextStep("Let's book a call for Tuesday") || !CommitsToNextStep("maybe later") {
		t.Fatal("accept and decline both close the funnel")
	}
	if CommitsToNextStep("what does it cost?") {
		t.Fatal("a question is not a decision")
	}
	if !DeclinesNextStep("Not now, thanks") || DeclinesNextStep("Sure, book it") {
		t.Fatal("decline detection wrong")
	}
}

func TestExitPredicates(t *testing.T) {
	lead := domain.LeadData{}
	if GreetingDone("   ", lead) || !GreetingDone("hi", lead) {
		t.Fatal("greeting predicate wrong")
	}
	if NameKnown("", lead) || !NameKnown("", domain.LeadData{Name: "Ana"}) {
		t.Fatal("name predicate wrong")
	}
	if EmailKnown("", domain.LeadData{Email: "nope"}) || !EmailKnown("", domain.LeadData{Email: "a@b.io"}) {
		t.Fatal("email predicate wrong")
	}
	if BackgroundKnown("", lead) || !BackgroundKnown("", domain.LeadData{PainPoints: []string{"x"}}) {
		t.Fatal("background predicate wrong")
	}
	if _, ok := ExitPredicateFor(domain.StageCompleted); ok {
		t.Fatal("COMPLETED has no exit")
	}
	for _, s := range domain.Stages()[:7] {
		if _, ok := ExitPredicateFor(s); !ok {
			t.Fatalf("stage %s has no exit predicate", s)
		}
	}
}

func TestScoreLead(t *testing.T) {
	if got := ScoreLead(domain.LeadData{}, false); got != 0 {
		t.Fatalf("empty lead score = %d", got)
	}
	yes := true
	full := domain.LeadData{
		Name: "A", Email: "a@acme.io", EmailDomain: "acme.io", Company: "Acme",
		CompanySize: "11-50", Role: "CEO", DecisionMaker: &yes, AIReadiness: 10,
		PainPoints: []string{"a", "b", "c", "d"},
	}
	if got := ScoreLead(full, true); got != 100 {
		t.Fatalf("full lead score = %d, want 100", got)
	}
}

func boolPtr(v bool) *bool { return &v }

func deref(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}
