package funnel

import (
	"strings"

	"github.com/stellarlinkco/leadclaw/internal/domain"
)

// ExitPredicate decides whether the current stage is done, given the message
// that just arrived and the lead after merging that message's signals.
type ExitPredicate func(text string, lead domain.LeadData) bool

var exitPredicates = map[domain.Stage]ExitPredicate{
	domain.StageGreeting:             GreetingDone,
	domain.StageNameCollection:       NameKnown,
	domain.StageEmailCapture:         EmailKnown,
	domain.StageBackgroundResearch:   BackgroundKnown,
	domain.StageProblemDiscovery:     PainPointKnown,
	domain.StageSolutionPresentation: InterestExpressed,
	domain.StageCallToAction:         NextStepDecided,
}

// ExitPredicateFor returns the exit rule of stage. COMPLETED has none.
func ExitPredicateFor(stage domain.Stage) (ExitPredicate, bool) {
	p, ok := exitPredicates[stage]
	return p, ok
}

func GreetingDone(text string, _ domain.LeadData) bool {
	return strings.TrimSpace(text) != ""
}

func NameKnown(_ string, lead domain.LeadData) bool {
	return strings.TrimSpace(lead.Name) != ""
}

func EmailKnown(_ string, lead domain.LeadData) bool {
	_, _, ok := ExtractEmail(lead.Email)
	return ok
}

func BackgroundKnown(_ string, lead domain.LeadData) bool {
	return strings.TrimSpace(lead.Company) != "" || len(lead.PainPoints) > 0
}

func PainPointKnown(_ string, lead domain.LeadData) bool {
	return len(lead.PainPoints) > 0
}

func InterestExpressed(text string, _ domain.LeadData) bool {
	return ExpressesInterest(text)
}

func NextStepDecided(text string, _ domain.LeadData) bool {
	return CommitsToNextStep(text)
}
