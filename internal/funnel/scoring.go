package funnel

import (
	"fmt"
	"strings"

	"github.com/stellarlinkco/leadclaw/internal/domain"
)

// ScoreLead rates a lead 0-100 from what the conversation established.
func ScoreLead(lead domain.LeadData, acceptedNextStep bool) int {
	score := 0
	if lead.Name != "" {
		score += 10
	}
	if lead.Email != "" {
		score += 10
		if lead.EmailDomain != "" && !IsFreeEmailDomain(lead.EmailDomain) {
			score += 5
		}
	}
	if lead.Company != "" {
		score += 10
	}
	if lead.CompanySize != "" {
		score += 5
	}
	if lead.Role != "" {
		score += 5
	}
	if lead.DecisionMaker != nil && *lead.DecisionMaker {
		score += 15
	}
	score += 5 * min(len(lead.PainPoints), 3)
	score += lead.AIReadiness * 3 / 2
	if acceptedNextStep {
		score += 10
	}
	return clamp(score, 0, 100)
}

// acceptedNextStep looks at the visitor's last message.
func acceptedNextStep(sess *domain.Session) bool {
	for i := len(sess.History) - 1; i >= 0; i-- {
		t := sess.History[i]
		if t.Role != domain.RoleUser {
			continue
		}
		return CommitsToNextStep(t.Content) && !DeclinesNextStep(t.Content)
	}
	return false
}

// Summarize renders a deterministic plain-text summary of the session.
func Summarize(sess *domain.Session, accepted bool) string {
	lead := sess.Lead
	var sb strings.Builder

	who := orUnknown(lead.Name)
	if lead.Email != "" {
		who += " <" + lead.Email + ">"
	}
	fmt.Fprintf(&sb, "Lead: %s\n", who)

	company := orUnknown(lead.Company)
	var details []string
	if lead.CompanyDomain != "" {
		details = append(details, lead.CompanyDomain)
	}
	if lead.CompanySize != "" {
		details = append(details, lead.CompanySize+" employees")
	}
	if lead.Industry != "" {
		details = append(details, lead.Industry)
	}
	if len(details) > 0 {
		company += " (" + strings.Join(details, ", ") + ")"
	}
	fmt.Fprintf(&sb, "Company: %s\n", company)

	role := orUnknown(lead.Role)
	if lead.DecisionMaker != nil {
		if *lead.DecisionMaker {
			role += ", decision maker"
		} else {
			role += ", not the decision maker"
		}
	}
	fmt.Fprintf(&sb, "Role: %s\n", role)

	if lead.AIReadiness > 0 {
		fmt.Fprintf(&sb, "AI readiness: %d/10\n", lead.AIReadiness)
	}
	if len(lead.PainPoints) > 0 {
		sb.WriteString("Pain points:\n")
		for _, p := range lead.PainPoints {
			fmt.Fprintf(&sb, "- %s\n", p)
		}
	}

	var userTurns int
	for _, t := range sess.History {
		if t.Role == domain.RoleUser {
			userTurns++
		}
	}
	fmt.Fprintf(&sb, "Conversation: %d messages, %d from the visitor.\n", len(sess.History), userTurns)
	if accepted {
		sb.WriteString("Outcome: accepted a next step.\n")
	} else {
		sb.WriteString("Outcome: declined a next step for now.\n")
	}
	return sb.String()
}

// NextSteps proposes follow-up actions for the sales team.
func NextSteps(lead domain.LeadData, accepted bool) []string {
	var steps []string
	name := lead.Name
	if name == "" {
		name = "the visitor"
	}
	if accepted {
		steps = append(steps, fmt.Sprintf("Schedule a discovery call with %s", name))
	} else {
		steps = append(steps, fmt.Sprintf("Send %s a nurture follow-up in 30 days", name))
	}
	if len(lead.PainPoints) > 0 {
		steps = append(steps, "Prepare an assessment addressing: "+strings.Join(lead.PainPoints, "; "))
	}
	if lead.Company == "" {
		steps = append(steps, "Confirm company details")
	}
	if lead.DecisionMaker != nil && !*lead.DecisionMaker {
		company := lead.Company
		if company == "" {
			company = "their company"
		}
		steps = append(steps, "Identify the decision maker at "+company)
	}
	return steps
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
