package funnel

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/stellarlinkco/leadclaw/internal/domain"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(?:\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}`)

	// The lead-in phrase is case-insensitive; the name itself must be capitalized.
	namePattern = regexp.MustCompile(`(?:^|[\s,.!])(?i:my name is|my name's|name is|i am|i'm|im|this is|call me)\s+([A-Z][A-Za-z'\-]+(?:\s+[A-Z][A-Za-z'\-]+){0,2})`)
	bareName    = regexp.MustCompile(`^[A-Z][A-Za-z'\-]+(?:\s+[A-Z][A-Za-z'\-]+){0,2}$`)
	// Once a name is known only an explicit correction replaces it.
	statedNamePattern = regexp.MustCompile(`(?:^|[\s,.!])(?i:my name is|my name's|my full name is)\s+([A-Z][A-Za-z'\-]+(?:\s+[A-Z][A-Za-z'\-]+){0,2})`)

	companyPattern = regexp.MustCompile(`(?:^|[\s,.!])(?i:i work at|i work for|work at|work for|i'm with|i am with|we are|we're|company is|company called|from|at)\s+([A-Z][A-Za-z0-9&'.\-]*(?:\s+[A-Z][A-Za-z0-9&'.\-]*){0,3})`)

	sizePattern   = regexp.MustCompile(`(?i)(?:team of|about|around|roughly|over|nearly)?\s*(\d[\d,]*)\s*\+?\s*(?:-\s*person|employees|people|staff|engineers|person team|fte)`)
	ratingPattern = regexp.MustCompile(`(?i)\b(10|[0-9])\s*(?:/|out of)\s*10\b`)

	headOfPattern = regexp.MustCompile(`(?i)\b(head|vp|vice president|director)\s+of\s+([a-z][a-z&\-]*(?:\s+[a-z][a-z&\-]*)?)`)
)

var nameStopwords = map[string]bool{
	"interested": true, "looking": true, "here": true, "just": true, "not": true,
	"sure": true, "the": true, "a": true, "an": true, "fine": true, "good": true,
	"great": true, "ok": true, "okay": true, "yes": true, "no": true, "hi": true,
	"hello": true, "hey": true, "thanks": true, "thank": true, "from": true,
	"with": true, "at": true, "in": true, "on": true, "working": true, "curious": true,
	"ceo": true, "cto": true, "cfo": true, "coo": true, "founder": true, "ai": true,
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true, "friday": true,
	"saturday": true, "sunday": true, "today": true, "tomorrow": true, "tonight": true,
	"available": true, "free": true, "busy": true, "urgent": true, "ready": true,
	"happy": true, "glad": true, "excited": true, "open": true, "new": true, "back": true,
	"afraid": true, "important": true, "critical": true, "definitely": true,
	"really": true, "very": true, "so": true, "also": true, "still": true, "all": true,
}

var companyStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "ai": true, "i": true, "we": true, "my": true,
	"this": true, "that": true, "it": true, "our": true, "your": true, "least": true,
	"all": true, "home": true, "work": true, "monday": true, "friday": true,
}

// ExtractEmail returns the first well-formed address in text, lowercased,
// and its domain.
func ExtractEmail(text string) (email, domainName string, ok bool) {
	m := emailPattern.FindString(text)
	if m == "" {
		return "", "", false
	}
	m = strings.ToLower(strings.TrimRight(m, "."))
	at := strings.LastIndexByte(m, '@')
	if at <= 0 || at == len(m)-1 {
		return "", "", false
	}
	return m, m[at+1:], true
}

func IsFreeEmailDomain(domainName string) bool {
	return domain.IsFreeEmailDomain(domainName)
}

// ExtractName finds a self-introduction. While the funnel is asking for a
// name, a bare capitalized reply of up to three words is accepted too.
func ExtractName(text string, stage domain.Stage) string {
	for _, m := range namePattern.FindAllStringSubmatch(text, -1) {
		if name := cleanName(m[1]); name != "" {
			return name
		}
	}
	if stage == domain.StageNameCollection {
		candidate := strings.TrimFunc(strings.TrimSpace(text), func(r rune) bool {
			return unicode.IsPunct(r)
		})
		if bareName.MatchString(candidate) {
			return cleanName(candidate)
		}
	}
	return ""
}

// ExtractStatedName only accepts "my name is" phrasing. It is used once the
// lead already has a name so passing mentions do not replace it.
func ExtractStatedName(text string) string {
	for _, m := range statedNamePattern.FindAllStringSubmatch(text, -1) {
		if name := cleanName(m[1]); name != "" {
			return name
		}
	}
	return ""
}

func cleanName(raw string) string {
	words := strings.Fields(raw)
	if len(words) == 0 || nameStopwords[strings.ToLower(words[0])] {
		return ""
	}
	// Stop at the first word that starts a new clause ("Ana Thanks").
	out := words[:0:0]
	for _, w := range words {
		if nameStopwords[strings.ToLower(w)] {
			break
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

// ExtractCompany finds "I work at X" style mentions of a company name.
func ExtractCompany(text string) string {
	for _, m := range companyPattern.FindAllStringSubmatch(text, -1) {
		words := strings.Fields(strings.TrimRight(m[1], ".,!?"))
		if len(words) == 0 || companyStopwords[strings.ToLower(words[0])] {
			continue
		}
		if _, isTitle := roleDecision[strings.ToLower(words[0])]; isTitle {
			continue
		}
		return strings.TrimRight(strings.Join(words, " "), ".,!?")
	}
	return ""
}

// ExtractCompanySize maps a headcount mention onto a size bucket.
func ExtractCompanySize(text string) string {
	if m := sizePattern.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
		if err == nil && n > 0 {
			return sizeBucket(n)
		}
	}
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "enterprise") || strings.Contains(lower, "fortune 500"):
		return "1000+"
	case strings.Contains(lower, "startup") || strings.Contains(lower, "just me") || strings.Contains(lower, "solo"):
		return "1-10"
	case strings.Contains(lower, "small business"):
		return "11-50"
	}
	return ""
}

func sizeBucket(n int) string {
	switch {
	case n <= 10:
		return "1-10"
	case n <= 50:
		return "11-50"
	case n <= 200:
		return "51-200"
	case n <= 1000:
		return "201-1000"
	default:
		return "1000+"
	}
}

// roleDecision maps a title keyword to whether its holder usually signs off
// on purchases.
var roleDecision = map[string]bool{
	"ceo": true, "cto": true, "cfo": true, "coo": true, "cio": true, "cmo": true,
	"founder": true, "co-founder": true, "cofounder": true, "owner": true,
	"president": true, "partner": true, "managing director": true,
	"manager": false, "engineer": false, "developer": false, "analyst": false,
	"consultant": false, "intern": false, "specialist": false, "designer": false,
	"student": false, "assistant": false,
}

// Ordered longest first so "managing director" beats "director".
var roleKeywords = []string{
	"managing director", "co-founder", "cofounder", "founder", "owner", "president",
	"partner", "ceo", "cto", "cfo", "coo", "cio", "cmo", "manager", "engineer",
	"developer", "analyst", "consultant", "intern", "specialist", "designer",
	"student", "assistant",
}

var (
	decidesPattern    = regexp.MustCompile(`(?i)\b(i (?:make|own) the (?:decision|call)s?|i decide|i sign off|my call|final say)\b`)
	notDecidesPattern = regexp.MustCompile(`(?i)\b(check with my (?:boss|manager|team)|not the decision maker|need approval|run it by|(?:my )?boss decides)\b`)
)

// ExtractRole returns the visitor's job title and, when it can be inferred,
// whether they are a decision maker.
func ExtractRole(text string) (string, *bool) {
	var role string
	var decides *bool
	set := func(v bool) { decides = &v }

	if m := headOfPattern.FindStringSubmatch(text); m != nil {
		prefix := strings.ToLower(m[1])
		switch prefix {
		case "vp", "vice president":
			prefix = "VP"
		default:
			prefix = titleCase(prefix)
		}
		role = prefix + " of " + titleCase(departmentName(m[2]))
		set(true)
	} else {
		lower := " " + strings.ToLower(text) + " "
		for _, kw := range roleKeywords {
			if containsWord(lower, kw) {
				role = displayRole(kw)
				set(roleDecision[kw])
				break
			}
		}
		if role == "" && containsWord(lower, "director") {
			role = "Director"
			set(true)
		}
	}

	switch {
	case decidesPattern.MatchString(text):
		set(true)
	case notDecidesPattern.MatchString(text):
		set(false)
	}
	return role, decides
}

var departmentStopwords = map[string]bool{
	"here": true, "at": true, "in": true, "for": true, "and": true, "so": true,
	"but": true, "with": true, "there": true, "now": true,
}

// departmentName keeps the second word of "customer success" style names
// and drops it when it starts a new clause.
func departmentName(raw string) string {
	words := strings.Fields(raw)
	if len(words) > 1 && departmentStopwords[strings.ToLower(words[1])] {
		words = words[:1]
	}
	return strings.ToLower(strings.Join(words, " "))
}

func displayRole(kw string) string {
	switch kw {
	case "ceo", "cto", "cfo", "coo", "cio", "cmo":
		return strings.ToUpper(kw)
	case "cofounder":
		return "Co-Founder"
	}
	return titleCase(kw)
}

var painCues = []string{
	"struggl", "problem", "issue", "challenge", "pain", "bottleneck", "too slow",
	"takes too long", "take too long", "time-consuming", "time consuming", "manual",
	"expensive", "costly", "frustrat", "difficult", "hard to", "waste", "error-prone",
	"inefficien", "can't keep up", "cannot keep up", "losing", "backlog", "overwhelm",
}

// ExtractPainPoints returns each sentence of text that describes a problem.
func ExtractPainPoints(text string) []string {
	var out []string
	for _, sentence := range splitSentences(text) {
		lower := strings.ToLower(sentence)
		if strings.HasPrefix(lower, "no problem") || strings.Contains(lower, "no issue") {
			continue
		}
		for _, cue := range painCues {
			if strings.Contains(lower, cue) {
				out = append(out, truncateRunes(sentence, 200))
				break
			}
		}
	}
	return out
}

var (
	readinessUp = regexp.MustCompile(`(?i)\b(already (?:use|using)|we use (?:ai|chatgpt|gpt|copilot|llms?)|using (?:ai|chatgpt|gpt|copilot|llms?)|pilot(?:ing)?|proof of concept|poc)\b`)
	dataTeam    = regexp.MustCompile(`(?i)\b(data team|data scientists?|machine learning|ml (?:team|models?)|data warehouse)\b`)
	budgetCue   = regexp.MustCompile(`(?i)\b(budget|funding|approved)\b`)
	readinessLo = regexp.MustCompile(`(?i)\b(never used|no experience|new to (?:ai|this)|not sure where to start|don't know much)\b`)
)

// ExtractAIReadiness scores 1-10 how ready the visitor's organization is to
// adopt AI. Zero means the text carries no signal.
func ExtractAIReadiness(text string) int {
	if m := ratingPattern.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return clamp(n, 1, 10)
		}
	}
	score, matched := 5, false
	if readinessUp.MatchString(text) {
		score += 2
		matched = true
	}
	if dataTeam.MatchString(text) {
		score += 2
		matched = true
	}
	if budgetCue.MatchString(text) {
		score++
		matched = true
	}
	if readinessLo.MatchString(text) {
		score -= 3
		matched = true
	}
	if !matched {
		return 0
	}
	return clamp(score, 1, 10)
}

var (
	negativeInterest = regexp.MustCompile(`(?i)\b(not (?:really )?interested|no thanks|no thank you|not for us|doesn't (?:fit|help)|not relevant)\b`)
	interestPattern  = regexp.MustCompile(`(?i)\b(interested|sounds (?:good|great|interesting|useful)|makes sense|tell me more|love to|would help|that helps|exactly what|useful|yes|yeah|definitely|absolutely|great|perfect|i like)\b`)

	declinePattern = regexp.MustCompile(`(?i)\b(not now|no thanks|no thank you|maybe later|not the right time|not interested|not ready|pass on|i'll pass|not at this time)\b`)
	commitPattern  = regexp.MustCompile(`(?i)\b(book|schedule|let's do|lets do|sign me up|set up a call|set up a meeting|send (?:me )?(?:the|an?) (?:assessment|proposal|invite)|count me in|i'm in|yes|sure|sounds good|works for me|go ahead|let's talk|call me)\b`)
)

// ExpressesInterest reports a positive reaction to what was presented.
func ExpressesInterest(text string) bool {
	if negativeInterest.MatchString(text) {
		return false
	}
	return interestPattern.MatchString(text)
}

// CommitsToNextStep reports whether the visitor accepted or explicitly
// declined a proposed next step. Either answer closes the funnel.
func CommitsToNextStep(text string) bool {
	return DeclinesNextStep(text) || commitPattern.MatchString(text)
}

func DeclinesNextStep(text string) bool {
	return declinePattern.MatchString(text)
}

// ExtractSignals runs every extractor over text. Stage and the name already
// on the lead only affect name detection.
func ExtractSignals(text string, stage domain.Stage, knownName string) domain.LeadData {
	var d domain.LeadData
	if strings.TrimSpace(knownName) == "" {
		d.Name = ExtractName(text, stage)
	} else {
		d.Name = ExtractStatedName(text)
	}
	if email, dom, ok := ExtractEmail(text); ok {
		d.Email = email
		d.EmailDomain = dom
		if !IsFreeEmailDomain(dom) {
			d.CompanyDomain = dom
		}
	}
	d.Company = ExtractCompany(text)
	d.CompanySize = ExtractCompanySize(text)
	d.Role, d.DecisionMaker = ExtractRole(text)
	d.AIReadiness = ExtractAIReadiness(text)
	d.PainPoints = ExtractPainPoints(text)
	return d
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r == '.' || r == '!' || r == '?' || r == '\n' || r == ';' {
			if s := strings.TrimSpace(string(runes[start:i])); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func containsWord(haystack, word string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], word)
		if i < 0 {
			return false
		}
		i += idx
		before := i == 0 || !isWordRune(rune(haystack[i-1]))
		end := i + len(word)
		after := end >= len(haystack) || !isWordRune(rune(haystack[end]))
		if before && after {
			return true
		}
		idx = i + 1
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-'
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if w == "and" || w == "of" {
			continue
		}
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
