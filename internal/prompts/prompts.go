// Package prompts provides the per-stage system prompts used by the funnel.
// Built-in prompts can be overridden from the workspace with
// stages/<name>/STAGE.md files carrying YAML frontmatter.
package prompts

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stellarlinkco/leadclaw/internal/domain"
	"gopkg.in/yaml.v3"
)

const stageFileName = "STAGE.md"

const DefaultPersona = "You are Claw, a friendly assistant for an AI consultancy. You qualify " +
	"visitors as potential clients through natural conversation."

var errInvalidStageYAML = errors.New("invalid stage YAML frontmatter")

type StagePrompt struct {
	Stage        domain.Stage
	Goal         string
	Instructions string
	Source       string
}

type stageFrontmatter struct {
	Stage string `yaml:"stage"`
	Goal  string `yaml:"goal"`
}

type Set struct {
	persona string
	prompts map[domain.Stage]StagePrompt
}

var builtin = map[domain.Stage]StagePrompt{
	domain.StageGreeting: {
		Goal:         "Welcome the visitor and invite them to share what brought them here.",
		Instructions: "Greet warmly in one or two sentences. Ask an open question about what they are looking for.",
	},
	domain.StageNameCollection: {
		Goal:         "Learn the visitor's name.",
		Instructions: "Acknowledge what they said, then ask for their name in a natural way.",
	},
	domain.StageEmailCapture: {
		Goal:         "Collect a work email address.",
		Instructions: "Address the visitor by name. Explain that a work email lets you prepare relevant material, then ask for it.",
	},
	domain.StageBackgroundResearch: {
		Goal:         "Learn about the visitor's company and role.",
		Instructions: "Ask which company they work for and what their role is. If research already found their company, confirm it instead of asking.",
	},
	domain.StageProblemDiscovery: {
		Goal:         "Uncover concrete business problems.",
		Instructions: "Ask about the processes that cost them the most time or money. Dig into one problem at a time.",
	},
	domain.StageSolutionPresentation: {
		Goal:         "Connect their problems to what AI can do for them.",
		Instructions: "Describe one or two relevant approaches tied to the pain points they named. Check whether this sounds useful.",
	},
	domain.StageCallToAction: {
		Goal:         "Agree on a next step.",
		Instructions: "Propose a short discovery call or a written assessment. Ask them to pick one, or to say if now is not the right time.",
	},
	domain.StageCompleted: {
		Goal:         "Close the conversation.",
		Instructions: "Thank the visitor, confirm the agreed next step and say they will hear from the team soon.",
	},
}

// Defaults returns the built-in prompt set.
func Defaults() *Set {
	s := &Set{persona: DefaultPersona, prompts: make(map[domain.Stage]StagePrompt, len(builtin))}
	for stage, p := range builtin {
		p.Stage = stage
		p.Source = "builtin"
		s.prompts[stage] = p
	}
	return s
}

// Load returns the built-in set with any overrides found under dir applied.
// A missing dir is not an error.
func Load(dir string) (*Set, error) {
	set := Defaults()
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return set, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return set, nil
		}
		return nil, fmt.Errorf("stat stages dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("stages path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read stages dir %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	seen := make(map[domain.Stage]string, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), stageFileName)
		p, skip, err := parseStageFile(path, entry.Name())
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}
		if prev, ok := seen[p.Stage]; ok {
			return nil, fmt.Errorf("duplicate stage %s in %s (already in %s)", p.Stage, path, prev)
		}
		seen[p.Stage] = path

		base := set.prompts[p.Stage]
		if p.Goal == "" {
			p.Goal = base.Goal
		}
		set.prompts[p.Stage] = p
	}
	return set, nil
}

func parseStageFile(path, dirName string) (StagePrompt, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return StagePrompt{}, true, nil
		}
		return StagePrompt{}, false, fmt.Errorf("read stage %q: %w", path, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		if errors.Is(err, errInvalidStageYAML) {
			log.Printf("[prompts] warning: skip invalid YAML stage %s: %v", path, err)
			return StagePrompt{}, true, nil
		}
		return StagePrompt{}, false, fmt.Errorf("parse stage %q: %w", path, err)
	}

	name := strings.TrimSpace(meta.Stage)
	if name == "" {
		name = dirName
	}
	stage, err := domain.ParseStage(name)
	if err != nil {
		return StagePrompt{}, false, fmt.Errorf("parse stage %q: %w", path, err)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return StagePrompt{}, false, fmt.Errorf("parse stage %q: empty instructions", path)
	}
	return StagePrompt{
		Stage:        stage,
		Goal:         strings.TrimSpace(meta.Goal),
		Instructions: body,
		Source:       path,
	}, false, nil
}

func parseFrontmatter(content []byte) (stageFrontmatter, string, error) {
	text := strings.TrimPrefix(string(content), "\uFEFF")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		// Plain markdown without frontmatter is accepted as instructions.
		return stageFrontmatter{}, text, nil
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return stageFrontmatter{}, "", errors.New("missing closing frontmatter separator")
	}

	var meta stageFrontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return stageFrontmatter{}, "", fmt.Errorf("%w: %v", errInvalidStageYAML, err)
	}
	return meta, strings.Join(lines[end+1:], "\n"), nil
}

// SetPersona replaces the opening persona line; blank keeps the current one.
func (s *Set) SetPersona(persona string) {
	if p := strings.TrimSpace(persona); p != "" {
		s.persona = p
	}
}

func (s *Set) Get(stage domain.Stage) StagePrompt {
	if p, ok := s.prompts[stage]; ok {
		return p
	}
	return s.prompts[domain.StageGreeting]
}

// SystemPrompt renders the system turn for stage. Output is deterministic
// for the same inputs so optimizer cache keys stay stable.
func (s *Set) SystemPrompt(stage domain.Stage, lead domain.LeadData) string {
	p := s.Get(stage)
	var sb strings.Builder
	sb.WriteString(s.persona)
	sb.WriteString("\n\n## Current stage: ")
	sb.WriteString(stage.String())
	if p.Goal != "" {
		sb.WriteString("\nGoal: ")
		sb.WriteString(p.Goal)
	}
	sb.WriteString("\n\n")
	sb.WriteString(p.Instructions)
	sb.WriteString("\n\n## Known about the visitor\n")
	sb.WriteString(LeadContext(lead))
	sb.WriteString("\n## Rules\n")
	sb.WriteString("- Ask at most one question per reply.\n")
	sb.WriteString("- Keep replies under 120 words.\n")
	sb.WriteString("- Never invent facts about the visitor or their company.\n")
	return sb.String()
}

// LeadContext lists the known lead fields, one per line.
func LeadContext(lead domain.LeadData) string {
	var lines []string
	add := func(label, value string) {
		if value = strings.TrimSpace(value); value != "" {
			lines = append(lines, fmt.Sprintf("- %s: %s", label, value))
		}
	}
	add("Name", lead.Name)
	add("Email", lead.Email)
	add("Company", lead.Company)
	add("Company domain", lead.CompanyDomain)
	add("Company size", lead.CompanySize)
	add("Industry", lead.Industry)
	add("Role", lead.Role)
	if lead.DecisionMaker != nil {
		if *lead.DecisionMaker {
			add("Decision maker", "yes")
		} else {
			add("Decision maker", "no")
		}
	}
	if lead.AIReadiness > 0 {
		add("AI readiness", fmt.Sprintf("%d/10", lead.AIReadiness))
	}
	if len(lead.PainPoints) > 0 {
		add("Pain points", strings.Join(lead.PainPoints, "; "))
	}
	if len(lines) == 0 {
		return "- nothing yet\n"
	}
	return strings.Join(lines, "\n") + "\n"
}
