package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stellarlinkco/leadclaw/internal/domain"
)

func writeStage(t *testing.T, root, dir, content string) string {
	t.Helper()
	path := filepath.Join(root, dir, stageFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir stage dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write stage file: %v", err)
	}
	return path
}

func TestDefaults_CoverEveryStage(t *testing.T) {
	set := Defaults()
	for _, stage := range domain.Stages() {
		p := set.Get(stage)
		if p.Stage != stage || p.Instructions == "" {
			t.Fatalf("stage %s has no built-in prompt", stage)
		}
	}
}

func TestLoad_OverridesStage(t *testing.T) {
	root := t.TempDir()
	path := writeStage(t, root, "problem_discovery", "---\ngoal: Find the bottleneck\n---\nAsk about their slowest workflow.\n")

	set, err := Load(root)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	p := set.Get(domain.StageProblemDiscovery)
	if p.Goal != "Find the bottleneck" || p.Instructions != "Ask about their slowest workflow." {
		t.Fatalf("prompt = %+v", p)
	}
	if p.Source != path {
		t.Fatalf("source = %q", p.Source)
	}
	if set.Get(domain.StageGreeting).Source != "builtin" {
		t.Fatal("untouched stages should keep the built-in prompt")
	}
}

func TestLoad_FrontmatterStageWins(t *testing.T) {
	root := t.TempDir()
	writeStage(t, root, "custom", "---\nstage: CALL_TO_ACTION\n---\nOffer a demo.\n")
	set, err := Load(root)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	p := set.Get(domain.StageCallToAction)
	if p.Instructions != "Offer a demo." {
		t.Fatalf("instructions = %q", p.Instructions)
	}
	if p.Goal == "" {
		t.Fatal("goal should fall back to the built-in one")
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Run("unknown stage", func(t *testing.T) {
		root := t.TempDir()
		writeStage(t, root, "nonsense", "hello")
		if _, err := Load(root); err == nil {
			t.Fatal("expected error for unknown stage")
		}
	})
	t.Run("duplicate", func(t *testing.T) {
		root := t.TempDir()
		writeStage(t, root, "a", "---\nstage: GREETING\n---\none")
		writeStage(t, root, "b", "---\nstage: GREETING\n---\ntwo")
		if _, err := Load(root); err == nil {
			t.Fatal("expected duplicate error")
		}
	})
	t.Run("invalid yaml is skipped", func(t *testing.T) {
		root := t.TempDir()
		writeStage(t, root, "greeting", "---\nstage: [oops\n---\nbody")
		set, err := Load(root)
		if err != nil {
			t.Fatalf("Load error: %v", err)
		}
		if set.Get(domain.StageGreeting).Source != "builtin" {
			t.Fatal("invalid override should be skipped")
		}
	})
	t.Run("missing dir", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "missing")); err != nil {
			t.Fatalf("missing dir should not error: %v", err)
		}
	})
}

func TestSystemPrompt_Deterministic(t *testing.T) {
	set := Defaults()
	set.SetPersona("You are Test.")
	yes := true
	lead := domain.LeadData{Name: "Ana", Company: "Acme", DecisionMaker: &yes, PainPoints: []string{"manual reports"}}

	a := set.SystemPrompt(domain.StageProblemDiscovery, lead)
	b := set.SystemPrompt(domain.StageProblemDiscovery, lead)
	if a != b {
		t.Fatal("system prompt is not deterministic")
	}
	for _, want := range []string{"You are Test.", "PROBLEM_DISCOVERY", "- Name: Ana", "- Company: Acme", "Decision maker: yes", "manual reports"} {
		if !strings.Contains(a, want) {
			t.Fatalf("prompt missing %q:\n%s", want, a)
		}
	}
	if !strings.Contains(set.SystemPrompt(domain.StageGreeting, domain.LeadData{}), "nothing yet") {
		t.Fatal("empty lead should say nothing is known")
	}
}
