package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

func TestRender_SimpleVars(t *testing.T) {
	got, err := Render("Item {{item_id}} in {{phase}}.", Vars{"item_id": "w1", "phase": "prompt_to_spec"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "Item w1 in prompt_to_spec."; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestRender_MissingVars(t *testing.T) {
	_, err := Render("{{a}} and {{b}}", Vars{"a": "x"})
	if err == nil {
		t.Fatal("expected error for missing variable")
	}
	if !strings.Contains(err.Error(), "b") || strings.Contains(err.Error(), "a,") {
		t.Errorf("error should name only the missing variable, got: %v", err)
	}
}

func TestRender_Conditionals(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars Vars
		want string
	}{
		{"if set", "A{{#if x}}[{{x}}]{{/if}}B", Vars{"x": "1"}, "A[1]B"},
		{"if empty", "A{{#if x}}[{{x}}]{{/if}}B", Vars{"x": ""}, "AB"},
		{"if unset", "A{{#if x}}[{{x}}]{{/if}}B", Vars{}, "AB"},
		{"unless unset", "A{{#unless x}}none{{/unless}}B", Vars{}, "AnoneB"},
		{"unless set", "A{{#unless x}}none{{/unless}}B", Vars{"x": "1"}, "AB"},
		{"nested both", "{{#if a}}a{{#if b}}b{{/if}}{{/if}}", Vars{"a": "1", "b": "1"}, "ab"},
		{"nested inner off", "{{#if a}}a{{#if b}}b{{/if}}!{{/if}}", Vars{"a": "1"}, "a!"},
		{"nested outer off", "{{#if a}}a{{#if b}}b{{/if}}{{/if}}.", Vars{"b": "1"}, "."},
		{"siblings", "{{#if a}}1{{/if}}{{#if b}}2{{/if}}", Vars{"b": "y"}, "2"},
		{"skipped vars not required", "{{#if a}}{{missing}}{{/if}}ok", Vars{}, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, tt.vars)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRender_MalformedBlocks(t *testing.T) {
	for _, tmpl := range []string{
		"{{/if}}",
		"{{#if a}}open",
		"{{#if a}}x{{/unless}}",
	} {
		if _, err := Render(tmpl, Vars{"a": "1"}); err == nil {
			t.Errorf("expected error for %q", tmpl)
		}
	}
}

func TestVars_Merge(t *testing.T) {
	base := Vars{"a": "1", "b": "2"}
	got := base.Merge(Vars{"b": "3"})
	if got["a"] != "1" || got["b"] != "3" {
		t.Errorf("unexpected merge result %v", got)
	}
	if base["b"] != "2" {
		t.Error("merge modified the receiver")
	}
}

func TestTemplateName(t *testing.T) {
	if got := TemplateName(pipeline.PhaseFullSpecToPlan); got != "full-spec-to-plan.md" {
		t.Errorf("got %q", got)
	}
}

func TestBuiltins_RenderForEveryPhase(t *testing.T) {
	lib := Library{}
	vars := Vars{"item_id": "w1", "attempt": "1", "spec": "build it", "keywords": "", "phase": "x"}
	for _, p := range pipeline.Phases {
		out, err := lib.ForPhase(p, vars)
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		if !strings.Contains(out, "build it") {
			t.Errorf("%s: request missing from prompt", p)
		}
		if strings.Contains(out, "Reviewer Feedback") {
			t.Errorf("%s: empty feedback section rendered", p)
		}
	}

	out, err := lib.ForPhase(pipeline.PhasePlanToArtifacts, vars.Merge(Vars{"review_feedback": "missing tests"}))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "missing tests") {
		t.Error("feedback not rendered")
	}
}

func TestBuiltins_ReviewNeedsOutput(t *testing.T) {
	lib := Library{}
	vars := Vars{"item_id": "w1", "phase": "prompt_to_spec", "spec": "s"}
	if _, err := lib.Render(ReviewTemplate, vars); err == nil {
		t.Fatal("expected missing output error")
	}
	out, err := lib.Render(ReviewTemplate, vars.Merge(Vars{"output": "the spec"}))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "PASS") || !strings.Contains(out, "the spec") {
		t.Errorf("unexpected review prompt:\n%s", out)
	}
}

func TestLibrary_OverrideDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "prompt-to-spec.md"), []byte("custom {{item_id}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	lib := Library{Dir: dir}

	got, err := lib.ForPhase(pipeline.PhasePromptToSpec, Vars{"item_id": "w9"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "custom w9" {
		t.Errorf("override not used, got %q", got)
	}

	// No override file: falls back to the builtin.
	if _, err := lib.Load("complete.md"); err != nil {
		t.Errorf("builtin fallback: %v", err)
	}
}

func TestLibrary_RejectsPathNames(t *testing.T) {
	lib := Library{Dir: t.TempDir()}
	for _, name := range []string{"../etc/passwd", "sub/x.md", "x.txt", ""} {
		if _, err := lib.Load(name); err == nil {
			t.Errorf("expected error for %q", name)
		}
	}
	if _, err := lib.Load("nope.md"); err == nil {
		t.Error("expected not found")
	}
}

func TestInstall(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "templates")
	wrote, err := Install(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(wrote) != len(Builtins()) {
		t.Fatalf("wrote %d of %d templates", len(wrote), len(Builtins()))
	}

	edited := filepath.Join(dir, ReviewTemplate)
	if err := os.WriteFile(edited, []byte("mine"), 0o644); err != nil {
		t.Fatal(err)
	}
	wrote, err = Install(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(wrote) != 0 {
		t.Errorf("second install wrote %v", wrote)
	}
	data, _ := os.ReadFile(edited)
	if string(data) != "mine" {
		t.Error("install overwrote a local edit")
	}
}
