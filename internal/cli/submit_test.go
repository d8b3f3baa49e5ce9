package cli

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/phasefactory/internal/config"
	"github.com/lucasnoah/phasefactory/internal/engine"
	"github.com/lucasnoah/phasefactory/internal/llm"
	"github.com/lucasnoah/phasefactory/internal/web"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadPlanYAML(t *testing.T) {
	path := writeFile(t, "plan.yaml", `
id: limiter
items:
  - key: design
    spec:
      goal: token bucket
      burst: 10
    priority: 2
  - key: build
    description: implement it
    depends_on: [design]
    role: backend
`)
	p, err := loadPlan(path)
	if err != nil {
		t.Fatalf("load plan: %v", err)
	}
	if p.ID != "limiter" || len(p.Items) != 2 {
		t.Fatalf("plan = %+v", p)
	}
	var spec map[string]any
	if err := json.Unmarshal(p.Items[0].Spec, &spec); err != nil {
		t.Fatalf("spec is not JSON: %v", err)
	}
	if spec["goal"] != "token bucket" || spec["burst"] != float64(10) {
		t.Errorf("spec = %v", spec)
	}
	if p.Items[0].Priority != 2 {
		t.Errorf("priority = %d", p.Items[0].Priority)
	}
	build := p.Items[1]
	if build.Spec != nil || build.Description != "implement it" || build.Role != "backend" {
		t.Errorf("build = %+v", build)
	}
	if len(build.DependsOn) != 1 || build.DependsOn[0] != "design" {
		t.Errorf("depends_on = %v", build.DependsOn)
	}
}

func TestLoadPlanJSON(t *testing.T) {
	path := writeFile(t, "plan.json", `{"items":[{"key":"a","spec":{"x":1}}]}`)
	p, err := loadPlan(path)
	if err != nil {
		t.Fatalf("load plan: %v", err)
	}
	if string(p.Items[0].Spec) != `{"x":1}` {
		t.Errorf("spec = %s", p.Items[0].Spec)
	}
}

func TestLoadPlanErrors(t *testing.T) {
	if _, err := loadPlan("/nonexistent/plan.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := loadPlan(writeFile(t, "bad.yaml", "items: [")); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

// serveEngine runs an in-memory engine behind the API and points --addr
// at it.
func serveEngine(t *testing.T) {
	t.Helper()
	cfg := config.Default()
	cfg.Engine.NodeID = "cli-test"
	cfg.Engine.DataDir = t.TempDir()
	cfg.Engine.TickInterval = 20 * time.Millisecond
	cfg.Supervisor.HeartbeatInterval = 10 * time.Millisecond
	cfg.Supervisor.HeartbeatTimeout = 2 * time.Second
	cfg.Storage.Backend = config.BackendMemory
	cfg.Evaluator.Kind = config.EvaluatorStatic

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := engine.Open(context.Background(), cfg, engine.Options{
		Logger: logger,
		Worker: &llm.StaticClient{Reply: "Report generator with CSV export, verified by tests."},
		Judge:  &llm.StaticClient{Reply: "PASS"},
	})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	srv := httptest.NewServer(web.NewServer(e, logger).Handler())

	prev := serverAddr
	serverAddr = srv.URL
	t.Cleanup(func() {
		serverAddr = prev
		srv.Close()
		cancel()
		<-done
		e.Close()
	})
}

func TestSubmitAndStatusAgainstServer(t *testing.T) {
	serveEngine(t)
	path := writeFile(t, "plan.yaml", `
id: reports
items:
  - key: export
    spec: csv export
`)
	out, err := executeCommand("submit", path, "--format", "text")
	if err != nil {
		t.Fatalf("submit: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Submitted plan reports with 1 item(s)") {
		t.Errorf("submit output: %s", out)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		out, err = executeCommand("status", "reports", "--format", "text")
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if strings.Contains(out, "complete=1") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("plan did not complete:\n%s", out)
		}
		time.Sleep(50 * time.Millisecond)
	}

	out, err = executeCommand("events", "--kind", "completed", "--format", "text", "--limit", "0")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if !strings.Contains(out, "completed") {
		t.Errorf("events output: %s", out)
	}

	if _, err := executeCommand("status", "no-such-plan", "--format", "text"); err == nil {
		t.Error("expected error for unknown plan")
	}
}
