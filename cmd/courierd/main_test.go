package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xraph/courier/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func sqliteConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	body := fmt.Sprintf(`
[store]
kind = "sqlite"
sqlite_path = %q

[logging]
level = "error"

[daemon]
lock_file = %q
`, filepath.Join(dir, "courier.db"), filepath.Join(dir, "courierd.lock"))
	path := filepath.Join(dir, "courierd.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	out := renderTable(&buf, []string{"Queue", "Waiting"}, [][]string{{"deliver", "12"}, {"inbox"}}, []columnAlignment{alignLeft, alignRight})
	for _, want := range []string{"Queue", "Waiting", "deliver", "12", "inbox"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	if renderTable(&buf, nil, nil, nil) != "" {
		t.Error("expected empty table without headers")
	}
}

func TestConfigInit(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "courierd.toml")

	if _, err := execute(t, "-c", path, "config", "init"); err != nil {
		t.Fatalf("config init: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists || cfg.Store.Kind != config.StoreMemory {
		t.Fatalf("exists=%v kind=%q", exists, cfg.Store.Kind)
	}

	if _, err := execute(t, "-c", path, "config", "init"); err == nil {
		t.Fatal("expected an existing file to be kept")
	}
	if _, err := execute(t, "-c", path, "config", "init", "--force"); err != nil {
		t.Fatalf("config init --force: %v", err)
	}
}

func TestEnqueueStatsAndShow(t *testing.T) {
	path := sqliteConfig(t)

	out, err := execute(t, "-c", path, "enqueue",
		"--queue", "deliver", "--name", "deliver",
		"--payload", `{"to":"https://remote.example/inbox"}`,
		"--id", "job-1", "--delay", "1h")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !strings.Contains(out, "job-1 delayed") {
		t.Errorf("enqueue output = %q", out)
	}

	out, err = execute(t, "-c", path, "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	for _, want := range []string{"deliver", "inbox", "delayed"} {
		if !strings.Contains(out, want) {
			t.Errorf("stats missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "-c", path, "job", "show", "job-1")
	if err != nil {
		t.Fatalf("job show: %v", err)
	}
	if !strings.Contains(out, "remote.example") {
		t.Errorf("show output:\n%s", out)
	}

	out, err = execute(t, "-c", path, "job", "promote", "job-1")
	if err != nil {
		t.Fatalf("job promote: %v", err)
	}
	if !strings.Contains(out, "job-1 promoted") {
		t.Errorf("promote output = %q", out)
	}
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	path := sqliteConfig(t)

	if _, err := execute(t, "-c", path, "enqueue", "--queue", "deliver"); err == nil {
		t.Error("expected missing --name to fail")
	}
	if _, err := execute(t, "-c", path, "enqueue", "--queue", "deliver", "--name", "deliver", "--payload", "{"); err == nil {
		t.Error("expected invalid JSON to fail")
	}
	if _, err := execute(t, "-c", path, "enqueue", "--queue", "nope", "--name", "deliver"); err == nil {
		t.Error("expected unknown queue to fail")
	}
}

func TestStatsListsTasks(t *testing.T) {
	path := sqliteConfig(t)
	out, err := execute(t, "-c", path, "stats", "--tasks")
	if err != nil {
		t.Fatalf("stats --tasks: %v", err)
	}
	for _, want := range []string{"tickCharts", "55 * * * *", "checkExpiredMutings"} {
		if !strings.Contains(out, want) {
			t.Errorf("tasks missing %q:\n%s", want, out)
		}
	}
}
