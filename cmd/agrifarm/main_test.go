package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/agrifarm/internal/migrate"
	"github.com/nugget/agrifarm/internal/session"
)

const testSecret = "cmd-test-secret-0123456789"

// writeConfig writes a config using the pure-Go driver and a database
// under a temp directory. It returns the config path.
func writeConfig(t *testing.T) string {
	t.Helper()
	t.Setenv("AGRIFARM_SESSION_SECRET", "")
	dir := t.TempDir()
	cfg := "listen:\n" +
		"  port: 0\n" +
		"database:\n" +
		"  driver: sqlite\n" +
		"  path: " + filepath.Join(dir, "agrifarm.db") + "\n" +
		"mqtt:\n" +
		"  disabled: true\n" +
		"session:\n" +
		"  secret: " + testSecret + "\n" +
		"  ttl_hours: 1\n" +
		"data_dir: " + dir + "\n"
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), err
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		out, err := runCmd(t, args...)
		if err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out, "Usage: agrifarm") {
			t.Errorf("run(%v) output missing usage:\n%s", args, out)
		}
	}
}

func TestRun_ArgumentErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown command", []string{"plant"}, "unknown command: plant"},
		{"unknown flag", []string{"-verbose", "version"}, "unknown flag: -verbose"},
		{"bad output format", []string{"-o", "xml", "version"}, `unknown output format: "xml"`},
		{"token without user", []string{"token"}, "usage: agrifarm token"},
		{"missing explicit config", []string{"-config", "/nonexistent/agrifarm.yaml", "migrate", "status"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCmd(t, tt.args...)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "agrifarm ") || !strings.Contains(out, "go_version:") {
		t.Errorf("unexpected version output:\n%s", out)
	}

	out, err = runCmd(t, "-o", "json", "version")
	if err != nil {
		t.Fatalf("version json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode version json: %v\n%s", err, out)
	}
	for _, k := range []string{"version", "git_commit", "go_version", "os", "arch"} {
		if info[k] == "" {
			t.Errorf("version json missing %q", k)
		}
	}
}

func TestRun_MigrateLifecycle(t *testing.T) {
	cfg := writeConfig(t)
	total := len(migrate.Registry())

	status := func() []migrate.MigrationStatus {
		t.Helper()
		out, err := runCmd(t, "-config", cfg, "-o", "json", "migrate", "status")
		if err != nil {
			t.Fatalf("migrate status: %v", err)
		}
		var st []migrate.MigrationStatus
		if err := json.Unmarshal([]byte(out), &st); err != nil {
			t.Fatalf("decode status: %v\n%s", err, out)
		}
		return st
	}
	countApplied := func(st []migrate.MigrationStatus) int {
		n := 0
		for _, s := range st {
			if s.Applied {
				n++
			}
		}
		return n
	}

	if st := status(); len(st) != total || countApplied(st) != 0 {
		t.Fatalf("fresh database: %d migrations, %d applied", len(st), countApplied(st))
	}

	out, err := runCmd(t, "-config", cfg, "migrate", "up")
	if err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	if n := strings.Count(out, "applied "); n != total {
		t.Errorf("migrate up reported %d migrations, want %d:\n%s", n, total, out)
	}
	if got := countApplied(status()); got != total {
		t.Errorf("applied after up = %d, want %d", got, total)
	}

	out, err = runCmd(t, "-config", cfg, "migrate", "up")
	if err != nil {
		t.Fatalf("second migrate up: %v", err)
	}
	if !strings.Contains(out, "nothing applied") {
		t.Errorf("second up output = %q", out)
	}

	out, err = runCmd(t, "-config", cfg, "migrate", "down", "2")
	if err != nil {
		t.Fatalf("migrate down: %v", err)
	}
	if !strings.Contains(out, "reverted AddCascadeDeleteToInstallationRequests") {
		t.Errorf("down output = %q", out)
	}
	if got := countApplied(status()); got != total-2 {
		t.Errorf("applied after down 2 = %d, want %d", got, total-2)
	}

	out, err = runCmd(t, "-config", cfg, "migrate", "status")
	if err != nil {
		t.Fatalf("migrate status text: %v", err)
	}
	if !strings.Contains(out, "pending") || !strings.Contains(out, "✓ CreateCoreTables") {
		t.Errorf("status text = %q", out)
	}

	if _, err := runCmd(t, "-config", cfg, "migrate", "down", "zero"); !errors.Is(err, errUsage) {
		t.Errorf("bad step count error = %v, want errUsage", err)
	}
	if _, err := runCmd(t, "-config", cfg, "migrate"); !errors.Is(err, errUsage) {
		t.Errorf("missing subcommand error = %v, want errUsage", err)
	}
}

func TestRun_UserAndToken(t *testing.T) {
	cfg := writeConfig(t)

	out, err := runCmd(t, "-config", cfg, "-o", "json", "user", "add", "Nong.Dan@Example.com", "farmer", "Nguyễn", "Văn", "A")
	if err != nil {
		t.Fatalf("user add: %v", err)
	}
	var created struct {
		ID       string `json:"id"`
		Email    string `json:"email"`
		FullName string `json:"fullName"`
		Role     string `json:"role"`
		IsActive bool   `json:"isActive"`
	}
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decode user: %v\n%s", err, out)
	}
	if created.Email != "nong.dan@example.com" || created.Role != "FARMER" || created.FullName != "Nguyễn Văn A" || !created.IsActive {
		t.Errorf("created = %+v", created)
	}

	if _, err := runCmd(t, "-config", cfg, "user", "add", "x@example.com", "gardener"); err == nil || !strings.Contains(err.Error(), "unknown role") {
		t.Errorf("bad role error = %v", err)
	}

	out, err = runCmd(t, "-config", cfg, "user", "credits", created.ID, "25")
	if err != nil {
		t.Fatalf("user credits: %v", err)
	}
	if !strings.Contains(out, "credits=25") {
		t.Errorf("credits output = %q", out)
	}

	out, err = runCmd(t, "-config", cfg, "user", "plan", created.ID, "premium", "trial")
	if err != nil {
		t.Fatalf("user plan: %v", err)
	}
	if !strings.Contains(out, "plan=PREMIUM status=TRIAL") {
		t.Errorf("plan output = %q", out)
	}

	out, err = runCmd(t, "-config", cfg, "token", created.ID)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	sealer, err := session.NewSealer(testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := sealer.Open(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("open issued token: %v", err)
	}
	if claims.UserID != created.ID || claims.Role != "FARMER" || claims.Email != created.Email {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := runCmd(t, "-config", cfg, "token", "no-such-user"); err == nil {
		t.Error("token for unknown user succeeded")
	}
}

func TestRun_ServeRequiresSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := "database:\n  driver: sqlite\n  path: " + filepath.Join(dir, "a.db") + "\nmqtt:\n  disabled: true\n"
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AGRIFARM_SESSION_SECRET", "")

	for _, cmd := range []string{"serve", "proxy"} {
		_, err := runCmd(t, "-config", path, cmd)
		if err == nil || !strings.Contains(err.Error(), "AGRIFARM_SESSION_SECRET") {
			t.Errorf("%s without secret: err = %v", cmd, err)
		}
	}
}
