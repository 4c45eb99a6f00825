package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/hl7gw/internal/config"
	"github.com/mattjoyce/hl7gw/internal/journal"
	"github.com/mattjoyce/hl7gw/internal/lock"
	"github.com/mattjoyce/hl7gw/internal/storage"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	// Drain concurrently so large outputs cannot block on a full pipe.
	stdoutCh := make(chan []byte, 1)
	stderrCh := make(chan []byte, 1)
	go func() { b, _ := io.ReadAll(stdoutR); stdoutCh <- b }()
	go func() { b, _ := io.ReadAll(stderrR); stderrCh <- b }()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes := <-stdoutCh
	stderrBytes := <-stderrCh
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()
	oldVersion, oldCommit, oldBuildDate := version, gitCommit, buildDate
	version, gitCommit, buildDate = v, commit, built
	t.Cleanup(func() {
		version, gitCommit, buildDate = oldVersion, oldCommit, oldBuildDate
	})
}

// writeConfigFixture writes a config with one MLLP endpoint and returns its
// path. extra is appended verbatim.
func writeConfigFixture(t *testing.T, dir, extra string) string {
	t.Helper()
	configPath := filepath.Join(dir, "config.yaml")
	configYAML := `
service:
  log_level: info
state:
  path: ` + filepath.Join(dir, "journal.db") + `
pipelines_dir: ` + filepath.Join(dir, "plugins") + `
endpoints:
  - name: adt-in
    listen: "127.0.0.1:0"
    pipeline: builtin:accept
` + extra
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return configPath
}

func seedJournal(t *testing.T, dbPath string, entries ...journal.Entry) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()

	j := journal.New(db)
	for _, e := range entries {
		if err := j.Record(context.Background(), e); err != nil {
			t.Fatalf("Record(%s): %v", e.ID, err)
		}
	}
}

func TestRunCLIRootVersionFlag(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abcdef0123456789", "2026-01-02T03:04:05Z")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"--version"})
	})
	if code != 0 {
		t.Fatalf("runCLI(--version) code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "hl7gw 1.2.3") {
		t.Fatalf("expected version line, got %q", stdout)
	}
	if !strings.Contains(stdout, "commit: abcdef012345") {
		t.Fatalf("expected shortened commit, got %q", stdout)
	}
}

func TestRunVersionJSONOutputIncludesMetadata(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abc123", "2026-01-02T13:04:05+10:00")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"--json"})
	})
	if code != 0 {
		t.Fatalf("runVersion(--json) code = %d, stderr: %s", code, stderr)
	}

	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if info.Version != "1.2.3" || info.Commit != "abc123" {
		t.Fatalf("unexpected metadata: %+v", info)
	}
	if info.BuildTime != "2026-01-02T03:04:05Z" {
		t.Fatalf("build time not normalized to UTC: %q", info.BuildTime)
	}
}

func TestRunNounActionHelp(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"config lock", []string{"config", "lock", "--help"}, "Usage: hl7gw config lock"},
		{"config check", []string{"config", "check", "-h"}, "Usage: hl7gw config check"},
		{"system status", []string{"system", "status", "--help"}, "Usage: hl7gw system status"},
		{"system watch", []string{"system", "watch", "--help"}, "Usage: hl7gw system watch"},
		{"exchange inspect", []string{"exchange", "inspect", "--help"}, "Usage: hl7gw exchange inspect"},
		{"exchange noun", []string{"exchange", "help"}, "Actions: list, inspect"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, stdout, _ := captureOutputWithExitCode(t, func() int { return runCLI(tt.args) })
			if code != 0 {
				t.Fatalf("code = %d", code)
			}
			if !strings.Contains(stdout, tt.want) {
				t.Fatalf("expected %q in output, got %q", tt.want, stdout)
			}
		})
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"frobnicate"})
	})
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("unexpected stderr: %q", stderr)
	}
}

func TestRunConfigLockDryRunThenWrite(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFixture(t, dir, "")
	checksums := filepath.Join(dir, ".checksums")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigLock([]string{"--config", configPath, "-v", "--dry-run"})
	})
	if code != 0 {
		t.Fatalf("dry run code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "HASH config.yaml:") || !strings.Contains(stdout, "DRY-RUN .checksums") {
		t.Fatalf("unexpected dry-run output: %s", stdout)
	}
	if _, err := os.Stat(checksums); !os.IsNotExist(err) {
		t.Fatalf("dry run wrote %s", checksums)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigLock([]string{"--config", configPath, "--verbose"})
	})
	if code != 0 {
		t.Fatalf("lock code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "WROTE .checksums") {
		t.Fatalf("unexpected lock output: %s", stdout)
	}
	if _, err := config.Load(configPath); err != nil {
		t.Fatalf("locked config no longer loads: %v", err)
	}

	// Any edit after locking must be caught on the next load.
	if err := os.WriteFile(configPath, []byte("# edited\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigShow([]string{"--config", configPath})
	})
	if code == 0 || !strings.Contains(stderr, "config verification failed") {
		t.Fatalf("expected verification failure, code=%d stderr=%s", code, stderr)
	}
}

func TestRunConfigShowRedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFixture(t, dir, `
api:
  enabled: true
  listen: "127.0.0.1:18080"
  auth:
    api_key: super-secret-key
`)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigShow([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, stderr)
	}
	if strings.Contains(stdout, "super-secret-key") {
		t.Fatalf("api key leaked in output:\n%s", stdout)
	}
	if !strings.Contains(stdout, "name: adt-in") {
		t.Fatalf("expected endpoint in output:\n%s", stdout)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigShow([]string{"--config", configPath, "--json", "endpoint:adt-in"})
	})
	if code != 0 {
		t.Fatalf("entity code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, `"Pipeline": "builtin:accept"`) {
		t.Fatalf("unexpected entity output:\n%s", stdout)
	}
}

func TestRunConfigGet(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFixture(t, dir, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigGet([]string{"--config", configPath, "endpoint:adt-in.pipeline"})
	})
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, stderr)
	}
	if strings.TrimSpace(stdout) != "builtin:accept" {
		t.Fatalf("got %q", stdout)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runConfigGet([]string{"--config", configPath, "service.no_such_key"})
	})
	if code != 1 || !strings.Contains(stderr, "not found") {
		t.Fatalf("expected missing key failure, code=%d stderr=%s", code, stderr)
	}
}

func TestRunConfigCheck(t *testing.T) {
	t.Run("valid builtin config", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.MkdirAll(filepath.Join(dir, "plugins"), 0o755); err != nil {
			t.Fatal(err)
		}
		configPath := writeConfigFixture(t, dir, "")

		code, stdout, stderr := captureOutputWithExitCode(t, func() int {
			return runConfigCheck([]string{"--config", configPath, "--json"})
		})
		if code != 0 {
			t.Fatalf("code = %d, stdout=%s stderr=%s", code, stdout, stderr)
		}
		var result struct {
			Valid bool `json:"valid"`
		}
		if err := json.Unmarshal([]byte(stdout), &result); err != nil {
			t.Fatalf("invalid JSON: %v\n%s", err, stdout)
		}
		if !result.Valid {
			t.Fatalf("expected valid result: %s", stdout)
		}
	})

	t.Run("unknown pipeline plugin", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.MkdirAll(filepath.Join(dir, "plugins"), 0o755); err != nil {
			t.Fatal(err)
		}
		configPath := writeConfigFixture(t, dir, `  - name: oru-in
    listen: "127.0.0.1:2576"
    pipeline: lab-router
`)

		code, stdout, _ := captureOutputWithExitCode(t, func() int {
			return runConfigCheck([]string{"--config", configPath})
		})
		if code != 1 {
			t.Fatalf("code = %d, want 1; output=%s", code, stdout)
		}
		if !strings.Contains(stdout, "lab-router") {
			t.Fatalf("expected the missing pipeline to be named: %s", stdout)
		}
	})
}

func TestRunExchangeListAndInspect(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFixture(t, dir, "")
	received := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	seedJournal(t, filepath.Join(dir, "journal.db"),
		journal.Entry{
			ID:          "ex-ack",
			Endpoint:    "adt-in",
			ControlID:   "MSG0001",
			MessageType: "ADT^A01",
			Outcome:     "ack",
			ReceivedAt:  received,
			RespondedAt: received.Add(40 * time.Millisecond),
			Elapsed:     40 * time.Millisecond,
			Request:     "MSH|^~\\&|SND|FAC|RCV|FAC|20260301093000||ADT^A01|MSG0001|P|2.5\rPID|1||123\r",
			Response:    "MSH|^~\\&|RCV|FAC|SND|FAC|20260301093000||ACK^A01|ACK0001|P|2.5\rMSA|AA|MSG0001\r",
		},
		journal.Entry{
			ID:          "ex-timeout",
			Endpoint:    "adt-in",
			ControlID:   "MSG0002",
			MessageType: "ADT^A08",
			Outcome:     "timeout",
			Nack:        true,
			Closed:      true,
			Reason:      "timed out waiting for response",
			ReceivedAt:  received.Add(time.Second),
			RespondedAt: received.Add(11 * time.Second),
			Elapsed:     10 * time.Second,
			Request:     "MSH|^~\\&|SND|FAC|RCV|FAC|20260301093001||ADT^A08|MSG0002|P|2.5\r",
			Response:    "MSH|^~\\&|RCV|FAC|SND|FAC|20260301093011||ACK^A08|ACK0002|P|2.5\rMSA|AE|MSG0002|timed out waiting for response\r",
		},
	)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runExchangeList([]string{"--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("list code = %d, stderr: %s", code, stderr)
	}
	var rows []exchangeRow
	if err := json.Unmarshal([]byte(stdout), &rows); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if len(rows) != 2 || rows[0].ID != "ex-timeout" {
		t.Fatalf("expected newest first, got %+v", rows)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runExchangeList([]string{"--config", configPath, "--outcome", "ack"})
	})
	if code != 0 || !strings.Contains(stdout, "ex-ack") || strings.Contains(stdout, "ex-timeout") {
		t.Fatalf("outcome filter failed, code=%d:\n%s", code, stdout)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runExchangeInspect([]string{"ex-timeout", "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("inspect code = %d, stderr: %s", code, stderr)
	}
	for _, want := range []string{"Exchange ID : ex-timeout", "Outcome     : timeout", "code       : AE", "Closed      : true"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("expected %q in report:\n%s", want, stdout)
		}
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runExchangeInspect([]string{"--config", configPath, "missing"})
	})
	if code != 1 || !strings.Contains(stderr, "Exchange missing not found") {
		t.Fatalf("expected not found, code=%d stderr=%s", code, stderr)
	}
}

func TestRunSystemStatusJSONHealthy(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFixture(t, dir, "")
	seedJournal(t, filepath.Join(dir, "journal.db"))

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runSystemStatus([]string{"--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("runSystemStatus() code = %d, stderr: %s", code, stderr)
	}

	var report statusReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("failed to parse JSON status output: %v\noutput=%s", err, stdout)
	}
	if !report.Healthy {
		t.Fatalf("expected healthy=true; output=%s", stdout)
	}
	if len(report.Checks) != 3 {
		t.Fatalf("expected 3 checks, got %d", len(report.Checks))
	}
}

func TestRunSystemStatusConfigLoadFailure(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runSystemStatus([]string{"--config", configPath})
	})
	if code == 0 {
		t.Fatalf("runSystemStatus() should fail for invalid config; stdout=%s", stdout)
	}
	if !strings.Contains(stdout, "config_load: FAIL") {
		t.Fatalf("expected config_load failure in output; stdout=%s", stdout)
	}
	if !strings.Contains(stdout, "state_db: FAIL") || !strings.Contains(stdout, "pid_lock: FAIL") {
		t.Fatalf("expected dependent checks to fail when config load fails; stdout=%s", stdout)
	}
}

func TestRunSystemStatusDetectsActivePIDLock(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFixture(t, dir, "")

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		t.Fatalf("loadConfigForTool: %v", err)
	}
	pidLock, err := lock.AcquirePIDLock(getPIDLockPath(cfg))
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	defer pidLock.Release()

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runSystemStatus([]string{"--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, stderr)
	}

	var report statusReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, stdout)
	}
	if report.PID != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), report.PID)
	}
}

func TestGetPIDLockPath(t *testing.T) {
	cfg := config.Defaults()
	cfg.State.Path = "/var/lib/hl7gw/journal.db"
	if got := getPIDLockPath(cfg); got != "/var/lib/hl7gw/journal.pid" {
		t.Fatalf("getPIDLockPath() = %q", got)
	}
}

func TestRunWatchRequiresAPIKey(t *testing.T) {
	t.Setenv("HL7GW_API_KEY", "")
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runWatch(nil)
	})
	if code != 1 || !strings.Contains(stderr, "API key required") {
		t.Fatalf("code=%d stderr=%s", code, stderr)
	}
}
