package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/panll/ensaid/internal/config"
	"github.com/panll/ensaid/internal/logging"
	"github.com/panll/ensaid/pkg/feedback"
)

// writeTestConfig scaffolds a workspace in a temp dir and returns flags
// pointing at its config.
func writeTestConfig(t *testing.T) (*globalFlags, string) {
	t.Helper()
	dir := t.TempDir()
	if err := scaffold(&bytes.Buffer{}, dir, false); err != nil {
		t.Fatalf("scaffold: %v", err)
	}

	cfg := fmt.Sprintf(`log_level: error
constraints:
  profiles_path: %[1]s/profiles.yaml
  active_profile: default
strictness:
  threshold: 0.6
  profile: strict
feedback:
  ack_timeout: 1s
  pool: log
sandbox:
  allowed_paths: [%[1]q]
store:
  path: %[1]s/state.db
provenance:
  path: %[1]s/provenance.db
`, dir)
	path := filepath.Join(dir, "test-config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &globalFlags{configPath: path}, dir
}

func TestScaffoldRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	if err := scaffold(&out, dir, false); err != nil {
		t.Fatalf("scaffold: %v", err)
	}
	if !strings.Contains(out.String(), "profiles.yaml") {
		t.Errorf("output missing profiles.yaml: %s", out.String())
	}
	if err := scaffold(&out, dir, false); err == nil {
		t.Error("expected error for existing files")
	}
	if err := scaffold(&out, dir, true); err != nil {
		t.Errorf("force overwrite: %v", err)
	}
}

func TestScaffoldedConfigLoads(t *testing.T) {
	dir := t.TempDir()
	if err := scaffold(&bytes.Buffer{}, dir, false); err != nil {
		t.Fatalf("scaffold: %v", err)
	}
	cfg, err := config.LoadConfig(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Feedback.Pool != config.PoolLog {
		t.Errorf("pool = %q, want log", cfg.Feedback.Pool)
	}
	if got := cfg.Vexation.Crash.Magnitude; got != 0.40 {
		t.Errorf("crash magnitude = %v, want 0.40", got)
	}
}

func TestRunCheck(t *testing.T) {
	dir := t.TempDir()
	if err := scaffold(&bytes.Buffer{}, dir, false); err != nil {
		t.Fatalf("scaffold: %v", err)
	}
	path := filepath.Join(dir, "profiles.yaml")

	var out bytes.Buffer
	if err := runCheck(&out, path, "", nil); err != nil {
		t.Fatalf("runCheck: %v", err)
	}
	if !strings.Contains(out.String(), "are valid") {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	err := runCheck(&out, path, "strict", []string{"list files", "sudo shutdown now"})
	if err == nil || !strings.Contains(err.Error(), "1 of 2 tokens rejected") {
		t.Fatalf("err = %v, want 1 of 2 rejected", err)
	}
	if !strings.Contains(out.String(), "REJECTED \"sudo shutdown now\": Constraint violation detected: forbidden pattern privileged command") {
		t.Errorf("output = %q", out.String())
	}

	if err := runCheck(&out, path, "missing", []string{"x"}); err == nil {
		t.Error("expected error for unknown profile")
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("profiles:\n  default:\n    - kind: FORBID_PATTERN\n      payload: '(oops'\n"), 0644)
	if err := runCheck(&out, bad, "", nil); err == nil {
		t.Error("expected error for malformed pattern")
	}
}

// serveSession runs serve over pipes and sends each request only after the
// previous reply has arrived, returning the replies in request order.
func serveSession(t *testing.T, flags *globalFlags, requests ...string) []string {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	var errOut bytes.Buffer
	served := make(chan error, 1)
	go func() {
		served <- runServe(context.Background(), flags, &serveFlags{noInspector: true}, inR, outW, &errOut)
		outW.Close()
	}()

	replies := bufio.NewScanner(outR)
	lines := make([]string, 0, len(requests))
	for i, req := range requests {
		if _, err := io.WriteString(inW, req+"\n"); err != nil {
			t.Fatalf("write request %d: %v", i+1, err)
		}
		if !replies.Scan() {
			t.Fatalf("no reply to request %d", i+1)
		}
		lines = append(lines, replies.Text())
	}
	inW.Close()
	if err := <-served; err != nil {
		t.Fatalf("runServe: %v (stderr: %s)", err, errOut.String())
	}
	return lines
}

func TestRunServeSession(t *testing.T) {
	flags, _ := writeTestConfig(t)

	lines := serveSession(t, flags,
		`{"jsonrpc":"2.0","id":1,"method":"validate_inference","params":{"token":"System reboot initiated","constraints":["reboot"]}}`,
		`{"jsonrpc":"2.0","id":2,"method":"get_vexation_index"}`,
		`{"jsonrpc":"2.0","id":3,"method":"validate_profile","params":{"token":"please reboot"}}`,
		`{"jsonrpc":"2.0","id":4,"method":"submit_feedback","params":{"pane_l_state":"l","pane_n_state":"n","pane_w_state":"w","report_type":"OTHER"}}`,
		`{"jsonrpc":"2.0","id":5,"method":"profiles.list"}`,
	)

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal([]byte(lines[0]), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != -32002 || resp.Error.Message != "Constraint violation detected: reboot" {
		t.Errorf("validate_inference response = %s", lines[0])
	}

	resp.Error = nil
	if err := json.Unmarshal([]byte(lines[1]), &resp); err != nil {
		t.Fatal(err)
	}
	var idx float64
	if err := json.Unmarshal(resp.Result, &idx); err != nil || idx <= 0 {
		t.Errorf("index = %v (%v), want > 0", idx, err)
	}

	if !strings.Contains(lines[2], `"status":"REJECTED"`) {
		t.Errorf("validate_profile response = %s", lines[2])
	}
	if !strings.Contains(lines[3], `Feedback submitted: OTHER`) {
		t.Errorf("submit_feedback response = %s", lines[3])
	}
	if !strings.Contains(lines[4], `"name":"default"`) {
		t.Errorf("profiles.list response = %s", lines[4])
	}
}

func TestServePersistsAcrossRuns(t *testing.T) {
	flags, _ := writeTestConfig(t)
	sf := &serveFlags{noInspector: true}

	first := `{"jsonrpc":"2.0","id":1,"method":"report_stress","params":{"magnitude":0.5,"half_life":"LONG"}}` + "\n" +
		`{"jsonrpc":"2.0","id":2,"method":"profiles.activate","params":{"name":"strict"}}` + "\n"
	if err := runServe(context.Background(), flags, sf, strings.NewReader(first), &bytes.Buffer{}, &bytes.Buffer{}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	var out bytes.Buffer
	second := `{"jsonrpc":"2.0","id":1,"method":"status"}` + "\n"
	if err := runServe(context.Background(), flags, sf, strings.NewReader(second), &out, &bytes.Buffer{}); err != nil {
		t.Fatalf("second run: %v", err)
	}

	var resp struct {
		Result struct {
			VexationIndex float64 `json:"vexation_index"`
			ActiveProfile string  `json:"active_profile"`
		} `json:"result"`
	}
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("decode %s: %v", out.String(), err)
	}
	if resp.Result.VexationIndex <= 0.3 {
		t.Errorf("vexation_index = %v, want replayed stress", resp.Result.VexationIndex)
	}
	if resp.Result.ActiveProfile != "strict" {
		t.Errorf("active_profile = %q, want strict", resp.Result.ActiveProfile)
	}
}

func TestREPL(t *testing.T) {
	flags, _ := writeTestConfig(t)
	cfg, logger, err := loadConfig(flags, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()
	go a.sink.Run(ctx)

	in := strings.Join([]string{
		"hello there",
		"please reboot",
		"forbid foo,bar a foo b",
		"profiles",
		"use nope",
		"stress 0.2 short",
		"feedback CRASH left | next | world",
		"feedback BOGUS",
		"exit",
		"never reached",
	}, "\n")
	var out bytes.Buffer
	runREPL(ctx, a.orch, strings.NewReader(in), &out)

	got := out.String()
	for _, want := range []string{
		"ACCEPTED (seq=1)",
		"REJECTED (seq=2): Constraint violation detected: reboot",
		"REJECTED: Constraint violation detected: foo",
		"* default",
		"error: profile not found",
		"index: ",
		"Feedback submitted: CRASH",
		`error: invalid report_type "BOGUS"`,
		"Goodbye.",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "never reached") {
		t.Error("REPL continued after exit")
	}
}

func TestBuildPool(t *testing.T) {
	logger := logging.Discard()

	pool, closer, err := buildPool(config.FeedbackConfig{Pool: config.PoolLog}, logger)
	if err != nil || closer != nil {
		t.Fatalf("log pool: %v", err)
	}
	if _, ok := pool.(*feedback.LogPool); !ok {
		t.Errorf("pool = %T, want *feedback.LogPool", pool)
	}

	gh := config.FeedbackConfig{Pool: config.PoolGitHub, GitHub: config.GitHubConfig{Token: "t", Owner: "o", Repo: "r"}}
	if _, _, err := buildPool(gh, logger); err != nil {
		t.Errorf("github pool: %v", err)
	}

	wh := config.FeedbackConfig{Pool: config.PoolWebhook, Webhook: config.WebhookConfig{URL: "https://feedback.example.com/r", AllowedDomains: []string{"feedback.example.com"}}}
	if _, _, err := buildPool(wh, logger); err != nil {
		t.Errorf("webhook pool: %v", err)
	}
	wh.Webhook.AllowedDomains = []string{"other.example.com"}
	if _, _, err := buildPool(wh, logger); err == nil {
		t.Error("expected error for webhook outside the allowlist")
	}

	if _, _, err := buildPool(config.FeedbackConfig{Pool: "carrier-pigeon"}, logger); err == nil {
		t.Error("expected error for unknown pool")
	}
}

func TestInspectorPort(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		port    int
		flags   serveFlags
		want    int
	}{
		{"disabled", false, 4200, serveFlags{}, 0},
		{"config", true, 5000, serveFlags{}, 5000},
		{"config default port", true, 0, serveFlags{}, 4200},
		{"flag overrides", false, 0, serveFlags{inspectorPort: 6000}, 6000},
		{"no-inspector wins", true, 5000, serveFlags{noInspector: true, inspectorPort: 6000}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inspectorPort(tt.enabled, tt.port, &tt.flags); got != tt.want {
				t.Errorf("inspectorPort = %d, want %d", got, tt.want)
			}
		})
	}
}
