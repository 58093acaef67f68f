package cli

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/treykane/omega/internal/events"
	"github.com/treykane/omega/internal/security"
)

func TestConfigPathAndShow(t *testing.T) {
	xdg := setupConfigForCLI(t, "")

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"config", "path"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if strings.TrimSpace(out) != filepath.Join(xdg, "omega", "config.yaml") {
		t.Fatalf("unexpected config path: %q", out)
	}

	cmd = NewRootCommand()
	cmd.SetArgs([]string{"config", "show"})
	out, err = captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "command_timeout_seconds: 30") {
		t.Fatalf("expected defaults in config show, got: %s", out)
	}
}

func TestTunnelProvidersListsDefaults(t *testing.T) {
	setupConfigForCLI(t, "")
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"tunnel", "providers"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("providers: %v", err)
	}
	for _, id := range []string{"cloudflare", "ngrok", "localtunnel", "serveo"} {
		if !strings.Contains(out, id) {
			t.Fatalf("expected %s in providers output, got: %s", id, out)
		}
	}
}

func TestTunnelStatusJSONWithoutSupervisor(t *testing.T) {
	setupConfigForCLI(t, "")
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"tunnel", "status", "--json"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var payload []map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("invalid status json: %v; output=%s", err, out)
	}
	if len(payload) != 4 {
		t.Fatalf("expected 4 providers, got %d", len(payload))
	}
	for _, rt := range payload {
		if rt["status"] != "disabled" {
			t.Fatalf("expected disabled rows without a supervisor, got %v", rt)
		}
	}
}

func TestTunnelUpPrintsURLAndRecordsDiscovery(t *testing.T) {
	setupConfigForCLI(t, fakeProviderConfig)

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"tunnel", "up", "--wait", "1500ms"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("tunnel up: %v", err)
	}
	if !strings.Contains(out, "fake https://demo.example.test") {
		t.Fatalf("expected discovered url in output, got: %s", out)
	}

	cmd = NewRootCommand()
	cmd.SetArgs([]string{"tunnel", "discoveries", "--json"})
	out, err = captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("discoveries: %v", err)
	}
	var found []map[string]any
	if err := json.Unmarshal([]byte(out), &found); err != nil {
		t.Fatalf("invalid discoveries json: %v; output=%s", err, out)
	}
	if len(found) != 1 || found[0]["url"] != "https://demo.example.test" {
		t.Fatalf("unexpected discoveries: %v", found)
	}

	cmd = NewRootCommand()
	cmd.SetArgs([]string{"tunnel", "events", "--provider", "fake", "--type", "url_discovered", "--json"})
	out, err = captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var evts []map[string]any
	if err := json.Unmarshal([]byte(out), &evts); err != nil {
		t.Fatalf("invalid events json: %v; output=%s", err, out)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one url_discovered event, got %v", evts)
	}
}

func TestTunnelUpUnknownProvider(t *testing.T) {
	setupConfigForCLI(t, fakeProviderConfig)
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"tunnel", "up", "nope", "--wait", "100ms"})
	_, err := captureStdout(func() error { return cmd.Execute() })
	if err == nil || !strings.Contains(err.Error(), "unknown tunnel provider") {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
}

func TestTunnelEventsJSONOutput(t *testing.T) {
	setupConfigForCLI(t, "")
	store := events.NewStore()
	for _, e := range []events.Event{
		{Timestamp: time.Now().UTC(), Provider: "ngrok", EventType: events.TypeStartSucceeded, Message: "started"},
		{Timestamp: time.Now().UTC(), Provider: "cloudflare", EventType: events.TypeStartFailed, Message: "not found"},
	} {
		if err := store.Append(e); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"tunnel", "events", "--provider", "ngrok", "--json"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("events json: %v", err)
	}
	var payload []map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("invalid events json: %v", err)
	}
	if len(payload) != 1 {
		t.Fatalf("expected 1 event, got %d", len(payload))
	}
	if payload[0]["event_type"] != "start_succeeded" {
		t.Fatalf("unexpected event: %v", payload[0]["event_type"])
	}
}

func TestAgentDryRun(t *testing.T) {
	setupConfigForCLI(t, "")
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"agent", "--dry-run", "list", "files"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	if !strings.Contains(out, "ls -la") || !strings.Contains(out, "(not executed)") {
		t.Fatalf("unexpected dry-run output: %s", out)
	}
}

func TestAgentBlocksDangerousDirectCommand(t *testing.T) {
	setupConfigForCLI(t, "")
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"agent", "--json", "/cmd", "rm", "-rf", "/"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	var reply map[string]any
	if err := json.Unmarshal([]byte(out), &reply); err != nil {
		t.Fatalf("invalid agent json: %v; output=%s", err, out)
	}
	if reply["text"] != security.BlockedMessage {
		t.Fatalf("expected blocked message, got %v", reply["text"])
	}
	result, _ := reply["result"].(map[string]any)
	if result["blocked"] != true || result["exit_code"] != float64(-1) {
		t.Fatalf("unexpected result: %v", result)
	}
}

func TestDoctorJSONOutput(t *testing.T) {
	setupConfigForCLI(t, "inference:\n  base_url: http://127.0.0.1:1\n")
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"doctor", "--json"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("doctor json: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("invalid doctor json: %v", err)
	}
	if _, ok := payload["issues"]; !ok {
		t.Fatalf("expected issues key in doctor output: %s", out)
	}
}

const fakeProviderConfig = `tunnel:
  url_timeout_seconds: 5
  auto_restart: false
  providers:
    - id: fake
      name: Fake
      command: ["sh", "-c", "echo starting; echo https://demo.example.test; sleep 30"]
      url_pattern: 'https://[a-z.]+\.test'
      priority: 1
      enabled: true
`

func captureStdout(fn func() error) (string, error) {
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		return "", err
	}
	os.Stdout = w
	done := make(chan []byte)
	go func() {
		b, _ := io.ReadAll(r)
		done <- b
	}()
	runErr := fn()
	_ = w.Close()
	os.Stdout = orig
	return string(<-done), runErr
}

// setupConfigForCLI isolates the config directory and optionally writes
// config.yaml. It returns the XDG_CONFIG_HOME in use.
func setupConfigForCLI(t *testing.T, configYAML string) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	if configYAML == "" {
		return xdg
	}
	dir := filepath.Join(xdg, "omega")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(configYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	return xdg
}
