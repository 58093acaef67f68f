package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treykane/omega/internal/agent"
	"github.com/treykane/omega/internal/inference"
	"github.com/treykane/omega/internal/model"
	"github.com/treykane/omega/internal/store"
	"github.com/treykane/omega/internal/tunnel"
)

type fakeTunnels struct {
	mu       sync.Mutex
	runtimes map[string]model.TunnelRuntime
	startErr error
}

func newFakeTunnels() *fakeTunnels {
	return &fakeTunnels{runtimes: map[string]model.TunnelRuntime{
		"cf": {Provider: "cf", Name: "Cloudflare", Priority: 1, Status: model.TunnelURLFound, URL: "https://a.trycloudflare.com"},
		"lt": {Provider: "lt", Name: "localtunnel", Priority: 2, Status: model.TunnelStopped},
	}}
}

func (f *fakeTunnels) Active() []model.ActiveTunnel {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ActiveTunnel
	for _, rt := range f.runtimes {
		if rt.URL != "" {
			out = append(out, model.ActiveTunnel{Provider: rt.Provider, Name: rt.Name, URL: rt.URL, Priority: rt.Priority})
		}
	}
	return out
}

func (f *fakeTunnels) Snapshot() []model.TunnelRuntime {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []model.TunnelRuntime{f.runtimes["cf"], f.runtimes["lt"]}
}

func (f *fakeTunnels) Get(id string) (model.TunnelRuntime, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rt, ok := f.runtimes[id]
	if !ok {
		return model.TunnelRuntime{}, fmt.Errorf("%w: %s", tunnel.ErrUnknownProvider, id)
	}
	return rt, nil
}

func (f *fakeTunnels) Start(id string) (model.TunnelRuntime, error) {
	rt, err := f.Get(id)
	if err != nil {
		return rt, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		rt.Status = model.TunnelFailed
		return rt, f.startErr
	}
	rt.Status = model.TunnelStarting
	f.runtimes[id] = rt
	return rt, nil
}

func (f *fakeTunnels) Stop(id string) error {
	rt, err := f.Get(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rt.Status = model.TunnelStopped
	rt.URL = ""
	f.runtimes[id] = rt
	return nil
}

func (f *fakeTunnels) Restart(id string) (model.TunnelRuntime, error) {
	if err := f.Stop(id); err != nil {
		return model.TunnelRuntime{}, err
	}
	return f.Start(id)
}

type fakeAgent struct {
	mu     sync.Mutex
	turns  []agent.Turn
	chunks []string
	err    error
}

func (f *fakeAgent) HandleStream(ctx context.Context, turn agent.Turn, onChunk func(string) error) (agent.Reply, error) {
	f.mu.Lock()
	f.turns = append(f.turns, turn)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return agent.Reply{}, err
	}
	var text strings.Builder
	for _, c := range f.chunks {
		if onChunk != nil {
			if err := onChunk(c); err != nil {
				return agent.Reply{}, err
			}
		}
		text.WriteString(c)
	}
	return agent.Reply{Path: agent.PathConversation, SessionID: "s1", Text: text.String()}, nil
}

func (f *fakeAgent) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeAgent) last() agent.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turns[len(f.turns)-1]
}

type fakeModels struct{ err error }

func (f fakeModels) ModelsOrFallback(context.Context) ([]inference.Model, error) {
	if f.err != nil {
		out := make([]inference.Model, 0, len(inference.FallbackModels))
		for _, n := range inference.FallbackModels {
			out = append(out, inference.Model{Name: n, Fallback: true})
		}
		return out, f.err
	}
	return []inference.Model{{Name: "llama3:8b"}}, nil
}

type fakeRecords struct {
	mu        sync.Mutex
	learnings []store.Learning
	cleared   []string
	sessions  map[string]store.Session
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{sessions: map[string]store.Session{
		"s1": {ID: "s1", Name: "Code: Fix My Loop", Model: "llama3", MessageCount: 2},
	}}
}

func (f *fakeRecords) ListSessions(_ context.Context, limit int) ([]store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeRecords) GetSession(_ context.Context, id string) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeRecords) Messages(_ context.Context, id string, _ int) ([]store.Message, error) {
	return []store.Message{
		{SessionID: id, Role: store.RoleUser, Content: "why does my loop never end"},
		{SessionID: id, Role: store.RoleAssistant, Content: "the counter is never incremented"},
	}, nil
}

func (f *fakeRecords) UpdateSession(_ context.Context, id string, upd store.SessionUpdate) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return store.Session{}, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	if upd.Name != nil {
		s.Name = *upd.Name
	}
	if upd.Model != nil {
		s.Model = *upd.Model
	}
	if upd.SystemPrompt != nil {
		s.SystemPrompt = *upd.SystemPrompt
	}
	f.sessions[id] = s
	return s, nil
}

func (f *fakeRecords) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeRecords) ClearMessages(_ context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, id)
	return 4, nil
}

func (f *fakeRecords) LearningLogs(context.Context, int) ([]store.Learning, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Learning(nil), f.learnings...), nil
}

func (f *fakeRecords) RecordLearning(_ context.Context, l store.Learning) (store.Learning, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l.ID = int64(len(f.learnings) + 1)
	f.learnings = append(f.learnings, l)
	return l, nil
}

type harness struct {
	tunnels *fakeTunnels
	agent   *fakeAgent
	records *fakeRecords
	srv     *httptest.Server
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		tunnels: newFakeTunnels(),
		agent:   &fakeAgent{chunks: []string{"Hel", "lo"}},
		records: newFakeRecords(),
	}
	s := New(cfg, h.tunnels, h.agent, fakeModels{}, h.records)
	h.srv = httptest.NewServer(s.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	h := newHarness(t, Config{})
	resp, body := h.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["active_tunnels"])
}

func TestTunnelListings(t *testing.T) {
	h := newHarness(t, Config{})

	resp, body := h.do(t, http.MethodGet, "/api/tunnels", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	active := body["tunnels"].([]any)
	require.Len(t, active, 1)
	assert.Equal(t, "https://a.trycloudflare.com", active[0].(map[string]any)["url"])

	resp, body = h.do(t, http.MethodGet, "/api/tunnels/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["tunnels"], 2)
}

func TestTunnelActions(t *testing.T) {
	h := newHarness(t, Config{})

	resp, body := h.do(t, http.MethodPost, "/api/tunnels/lt/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(model.TunnelStarting), body["tunnel"].(map[string]any)["status"])

	resp, body = h.do(t, http.MethodPost, "/api/tunnels/cf/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(model.TunnelStopped), body["tunnel"].(map[string]any)["status"])
	assert.Empty(t, h.tunnels.Active())

	resp, _ = h.do(t, http.MethodPost, "/api/tunnels/cf/restart", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/api/tunnels/nope/start", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/api/tunnels/cf/explode", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTunnelStartFailureReportsRuntime(t *testing.T) {
	h := newHarness(t, Config{})
	h.tunnels.mu.Lock()
	h.tunnels.startErr = errors.New("exec: \"cloudflared\": executable file not found in $PATH")
	h.tunnels.mu.Unlock()

	resp, body := h.do(t, http.MethodPost, "/api/tunnels/lt/start", "")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.NotEmpty(t, body["error"])
	assert.Equal(t, string(model.TunnelFailed), body["tunnel"].(map[string]any)["status"])
}

func TestAgentEndpoint(t *testing.T) {
	h := newHarness(t, Config{})

	resp, body := h.do(t, http.MethodPost, "/api/agent", `{"text":"list files","dry_run":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Hello", body["text"])
	turn := h.agent.last()
	assert.Equal(t, "list files", turn.Text)
	assert.True(t, turn.DryRun)
	assert.False(t, turn.ConversationOnly)
}

func TestAgentEndpointRejectsBadInput(t *testing.T) {
	h := newHarness(t, Config{})

	resp, _ := h.do(t, http.MethodPost, "/api/agent", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	h.agent.fail(agent.ErrEmptyTurn)
	resp, _ = h.do(t, http.MethodPost, "/api/agent", `{"text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	h.agent.fail(fmt.Errorf("open session: %w", store.ErrNotFound))
	resp, _ = h.do(t, http.MethodPost, "/api/agent", `{"text":"hi","session_id":"gone"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatIsConversationOnly(t *testing.T) {
	h := newHarness(t, Config{})

	resp, body := h.do(t, http.MethodPost, "/api/chat", `{"message":"list files"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Hello", body["text"])
	turn := h.agent.last()
	assert.Equal(t, "list files", turn.Text)
	assert.True(t, turn.ConversationOnly)
}

func TestChatStreamsNDJSON(t *testing.T) {
	h := newHarness(t, Config{})

	resp, err := http.Post(h.srv.URL+"/api/chat", "application/json", strings.NewReader(`{"text":"hi","stream":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var lines []map[string]any
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "Hel", lines[0]["chunk"])
	assert.Equal(t, "lo", lines[1]["chunk"])
	assert.Equal(t, true, lines[2]["done"])
	assert.Equal(t, "Hello", lines[2]["reply"].(map[string]any)["text"])
}

func TestAgentRateLimitedPerClient(t *testing.T) {
	h := newHarness(t, Config{RatePerSecond: 0.01, Burst: 2})

	for i := 0; i < 2; i++ {
		resp, _ := h.do(t, http.MethodPost, "/api/agent", `{"text":"hi"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := h.do(t, http.MethodPost, "/api/agent", `{"text":"hi"}`)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "too many requests", body["error"])

	// Read-only endpoints are not limited.
	resp, _ = h.do(t, http.MethodGet, "/api/tunnels", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientLimiterSweepsIdleClients(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newClientLimiter(1, 1)
	l.now = func() time.Time { return now }

	require.True(t, l.allow("10.0.0.1"))
	require.False(t, l.allow("10.0.0.1"))
	require.True(t, l.allow("10.0.0.2"))

	now = now.Add(l.idleTTL + 2*time.Minute)
	require.True(t, l.allow("10.0.0.3"))
	assert.Len(t, l.clients, 1)
}

func TestModelsEndpoint(t *testing.T) {
	h := newHarness(t, Config{})
	resp, body := h.do(t, http.MethodGet, "/api/models", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["fallback"])

	s := New(Config{}, nil, nil, fakeModels{err: &inference.ClientError{Type: inference.ErrNotRunning, Message: "connection refused"}}, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, true, out["fallback"])
	assert.Len(t, out["models"], len(inference.FallbackModels))
	assert.Contains(t, out["error"], "Ollama")
}

func TestSessionsAndLearnings(t *testing.T) {
	h := newHarness(t, Config{})

	resp, body := h.do(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["sessions"], 1)

	resp, body = h.do(t, http.MethodPost, "/api/sessions/s1/clear", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 4, body["deleted"])
	h.records.mu.Lock()
	assert.Equal(t, []string{"s1"}, h.records.cleared)
	h.records.mu.Unlock()

	resp, _ = h.do(t, http.MethodPost, "/api/learnings", `{"session_id":"s1","user_correction":"use ls -la"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = h.do(t, http.MethodPost, "/api/learnings", `{"session_id":"s1","user_correction":"use ls -la","ai_mistake":"used dir"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.EqualValues(t, 1, body["id"])

	resp, body = h.do(t, http.MethodGet, "/api/learnings", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["learnings"], 1)
}

func TestSessionCRUD(t *testing.T) {
	h := newHarness(t, Config{})

	resp, body := h.do(t, http.MethodGet, "/api/sessions/s1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sess, _ := body["session"].(map[string]any)
	assert.Equal(t, "Code: Fix My Loop", sess["name"])
	assert.Len(t, body["messages"], 2)

	resp, body = h.do(t, http.MethodPut, "/api/sessions/s1", `{"name":"Loop bug","system_prompt":"be terse"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sess, _ = body["session"].(map[string]any)
	assert.Equal(t, "Loop bug", sess["name"])
	assert.Equal(t, "be terse", sess["system_prompt"])
	assert.Equal(t, "llama3", sess["model"])

	resp, _ = h.do(t, http.MethodPut, "/api/sessions/s1", `{"name":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = h.do(t, http.MethodPut, "/api/sessions/s1", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodDelete, "/api/sessions/s1", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		resp, body = h.do(t, method, "/api/sessions/s1", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, method)
		assert.Equal(t, "session not found", body["error"])
	}
	resp, _ = h.do(t, http.MethodPut, "/api/sessions/s1", `{"model":"mistral"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMissingDependenciesAnswerUnavailable(t *testing.T) {
	s := New(Config{}, nil, nil, nil, nil)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/tunnels"},
		{http.MethodPost, "/api/agent"},
		{http.MethodGet, "/api/models"},
		{http.MethodGet, "/api/sessions"},
	} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, strings.NewReader(`{}`)))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, tc.path)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := New(Config{}, newFakeTunnels(), nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
