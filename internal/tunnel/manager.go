// Package tunnel supervises the external tunnel provider processes that expose
// the local server publicly, and tracks which public URLs are live.
package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/treykane/omega/internal/appconfig"
	"github.com/treykane/omega/internal/events"
	"github.com/treykane/omega/internal/model"
	"github.com/treykane/omega/internal/security"
)

// ErrUnknownProvider is returned for ids missing from the provider table.
var ErrUnknownProvider = errors.New("unknown tunnel provider")

// DiscoveryRecorder receives one record per newly discovered URL.
type DiscoveryRecorder interface {
	RecordDiscovery(ctx context.Context, d model.Discovery) error
}

// Journal receives lifecycle events.
type Journal interface {
	Append(evt events.Event) error
}

// RestartPolicy controls relaunching after an unexpected exit. A run that
// stayed up for StableWindow resets the attempt counter.
type RestartPolicy struct {
	Enabled      bool
	MaxAttempts  int
	Backoff      time.Duration
	StableWindow time.Duration
}

// Manager is the single owner of provider runtime state. Monitor goroutines
// write to it through its methods; every reader gets a copy.
type Manager struct {
	mu       sync.Mutex
	launcher Launcher
	specs    map[string]model.ProviderSpec
	order    []string
	patterns map[string]*regexp.Regexp
	runtime  map[string]model.TunnelRuntime
	runs     map[string]*run
	pending  map[string]pendingRestart
	attempts map[string]int
	seq      uint64

	recorder   DiscoveryRecorder
	journal    Journal
	urlTimeout time.Duration
	policy     RestartPolicy
	statePath  string
	persistMu  sync.Mutex
	now        func() time.Time
}

type run struct {
	seq    uint64
	proc   *Process
	cancel context.CancelFunc
	done   chan struct{}
}

type pendingRestart struct {
	seq   uint64
	timer *time.Timer
}

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder sets where discovered URLs are recorded.
func WithRecorder(r DiscoveryRecorder) Option { return func(m *Manager) { m.recorder = r } }

// WithJournal sets the lifecycle event sink.
func WithJournal(j Journal) Option { return func(m *Manager) { m.journal = j } }

// WithURLTimeout bounds the wait for a provider's first URL. Zero disables it.
func WithURLTimeout(d time.Duration) Option { return func(m *Manager) { m.urlTimeout = d } }

// WithRestartPolicy enables relaunching after unexpected exits.
func WithRestartPolicy(p RestartPolicy) Option { return func(m *Manager) { m.policy = p } }

// WithStateFile overrides where the runtime snapshot is written. An empty
// path disables the snapshot file.
func WithStateFile(path string) Option {
	return func(m *Manager) { m.statePath = path }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager creates a supervisor for specs. Specs are validated and their
// URL patterns compiled up front.
func NewManager(launcher Launcher, specs []model.ProviderSpec, opts ...Option) (*Manager, error) {
	m := &Manager{
		launcher: launcher,
		specs:    make(map[string]model.ProviderSpec, len(specs)),
		patterns: make(map[string]*regexp.Regexp, len(specs)),
		runtime:  make(map[string]model.TunnelRuntime),
		runs:     make(map[string]*run),
		pending:  make(map[string]pendingRestart),
		attempts: make(map[string]int),
		now:      time.Now,
	}
	if path, err := appconfig.RuntimeFilePath(); err == nil {
		m.statePath = path
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, errors.New("provider id is required")
		}
		if _, dup := m.specs[spec.ID]; dup {
			return nil, fmt.Errorf("duplicate provider id: %s", spec.ID)
		}
		if len(spec.Command) == 0 {
			return nil, fmt.Errorf("provider %s: command is required", spec.ID)
		}
		if spec.URLPattern == "" {
			return nil, fmt.Errorf("provider %s: url pattern is required", spec.ID)
		}
		re, err := regexp.Compile(spec.URLPattern)
		if err != nil {
			return nil, fmt.Errorf("provider %s: compile url pattern: %w", spec.ID, err)
		}
		m.specs[spec.ID] = spec
		m.patterns[spec.ID] = re
		m.order = append(m.order, spec.ID)
	}
	sort.SliceStable(m.order, func(i, j int) bool {
		return m.specs[m.order[i]].Priority < m.specs[m.order[j]].Priority
	})
	return m, nil
}

// Providers returns the configured specs in priority order.
func (m *Manager) Providers() []model.ProviderSpec {
	out := make([]model.ProviderSpec, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.specs[id])
	}
	return out
}

// StartAll launches every enabled provider in priority order. Each provider
// gets its own monitor goroutine; a failing provider does not stop the
// others. The returned error joins every launch failure.
func (m *Manager) StartAll() error {
	var errs []error
	for _, id := range m.order {
		if !m.specs[id].Enabled {
			slog.Debug("tunnel provider disabled", "provider", id)
			continue
		}
		if _, err := m.Start(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start launches one provider. Starting a provider that is already running
// returns its current state.
func (m *Manager) Start(id string) (model.TunnelRuntime, error) {
	m.mu.Lock()
	spec, ok := m.specs[id]
	if !ok {
		m.mu.Unlock()
		return model.TunnelRuntime{}, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	if _, running := m.runs[id]; running {
		rt := m.runtime[id]
		m.mu.Unlock()
		slog.Info("tunnel provider already running", "provider", id, "status", rt.Status)
		return m.withUptime(rt), nil
	}
	m.cancelPendingLocked(id)
	m.attempts[id] = 0
	m.mu.Unlock()
	return m.launch(spec)
}

func (m *Manager) launch(spec model.ProviderSpec) (model.TunnelRuntime, error) {
	id := spec.ID
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.seq++
	r := &run{seq: m.seq, cancel: cancel, done: make(chan struct{})}
	rt := model.TunnelRuntime{
		Provider:  id,
		Name:      spec.DisplayName(),
		Priority:  spec.Priority,
		Status:    model.TunnelStarting,
		StartedAt: m.now(),
		Restarts:  m.runtime[id].Restarts,
	}
	m.runtime[id] = rt
	m.runs[id] = r
	m.mu.Unlock()
	m.record(events.Event{Provider: id, EventType: events.TypeStartRequested, Status: rt.Status})

	proc, err := m.launcher.Launch(ctx, spec)

	m.mu.Lock()
	if m.runs[id] != r {
		// Stopped while launching.
		m.mu.Unlock()
		cancel()
		_ = proc.Stop()
		close(r.done)
		return m.Get(id)
	}
	if err != nil {
		rt.Status = model.TunnelFailed
		rt.LastError = err.Error()
		m.runtime[id] = rt
		delete(m.runs, id)
		m.mu.Unlock()
		cancel()
		close(r.done)
		slog.Warn("tunnel provider failed to start", "provider", id, "error", err)
		m.record(events.Event{Provider: id, EventType: events.TypeStartFailed, Status: rt.Status, Message: err.Error()})
		m.persistOrWarn("start error")
		return rt, security.Classify(security.KindLaunch, fmt.Sprintf("start %s: %s", id, security.RedactMessage(err.Error())), err)
	}
	r.proc = proc
	rt.Status = model.TunnelURLPending
	rt.PID = proc.PID()
	m.runtime[id] = rt
	m.mu.Unlock()

	slog.Info("tunnel provider started", "provider", id, "pid", rt.PID)
	m.record(events.Event{Provider: id, EventType: events.TypeStartSucceeded, Status: rt.Status, PID: rt.PID})
	m.persistOrWarn("start")
	go m.monitor(spec, r)
	return m.withUptime(rt), nil
}

// exitDrain bounds how long output buffered before an exit is still read.
// A child the provider left behind can hold the stream open indefinitely.
const exitDrain = 200 * time.Millisecond

// monitor drains one run's output. Only lines seen before the first URL
// match are inspected; later output is read and discarded so the provider
// never blocks on a full pipe. The run ends when the process exits, not when
// the stream does.
func (m *Manager) monitor(spec model.ProviderSpec, r *run) {
	defer close(r.done)
	if m.urlTimeout > 0 {
		t := time.AfterFunc(m.urlTimeout, func() { m.urlTimedOut(spec.ID, r.seq) })
		defer t.Stop()
	}
	re := m.patterns[spec.ID]
	lines := readLines(r.proc)

	for lines != nil {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			m.observe(spec, r.seq, re, line)
		case <-r.proc.Done():
			drain := time.NewTimer(exitDrain)
			for lines != nil {
				select {
				case line, ok := <-lines:
					if !ok {
						lines = nil
						continue
					}
					m.observe(spec, r.seq, re, line)
				case <-drain.C:
					lines = nil
				}
			}
			drain.Stop()
		}
	}
	waitErr := r.proc.Wait()
	// Releases the stream and kills leftovers, which also ends readLines.
	_ = r.proc.Stop()
	m.exited(spec, r, waitErr)
}

// readLines feeds proc's output to a channel that is closed at end of
// stream. The sender gives up once proc is stopped and nobody is reading.
func readLines(proc *Process) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for {
			line, err := proc.ReadLine()
			if err != nil {
				return
			}
			select {
			case out <- line:
			case <-proc.stopped:
				return
			}
		}
	}()
	return out
}

func (m *Manager) observe(spec model.ProviderSpec, seq uint64, re *regexp.Regexp, line string) {
	m.mu.Lock()
	cur := m.runs[spec.ID]
	if cur == nil || cur.seq != seq {
		m.mu.Unlock()
		return
	}
	rt := m.runtime[spec.ID]
	rt.LastOutputAt = m.now()
	if rt.URL != "" || (rt.Status != model.TunnelURLPending && rt.Status != model.TunnelRunning) {
		m.runtime[spec.ID] = rt
		m.mu.Unlock()
		return
	}
	url := re.FindString(line)
	if url == "" {
		m.runtime[spec.ID] = rt
		m.mu.Unlock()
		slog.Debug("tunnel output", "provider", spec.ID, "line", line)
		return
	}
	rt.URL = url
	rt.Status = model.TunnelURLFound
	rt.LastError = ""
	m.runtime[spec.ID] = rt
	m.mu.Unlock()

	slog.Info("tunnel url discovered", "provider", spec.ID, "url", url)
	m.record(events.Event{Provider: spec.ID, EventType: events.TypeURLDiscovered, Status: rt.Status, URL: url, PID: rt.PID})
	if m.recorder != nil {
		d := model.Discovery{Provider: spec.ID, URL: url, DiscoveredAt: rt.LastOutputAt}
		if err := m.recorder.RecordDiscovery(context.Background(), d); err != nil {
			slog.Warn("failed to record tunnel discovery", "provider", spec.ID, "error", err)
		}
	}
	m.persistOrWarn("url discovery")
}

func (m *Manager) urlTimedOut(id string, seq uint64) {
	m.mu.Lock()
	cur := m.runs[id]
	rt := m.runtime[id]
	if cur == nil || cur.seq != seq || rt.Status != model.TunnelURLPending {
		m.mu.Unlock()
		return
	}
	rt.Status = model.TunnelRunning
	rt.LastError = fmt.Sprintf("no public URL within %s", m.urlTimeout)
	m.runtime[id] = rt
	m.mu.Unlock()

	slog.Warn("tunnel provider produced no url", "provider", id, "timeout", m.urlTimeout)
	m.record(events.Event{Provider: id, EventType: events.TypeURLTimeout, Status: rt.Status, Message: rt.LastError, PID: rt.PID})
	m.persistOrWarn("url timeout")
}

func (m *Manager) exited(spec model.ProviderSpec, r *run, waitErr error) {
	id := spec.ID
	m.mu.Lock()
	if m.runs[id] != r {
		m.mu.Unlock()
		return
	}
	delete(m.runs, id)
	r.cancel()
	rt := m.runtime[id]
	uptime := m.now().Sub(rt.StartedAt)
	rt.Status = model.TunnelFailed
	rt.URL = ""
	rt.PID = 0
	rt.LastError = "process exited"
	if waitErr != nil {
		rt.LastError = "process exited: " + waitErr.Error()
	}
	m.runtime[id] = rt

	var backoff time.Duration
	attempt := 0
	if m.policy.Enabled {
		if m.policy.StableWindow > 0 && uptime >= m.policy.StableWindow {
			m.attempts[id] = 0
		}
		if m.attempts[id] < m.policy.MaxAttempts {
			m.attempts[id]++
			attempt = m.attempts[id]
			backoff = m.policy.Backoff
			m.seq++
			seq := m.seq
			m.pending[id] = pendingRestart{
				seq:   seq,
				timer: time.AfterFunc(backoff, func() { m.restartAfterBackoff(id, seq) }),
			}
		}
	}
	m.mu.Unlock()

	slog.Warn("tunnel provider exited", "provider", id, "error", rt.LastError, "uptime", uptime.Round(time.Second))
	m.record(events.Event{Provider: id, EventType: events.TypeProcessExited, Status: rt.Status, Message: rt.LastError})
	if attempt > 0 {
		msg := fmt.Sprintf("attempt %d/%d in %s", attempt, m.policy.MaxAttempts, backoff)
		slog.Info("tunnel provider restart scheduled", "provider", id, "attempt", attempt, "backoff", backoff)
		m.record(events.Event{Provider: id, EventType: events.TypeRestartScheduled, Status: rt.Status, Message: msg})
	}
	m.persistOrWarn("process exit")
}

func (m *Manager) restartAfterBackoff(id string, seq uint64) {
	m.mu.Lock()
	p, ok := m.pending[id]
	if !ok || p.seq != seq {
		m.mu.Unlock()
		return
	}
	delete(m.pending, id)
	if _, running := m.runs[id]; running {
		m.mu.Unlock()
		return
	}
	rt := m.runtime[id]
	rt.Restarts++
	m.runtime[id] = rt
	spec := m.specs[id]
	m.mu.Unlock()
	if _, err := m.launch(spec); err != nil {
		slog.Warn("tunnel provider restart failed", "provider", id, "error", err)
	}
}

func (m *Manager) cancelPendingLocked(id string) {
	if p, ok := m.pending[id]; ok {
		p.timer.Stop()
		delete(m.pending, id)
	}
}

// Stop terminates a provider and withdraws its URL. It waits for the
// monitor goroutine to finish. Stopping an already stopped provider is not an
// error.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	spec, ok := m.specs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	r := m.runs[id]
	delete(m.runs, id)
	_, hadPending := m.pending[id]
	m.cancelPendingLocked(id)
	rt, known := m.runtime[id]
	if !known {
		rt = idle(spec)
	}
	changed := r != nil || hadPending || rt.Status != model.TunnelStopped
	rt.Status = model.TunnelStopped
	rt.URL = ""
	rt.PID = 0
	m.runtime[id] = rt
	m.mu.Unlock()

	if r != nil {
		r.cancel()
		_ = r.proc.Stop()
		<-r.done
	}
	if changed {
		slog.Info("tunnel provider stopped", "provider", id)
		m.record(events.Event{Provider: id, EventType: events.TypeStopped, Status: model.TunnelStopped})
		m.persistOrWarn("stop")
	}
	return nil
}

// Restart stops and starts a provider, resetting its restart budget.
func (m *Manager) Restart(id string) (model.TunnelRuntime, error) {
	if err := m.Stop(id); err != nil {
		return model.TunnelRuntime{}, err
	}
	return m.Start(id)
}

// StopAll stops every provider that is running or waiting to restart.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.runs)+len(m.pending))
	for id := range m.runs {
		ids = append(ids, id)
	}
	for id := range m.pending {
		if _, ok := m.runs[id]; !ok {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = m.Stop(id)
		}(id)
	}
	wg.Wait()
}

// Get retrieves a provider's current runtime state.
func (m *Manager) Get(id string) (model.TunnelRuntime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.specs[id]
	if !ok {
		return model.TunnelRuntime{}, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	rt, ok := m.runtime[id]
	if !ok {
		return idle(spec), nil
	}
	return m.withUptime(rt), nil
}

// Active returns the providers that currently advertise a URL, ordered by
// ascending priority.
func (m *Manager) Active() []model.ActiveTunnel {
	m.mu.Lock()
	out := make([]model.ActiveTunnel, 0, len(m.runtime))
	for _, rt := range m.runtime {
		if rt.Status != model.TunnelURLFound || rt.URL == "" {
			continue
		}
		out = append(out, model.ActiveTunnel{Provider: rt.Provider, Name: rt.Name, URL: rt.URL, Priority: rt.Priority})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}

// Snapshot returns every configured provider's state in priority order.
// Providers that were never started are reported as disabled.
func (m *Manager) Snapshot() []model.TunnelRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.TunnelRuntime, 0, len(m.order))
	for _, id := range m.order {
		rt, ok := m.runtime[id]
		if !ok {
			out = append(out, idle(m.specs[id]))
			continue
		}
		out = append(out, m.withUptime(rt))
	}
	return out
}

func idle(spec model.ProviderSpec) model.TunnelRuntime {
	return model.TunnelRuntime{
		Provider: spec.ID,
		Name:     spec.DisplayName(),
		Priority: spec.Priority,
		Status:   model.TunnelDisabled,
	}
}

func (m *Manager) withUptime(rt model.TunnelRuntime) model.TunnelRuntime {
	if rt.Status.Live() && !rt.StartedAt.IsZero() {
		rt.UptimeSec = int64(m.now().Sub(rt.StartedAt).Seconds())
	} else {
		rt.UptimeSec = 0
	}
	return rt
}

func (m *Manager) record(evt events.Event) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Append(evt); err != nil {
		slog.Warn("failed to append tunnel event", "provider", evt.Provider, "event", evt.EventType, "error", err)
	}
}

func (m *Manager) persistOrWarn(after string) {
	if err := m.persist(); err != nil {
		slog.Warn("failed to persist tunnel state after "+after, "error", err)
	}
}

func (m *Manager) persist() error {
	if m.statePath == "" {
		return nil
	}
	// Snapshot under persistMu so the last writer also holds the newest state.
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	b, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.statePath), 0o700); err != nil {
		return err
	}
	tmp := m.statePath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.statePath)
}

// LoadSnapshot reads the runtime file written by a supervisor in another
// process. Entries whose process is gone are reported as stopped.
func LoadSnapshot(path string) ([]model.TunnelRuntime, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var arr []model.TunnelRuntime
	if err := json.Unmarshal(b, &arr); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, rt := range arr {
		if rt.Status.Live() && !processAlive(rt.PID) {
			rt.Status = model.TunnelStopped
			rt.URL = ""
			rt.PID = 0
			rt.UptimeSec = 0
			arr[i] = rt
		}
	}
	return arr, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
