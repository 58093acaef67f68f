package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/treykane/omega/internal/agent"
	"github.com/treykane/omega/internal/appconfig"
	"github.com/treykane/omega/internal/events"
	"github.com/treykane/omega/internal/executor"
	"github.com/treykane/omega/internal/inference"
	"github.com/treykane/omega/internal/interpreter"
	"github.com/treykane/omega/internal/search"
	"github.com/treykane/omega/internal/security"
	"github.com/treykane/omega/internal/server"
	"github.com/treykane/omega/internal/store"
	"github.com/treykane/omega/internal/tunnel"
)

// stack is every long-lived component built from config.yaml.
type stack struct {
	cfg     appconfig.Config
	journal *events.Store
	db      *store.Store // nil when the database cannot be opened
	llm     *inference.Client
	mgr     *tunnel.Manager
	agent   *agent.Controller
}

// openStack loads config and builds the supervisor, and the agent when
// withAgent is set. A broken database degrades to no persistence.
func openStack(withAgent bool) (*stack, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return nil, err
	}
	st := &stack{
		cfg:     cfg,
		journal: events.NewStore(),
		db:      openStore(cfg),
		llm:     inference.NewClient(cfg.Inference),
	}
	st.mgr, err = newManager(cfg, st.db, st.journal)
	if err != nil {
		st.Close()
		return nil, err
	}
	if withAgent {
		st.agent, err = newAgent(cfg, st.db, st.llm)
		if err != nil {
			st.Close()
			return nil, err
		}
	}
	return st, nil
}

func (s *stack) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("failed to close database", "error", err)
		}
	}
}

func (s *stack) server() *server.Server {
	var records server.Records
	if s.db != nil {
		records = s.db
	}
	var ag server.Agent
	if s.agent != nil {
		ag = s.agent
	}
	return server.New(server.Config{
		Listen:        s.cfg.Server.Listen,
		RatePerSecond: s.cfg.Server.RatePerSecond,
		Burst:         s.cfg.Server.Burst,
	}, s.mgr, ag, s.llm, records)
}

func openStore(cfg appconfig.Config) *store.Store {
	path, err := cfg.DatabasePath()
	if err != nil {
		slog.Warn("no database path; sessions will not be saved", "error", err)
		return nil
	}
	db, err := store.Open(path)
	if err != nil {
		slog.Warn("failed to open database; sessions will not be saved", "path", path, "error", err)
		return nil
	}
	return db
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func newManager(cfg appconfig.Config, db *store.Store, journal *events.Store) (*tunnel.Manager, error) {
	opts := []tunnel.Option{
		tunnel.WithJournal(journal),
		tunnel.WithURLTimeout(seconds(cfg.Tunnel.URLTimeoutSeconds)),
		tunnel.WithRestartPolicy(tunnel.RestartPolicy{
			Enabled:      cfg.Tunnel.AutoRestart,
			MaxAttempts:  cfg.Tunnel.RestartMaxAttempts,
			Backoff:      seconds(cfg.Tunnel.RestartBackoffSeconds),
			StableWindow: seconds(cfg.Tunnel.RestartStableWindowSeconds),
		}),
	}
	if db != nil {
		opts = append(opts, tunnel.WithRecorder(db))
	}
	return tunnel.NewManager(tunnel.ExecLauncher{}, cfg.Tunnel.Providers, opts...)
}

func newAgent(cfg appconfig.Config, db *store.Store, llm *inference.Client) (*agent.Controller, error) {
	rules, err := interpreter.Compile(cfg.Agent.RuleSpecs())
	if err != nil {
		return nil, fmt.Errorf("agent.rules: %w", err)
	}
	filter, err := security.NewFilter(cfg.Agent.ExtraDenylist...)
	if err != nil {
		return nil, fmt.Errorf("agent.extra_denylist: %w", err)
	}
	opts := []agent.Option{agent.WithSettings(agent.Settings{
		Model:        cfg.Inference.Model,
		SystemPrompt: cfg.Agent.SystemPrompt,
		Internet:     cfg.Agent.Internet,
		Learning:     cfg.Agent.Learning,
		History:      cfg.Agent.HistoryMessages,
	})}
	if db != nil {
		opts = append(opts, agent.WithStore(db))
	}
	if cfg.Agent.Internet {
		opts = append(opts, agent.WithSearcher(search.NewClient()))
	}
	return agent.New(
		interpreter.New(rules, interpreter.WithMarkers(cfg.Agent.Markers)),
		filter,
		executor.New(cfg.Agent.Shell, seconds(cfg.Agent.CommandTimeoutSeconds)),
		llm,
		opts...,
	)
}
