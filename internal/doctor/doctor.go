package doctor

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/treykane/omega/internal/appconfig"
	"github.com/treykane/omega/internal/inference"
	"github.com/treykane/omega/internal/interpreter"
	"github.com/treykane/omega/internal/model"
	"github.com/treykane/omega/internal/security"
	"github.com/treykane/omega/internal/store"
	"github.com/treykane/omega/internal/tunnel"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// Pinger reports whether the inference server answers.
type Pinger interface {
	Version(ctx context.Context) (string, error)
}

const pingTimeout = 3 * time.Second

// Run loads config.yaml and executes local diagnostics against it.
func Run(ctx context.Context) (Report, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return Report{Issues: []Issue{{
			Severity:       SeverityHigh,
			Check:          "config",
			Target:         "config.yaml",
			Message:        err.Error(),
			Recommendation: "fix config.yaml or move it aside to regenerate defaults",
		}}}, nil
	}
	return Check(ctx, cfg, inference.NewClient(cfg.Inference)), nil
}

// Check runs every diagnostic against cfg. A nil pinger skips the
// inference check.
func Check(ctx context.Context, cfg appconfig.Config, pinger Pinger) Report {
	var issues []Issue
	issues = append(issues, providerIssues(cfg.Tunnel.Providers)...)
	issues = append(issues, duplicatePriorityIssues(cfg.Tunnel.Providers)...)

	if _, err := interpreter.Compile(cfg.Agent.RuleSpecs()); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "agent-rules",
			Target:         "agent.rules",
			Message:        err.Error(),
			Recommendation: "fix the rule patterns or remove agent.rules to use the built-in table",
		})
	}

	if pinger != nil {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		_, err := pinger.Version(pctx)
		cancel()
		if err != nil {
			msg := security.UserMessage(err, true)
			issues = append(issues, Issue{
				Severity:       SeverityMedium,
				Check:          "inference",
				Target:         cfg.Inference.BaseURL,
				Message:        msg,
				Recommendation: "start Ollama or point inference.base_url at a running server; agent commands still work without it",
			})
		}
	}

	issues = append(issues, storageIssues(ctx, cfg)...)
	issues = append(issues, runtimeIssues()...)

	if audit, err := security.RunLocalAudit(); err == nil {
		for _, f := range audit.Findings {
			sev := SeverityLow
			if f.Severity == security.SeverityMedium {
				sev = SeverityMedium
			}
			if f.Severity == security.SeverityHigh {
				sev = SeverityHigh
			}
			issues = append(issues, Issue{
				Severity:       sev,
				Check:          "security-audit",
				Target:         f.Target,
				Message:        f.Message,
				Recommendation: f.Recommendation,
			})
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	return Report{Issues: issues}
}

func providerIssues(providers []model.ProviderSpec) []Issue {
	var issues []Issue
	usable := 0
	enabled := 0
	for _, p := range providers {
		if _, err := regexp.Compile(p.URLPattern); err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "url-pattern",
				Target:         p.ID,
				Message:        err.Error(),
				Recommendation: "fix url_pattern so it is a valid regular expression",
			})
			continue
		}
		if !p.Enabled {
			continue
		}
		enabled++
		if len(p.Command) == 0 {
			continue
		}
		if _, err := exec.LookPath(p.Command[0]); err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityMedium,
				Check:          "provider-binary",
				Target:         p.ID,
				Message:        fmt.Sprintf("%s not found on PATH", p.Command[0]),
				Recommendation: fmt.Sprintf("install %s or set enabled: false for provider %s", p.Command[0], p.ID),
			})
			continue
		}
		usable++
	}
	if enabled > 0 && usable == 0 {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "provider-none",
			Target:         "tunnel.providers",
			Message:        "no enabled tunnel provider can be launched",
			Recommendation: "install at least one provider binary",
		})
	}
	return issues
}

func duplicatePriorityIssues(providers []model.ProviderSpec) []Issue {
	seen := map[int][]string{}
	for _, p := range providers {
		if p.Enabled {
			seen[p.Priority] = append(seen[p.Priority], p.ID)
		}
	}
	var issues []Issue
	for prio, ids := range seen {
		if len(ids) < 2 {
			continue
		}
		sort.Strings(ids)
		issues = append(issues, Issue{
			Severity:       SeverityLow,
			Check:          "duplicate-priority",
			Target:         strings.Join(ids, ","),
			Message:        fmt.Sprintf("providers share priority %d; their order in the active list falls back to id", prio),
			Recommendation: "give each provider a distinct priority",
		})
	}
	return issues
}

func storageIssues(ctx context.Context, cfg appconfig.Config) []Issue {
	path, err := cfg.DatabasePath()
	if err == nil {
		var st *store.Store
		st, err = store.Open(path)
		if err == nil {
			err = st.Ping(ctx)
			_ = st.Close()
		}
	}
	if err == nil {
		return nil
	}
	return []Issue{{
		Severity:       SeverityHigh,
		Check:          "storage",
		Target:         path,
		Message:        err.Error(),
		Recommendation: "make the database directory writable or set storage.path",
	}}
}

func runtimeIssues() []Issue {
	path, err := appconfig.RuntimeFilePath()
	if err != nil {
		return nil
	}
	snap, err := tunnel.LoadSnapshot(path)
	if err != nil {
		return []Issue{{
			Severity:       SeverityMedium,
			Check:          "runtime-state",
			Target:         path,
			Message:        err.Error(),
			Recommendation: "delete runtime.json; it is rewritten by the next supervisor",
		}}
	}
	var issues []Issue
	for _, rt := range snap {
		if rt.Status != model.TunnelFailed {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "runtime-failed",
			Target:         rt.Provider,
			Message:        "last run failed: " + rt.LastError,
			Recommendation: "inspect with `omega tunnel events --provider " + rt.Provider + "`",
		})
	}
	return issues
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
