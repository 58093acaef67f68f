package security

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/treykane/omega/internal/appconfig"
	"github.com/treykane/omega/internal/util"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type AuditReport struct {
	Findings []Finding `json:"findings"`
}

func (r AuditReport) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// RunLocalAudit inspects omega's config posture and on-disk file permissions.
func RunLocalAudit() (AuditReport, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return AuditReport{}, err
	}

	var findings []Finding
	if !util.IsLoopbackListen(cfg.Server.Listen) {
		findings = append(findings, Finding{
			Severity:       SeverityHigh,
			Target:         "config.yaml",
			Message:        fmt.Sprintf("HTTP API listens on %s; agent mode runs shell commands for any caller that can reach it", cfg.Server.Listen),
			Recommendation: "set server.listen to a loopback address and reach it through a tunnel provider",
		})
	}
	if len(cfg.Agent.Markers) > 0 {
		findings = append(findings, Finding{
			Severity:       SeverityLow,
			Target:         "config.yaml",
			Message:        fmt.Sprintf("direct command markers are enabled (%s); the denylist is the only gate for them", strings.Join(quoteAll(cfg.Agent.Markers), ", ")),
			Recommendation: "set agent.markers to [] to restrict agent mode to the rule table",
		})
	}
	if _, err := NewFilter(cfg.Agent.ExtraDenylist...); err != nil {
		findings = append(findings, Finding{
			Severity:       SeverityHigh,
			Target:         "config.yaml",
			Message:        err.Error(),
			Recommendation: "fix agent.extra_denylist so every entry is a valid regular expression",
		})
	}
	if !filepath.IsAbs(cfg.Agent.Shell) {
		findings = append(findings, Finding{
			Severity:       SeverityLow,
			Target:         "config.yaml",
			Message:        fmt.Sprintf("agent.shell %q is resolved through PATH", cfg.Agent.Shell),
			Recommendation: "use an absolute shell path such as /bin/sh",
		})
	}

	cfgDir, err := appconfig.ConfigDir()
	if err == nil {
		checkPathPerm(&findings, cfgDir, 0o700, false)
		checkPathPerm(&findings, filepath.Join(cfgDir, "config.yaml"), 0o600, true)
		checkPathPerm(&findings, filepath.Join(cfgDir, "runtime.json"), 0o600, true)
		checkPathPerm(&findings, filepath.Join(cfgDir, "events.jsonl"), 0o600, true)
	}
	if dbPath, err := cfg.DatabasePath(); err == nil {
		checkPathPerm(&findings, dbPath, 0o600, true)
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return severityRank(findings[i].Severity) > severityRank(findings[j].Severity)
		}
		if findings[i].Target != findings[j].Target {
			return findings[i].Target < findings[j].Target
		}
		return findings[i].Message < findings[j].Message
	})
	return AuditReport{Findings: findings}, nil
}

func quoteAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
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

func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityLow,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode > max {
		kind := "directory"
		if isFile {
			kind = "file"
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityMedium,
			Target:         path,
			Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
			Recommendation: fmt.Sprintf("restrict permissions to %#o or tighter", max),
		})
	}
}
