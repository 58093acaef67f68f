package security

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// BlockedMessage is the only text a caller ever sees for a rejected command.
const BlockedMessage = "Command blocked for security reasons"

// ErrBlocked is returned when a command is rejected before execution.
var ErrBlocked = Classify(KindRejected, BlockedMessage, nil)

// DefaultDenylist holds the destructive command forms that are always
// rejected. Patterns are matched case-insensitively against the NFKC
// normalised command with runs of whitespace collapsed to one space.
//
// This is a heuristic guard and not a sandbox: obfuscated, encoded or
// indirect forms (scripts, variables, aliases) can get past it.
var DefaultDenylist = []string{
	// recursive or root-level deletion
	`\brm\s+(?:-\S+\s+)*(?:/|/\*|~/?|\$home/?)(?:\s|;|&|\||$)`,
	`--no-preserve-root`,
	// shutdown, reboot, halt
	`(?:^|[;&|(]\s*|\bsudo\s+|\bexec\s+|/s?bin/)(?:shutdown|reboot|halt|poweroff)\b`,
	`\binit\s+[06]\b`,
	`\bsystemctl\s+(?:poweroff|reboot|halt|kexec)\b`,
	// filesystem formatting
	`\bmkfs(?:\.\w+)?\b`,
	`\bmke2fs\b`,
	`\bmkswap\s+/dev/`,
	`\bwipefs\b`,
	`\bfdisk\s+/dev/`,
	`\bparted\s+/dev/`,
	// raw block-device writes
	`\bdd\b[^;&|]*\bof=/dev/(?:sd|hd|vd|xvd|nvme|mmcblk|disk|loop|md|dm-)`,
	`>\s*/dev/(?:sd|hd|vd|xvd|nvme|mmcblk|disk)`,
	`\bshred\b[^;&|]*/dev/`,
	// fork bombs
	`:\s*\(\s*\)\s*\{[^}]*:\s*\|\s*:`,
	`\b(\w+)\s*\(\s*\)\s*\{\s*\w+\s*\|\s*\w+\s*&\s*\}\s*;`,
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Filter is a denylist gate for shell commands. The zero value allows
// everything; use NewFilter.
type Filter struct {
	patterns []*regexp.Regexp
}

// NewFilter compiles DefaultDenylist plus any extra patterns.
func NewFilter(extra ...string) (*Filter, error) {
	all := make([]string, 0, len(DefaultDenylist)+len(extra))
	all = append(all, DefaultDenylist...)
	all = append(all, extra...)
	f := &Filter{patterns: make([]*regexp.Regexp, 0, len(all))}
	for _, p := range all {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile denylist pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

var defaultFilter = mustFilter()

func mustFilter() *Filter {
	f, err := NewFilter()
	if err != nil {
		panic(err)
	}
	return f
}

// IsSafe reports whether command passes the default denylist.
func IsSafe(command string) bool {
	return defaultFilter.IsSafe(command)
}

// IsSafe reports whether command matches none of the filter's patterns.
func (f *Filter) IsSafe(command string) bool {
	_, blocked := f.Match(command)
	return !blocked
}

// Check returns an error wrapping ErrBlocked when command matches the
// denylist. Its Error text names the pattern for logs; UserMessage gives
// only BlockedMessage.
func (f *Filter) Check(command string) error {
	if pattern, blocked := f.Match(command); blocked {
		return fmt.Errorf("matched %s: %w", pattern, ErrBlocked)
	}
	return nil
}

// Match returns the first denylist pattern that command matches.
// The pattern is for server-side logs only and must not be shown to users.
func (f *Filter) Match(command string) (string, bool) {
	if f == nil {
		return "", false
	}
	normalized := NormalizeCommand(command)
	for _, re := range f.patterns {
		if re.MatchString(normalized) {
			return re.String(), true
		}
	}
	return "", false
}

// NormalizeCommand folds compatibility characters (fullwidth letters,
// ligatures) to their canonical form, lowercases and collapses whitespace.
func NormalizeCommand(command string) string {
	s := norm.NFKC.String(command)
	s = strings.ToLower(s)
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
