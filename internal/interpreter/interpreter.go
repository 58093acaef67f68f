// Package interpreter turns agent-mode text into a shell command using an
// ordered rule table.
//
// Rules are tried in list order and the first matching pattern wins. Default
// rules overlap: "what is in the current directory" satisfies both the file
// listing rule and the working directory rule, and "list files in src" both
// the parameterised and the plain listing rule. The order of the table is
// therefore part of its behaviour and it is never turned into a map.
//
// The interpreter never decides whether a command is safe to run. Callers pass
// every produced command, including direct ones, through security.Filter.
package interpreter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DirectDescription labels commands taken verbatim after an explicit marker.
const DirectDescription = "Direct command"

// Rule is one compiled entry of the rule table.
type Rule struct {
	Patterns    []*regexp.Regexp
	Template    string
	Description string
}

// RuleSpec is the uncompiled form of a Rule, as it appears in config.
type RuleSpec struct {
	Patterns    []string
	Template    string
	Description string
}

// Interpretation is the command produced for one input.
type Interpretation struct {
	Command     string `json:"command"`
	Description string `json:"description"`
	Direct      bool   `json:"direct"`
	// Rule is the index of the matching rule, or -1 for direct commands.
	Rule int `json:"rule"`
}

var placeholder = regexp.MustCompile(`\{(\d+)\}`)

// Compile builds rules from specs, keeping their order.
func Compile(specs []RuleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for i, spec := range specs {
		if strings.TrimSpace(spec.Template) == "" {
			return nil, fmt.Errorf("rule %d: empty command template", i)
		}
		if len(spec.Patterns) == 0 {
			return nil, fmt.Errorf("rule %d (%s): no patterns", i, spec.Description)
		}
		r := Rule{Template: spec.Template, Description: spec.Description}
		maxGroup := 0
		for _, m := range placeholder.FindAllStringSubmatch(spec.Template, -1) {
			n, _ := strconv.Atoi(m[1])
			if n > maxGroup {
				maxGroup = n
			}
		}
		for _, p := range spec.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("rule %d (%s): compile %q: %w", i, spec.Description, p, err)
			}
			if re.NumSubexp() < maxGroup {
				return nil, fmt.Errorf("rule %d (%s): template uses {%d} but %q has %d groups", i, spec.Description, maxGroup, p, re.NumSubexp())
			}
			r.Patterns = append(r.Patterns, re)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Interpreter maps free text to commands. It is immutable after New and safe
// for concurrent use.
type Interpreter struct {
	rules   []Rule
	markers []string
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithMarkers replaces the explicit-command prefixes. An empty list disables
// direct commands.
func WithMarkers(markers []string) Option {
	return func(i *Interpreter) {
		i.markers = nil
		for _, m := range markers {
			if m != "" {
				i.markers = append(i.markers, strings.ToLower(m))
			}
		}
	}
}

// New returns an interpreter over rules.
func New(rules []Rule, opts ...Option) *Interpreter {
	i := &Interpreter{rules: rules}
	WithMarkers(DefaultMarkers)(i)
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// NewDefault returns an interpreter over DefaultRules.
func NewDefault(opts ...Option) *Interpreter {
	rules, err := Compile(DefaultRules())
	if err != nil {
		panic(err)
	}
	return New(rules, opts...)
}

// Interpret returns the command for text, or false when nothing matches.
// No match is not an error; callers fall back to conversation.
func (i *Interpreter) Interpret(text string) (Interpretation, bool) {
	original := strings.TrimSpace(text)
	lowered := strings.ToLower(original)
	if lowered == "" {
		return Interpretation{}, false
	}
	// Offsets found in the lowered text are only valid on the original when
	// lowering kept every byte in place.
	source := lowered
	if len(lowered) == len(original) {
		source = original
	}

	for _, m := range i.markers {
		if !strings.HasPrefix(lowered, m) && !strings.HasPrefix(lowered+" ", m) {
			continue
		}
		cmd := ""
		if len(m) <= len(source) {
			cmd = strings.TrimSpace(source[len(m):])
		}
		if cmd == "" {
			return Interpretation{}, false
		}
		return Interpretation{Command: cmd, Description: DirectDescription, Direct: true, Rule: -1}, true
	}

	for idx, rule := range i.rules {
		for _, re := range rule.Patterns {
			loc := re.FindStringSubmatchIndex(lowered)
			if loc == nil {
				continue
			}
			cmd, ok := expand(rule.Template, source, loc)
			if !ok {
				continue
			}
			return Interpretation{Command: cmd, Description: rule.Description, Rule: idx}, true
		}
	}
	return Interpretation{}, false
}

// Descriptions lists rule descriptions in table order.
func (i *Interpreter) Descriptions() []string {
	out := make([]string, 0, len(i.rules))
	for _, r := range i.rules {
		if r.Description != "" {
			out = append(out, r.Description)
		}
	}
	return out
}

// expand substitutes {n} with capture group n, quoting each whitespace
// separated word on its own so "install numpy pandas" stays two arguments.
// It reports false when a referenced group is empty after trimming so the
// caller can try the next pattern.
func expand(template, source string, loc []int) (string, bool) {
	ok := true
	out := placeholder.ReplaceAllStringFunc(template, func(ph string) string {
		n, _ := strconv.Atoi(ph[1 : len(ph)-1])
		if 2*n+1 >= len(loc) || loc[2*n] < 0 {
			ok = false
			return ""
		}
		words := strings.Fields(source[loc[2*n]:loc[2*n+1]])
		if len(words) == 0 {
			ok = false
			return ""
		}
		for j, w := range words {
			words[j] = ShellQuote(w)
		}
		return strings.Join(words, " ")
	})
	return out, ok
}

var plainWord = regexp.MustCompile(`^[A-Za-z0-9._/@:+=,~-]+$`)

// ShellQuote returns v unchanged when it is a plain word, otherwise a single
// quoted POSIX shell string.
func ShellQuote(v string) string {
	if plainWord.MatchString(v) {
		return v
	}
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}
