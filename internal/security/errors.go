package security

import (
	"errors"
	"os"
	"regexp"
	"strings"
)

// Kind names a failure category. Timeouts are reported in command results
// and upstream failures by the inference client's own error type.
type Kind string

const (
	KindLaunch   Kind = "launch_failure"
	KindRejected Kind = "safety_rejection"
)

// ClassifiedError pairs a message that is safe to show users with the
// detail that only goes to logs.
type ClassifiedError struct {
	Kind        Kind
	UserSafe    string
	DebugDetail string
	Err         error
}

func (e *ClassifiedError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.UserSafe) == "" {
		return "operation failed"
	}
	return e.UserSafe
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// UserMessage lets a ClassifiedError satisfy UserFacing.
func (e *ClassifiedError) UserMessage() string { return e.Error() }

// Classify wraps err under kind. The wrapped error stays reachable via errors.Is.
func Classify(kind Kind, userSafe string, err error) error {
	ce := &ClassifiedError{Kind: kind, UserSafe: userSafe, Err: err}
	if err != nil {
		ce.DebugDetail = err.Error()
	}
	return ce
}

// KindOf returns the kind of the first ClassifiedError in err's chain.
func KindOf(err error) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// UserFacing is implemented by errors that carry their own end-user text,
// such as inference client failures.
type UserFacing interface {
	error
	UserMessage() string
}

// UserMessage returns a message safe to show in CLI, TUI and HTTP responses.
func UserMessage(err error, redact bool) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	var uf UserFacing
	if errors.As(err, &uf) {
		msg = uf.UserMessage()
	}
	if msg == "" {
		msg = "operation failed"
	}
	if redact {
		return RedactMessage(msg)
	}
	return msg
}

// DebugMessage returns detailed error text for logs.
func DebugMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) && strings.TrimSpace(ce.DebugDetail) != "" {
		return ce.DebugDetail
	}
	return err.Error()
}

// RedactMessage replaces the home directory with ~ and masks credentials
// passed as provider flags (ngrok --authtoken and similar).
func RedactMessage(msg string) string {
	if msg == "" {
		return msg
	}
	out := msg
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		out = strings.ReplaceAll(out, home, "~")
	}
	return secretFlag.ReplaceAllString(out, "${1}[redacted]")
}

var secretFlag = regexp.MustCompile(`(?i)(--?(?:authtoken|token|api-key|password)[= ])\S+`)
