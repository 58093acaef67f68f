package security

import (
	"errors"
	"fmt"
	"testing"
)

type upstreamErr struct{}

func (upstreamErr) Error() string       { return "dial tcp 127.0.0.1:11434: connect: connection refused" }
func (upstreamErr) UserMessage() string { return "The inference server is not reachable." }

func TestClassifyKeepsCauseAndKind(t *testing.T) {
	cause := errors.New("exec: \"cloudflared\": executable file not found in $PATH")
	err := fmt.Errorf("start cloudflare: %w", Classify(KindLaunch, "provider binary missing", cause))

	if !errors.Is(err, cause) {
		t.Fatal("expected cause to stay reachable")
	}
	if KindOf(err) != KindLaunch {
		t.Fatalf("unexpected kind %q", KindOf(err))
	}
	if got := UserMessage(err, false); got != "provider binary missing" {
		t.Fatalf("unexpected user message %q", got)
	}
	if got := DebugMessage(err); got != cause.Error() {
		t.Fatalf("unexpected debug message %q", got)
	}
	if KindOf(cause) != "" {
		t.Fatal("plain errors have no kind")
	}
}

func TestUserMessagePrefersUserFacingText(t *testing.T) {
	err := fmt.Errorf("generate: %w", upstreamErr{})
	if got := UserMessage(err, true); got != "The inference server is not reachable." {
		t.Fatalf("unexpected message %q", got)
	}
	if got := UserMessage(errors.New("boom"), false); got != "boom" {
		t.Fatalf("unexpected message %q", got)
	}
	if UserMessage(nil, true) != "" {
		t.Fatal("nil error should give empty message")
	}
}

func TestBlockedIsSafetyRejection(t *testing.T) {
	if KindOf(ErrBlocked) != KindRejected {
		t.Fatalf("unexpected kind %q", KindOf(ErrBlocked))
	}
	if DebugMessage(ErrBlocked) != BlockedMessage {
		t.Fatalf("blocked errors must not leak detail, got %q", DebugMessage(ErrBlocked))
	}
}
