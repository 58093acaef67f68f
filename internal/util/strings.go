package util

import "strings"

// DefaultString returns the fallback value if v is empty or consists entirely
// of whitespace; otherwise it returns v unchanged.
//
// This is the general "coalesce" helper behind EmptyDash. The executor uses it
// to fall back to /bin/sh when no shell is configured.
//
// Examples:
//
//	DefaultString("hello", "world")  → "hello"   // non-empty → kept
//	DefaultString("",      "world")  → "world"   // empty → fallback
//	DefaultString("  ",    "world")  → "world"   // whitespace-only → fallback
func DefaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// EmptyDash returns "-" if s is empty or consists entirely of whitespace;
// otherwise it returns s unchanged.
//
// Used by the CLI tables and the TUI tunnel panel so a provider without a
// URL or error shows a visible placeholder instead of a blank column.
func EmptyDash(s string) string {
	return DefaultString(s, "-")
}

// Truncate shortens s to at most n runes, marking the cut with "...".
//
// Counting runes rather than bytes keeps multi-byte provider names from being
// split mid-character, which would corrupt the fixed-width columns it feeds.
// When n is too small to hold the marker the result is simply cut at n.
//
// Used by: internal/ui/ui.go (tunnel and URL panels) and
// internal/cli/tunnel.go (`omega tunnel providers` table).
//
// Examples:
//
//	Truncate("cloudflare", 14)         → "cloudflare"      // fits → kept
//	Truncate("localhost.run-ssh", 14)  → "localhost.r..."  // cut with marker
//	Truncate("ngrok", 3)               → "ngr"             // no room for marker
//	Truncate("anything", 0)            → "anything"        // non-positive n → kept
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
