// Package events is the append-only JSONL journal of tunnel lifecycle
// transitions. The supervisor writes it; `omega tunnel events` reads it from
// another process.
package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/treykane/omega/internal/appconfig"
	"github.com/treykane/omega/internal/model"
)

// Event types written by the tunnel supervisor.
const (
	TypeStartRequested   = "start_requested"
	TypeStartSucceeded   = "start_succeeded"
	TypeStartFailed      = "start_failed"
	TypeURLDiscovered    = "url_discovered"
	TypeURLTimeout       = "url_timeout"
	TypeProcessExited    = "process_exited"
	TypeRestartScheduled = "restart_scheduled"
	TypeStopped          = "stopped"
)

// DefaultMaxBytes is the journal size that triggers rotation.
const DefaultMaxBytes = 4 << 20

const maxLine = 1 << 20

// Event is one tunnel lifecycle record persisted to events.jsonl.
type Event struct {
	Timestamp time.Time          `json:"timestamp"`
	Provider  string             `json:"provider"`
	EventType string             `json:"event_type"`
	Status    model.TunnelStatus `json:"status,omitempty"`
	URL       string             `json:"url,omitempty"`
	Message   string             `json:"message,omitempty"`
	PID       int                `json:"pid,omitempty"`
}

// Query controls event filtering and bounded reads.
type Query struct {
	Provider  string
	EventType string
	Since     time.Time
	Limit     int
}

// Store appends to and reads the journal. When the file would grow past
// MaxBytes it is renamed to <path>.1, replacing the previous generation, and
// reads cover both files.
type Store struct {
	mu       sync.Mutex
	path     string
	MaxBytes int64
}

// NewStore returns a journal at events.jsonl in the config directory,
// resolved on each call so XDG_CONFIG_HOME changes are honoured.
func NewStore() *Store {
	return &Store{MaxBytes: DefaultMaxBytes}
}

// NewStoreAt returns a journal at an explicit path.
func NewStoreAt(path string) *Store {
	return &Store{path: path, MaxBytes: DefaultMaxBytes}
}

// Path returns the journal file location.
func (s *Store) Path() (string, error) {
	if s.path != "" {
		return s.path, nil
	}
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "events.jsonl"), nil
}

// Append writes a single event as one JSON line. Concurrent appends from the
// supervisor's monitor goroutines are serialised.
func (s *Store) Append(evt Event) error {
	path, err := s.Path()
	if err != nil {
		return err
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if err := s.rotateIfFull(path, int64(len(b))); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *Store) rotateIfFull(path string, incoming int64) error {
	if s.MaxBytes <= 0 {
		return nil
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() == 0 || info.Size()+incoming <= s.MaxBytes {
		return nil
	}
	if err := os.Rename(path, path+".1"); err != nil {
		return fmt.Errorf("rotate journal: %w", err)
	}
	slog.Debug("rotated event journal", "path", path, "bytes", info.Size())
	return nil
}

// Read returns events in append order, oldest generation first, filtered by
// query. With a Limit only the newest matches are kept.
func (s *Store) Read(q Query) ([]Event, error) {
	path, err := s.Path()
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, p := range []string{path + ".1", path} {
		if out, err = readFile(p, q, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func readFile(path string, q Query, out []Event) ([]Event, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			skipped++
			continue
		}
		if !q.matches(evt) {
			continue
		}
		out = append(out, evt)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[len(out)-q.Limit:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	if skipped > 0 {
		slog.Debug("skipped malformed journal lines", "path", path, "count", skipped)
	}
	return out, nil
}

func (q Query) matches(evt Event) bool {
	if strings.TrimSpace(q.Provider) != "" && evt.Provider != q.Provider {
		return false
	}
	if strings.TrimSpace(q.EventType) != "" && evt.EventType != q.EventType {
		return false
	}
	if !q.Since.IsZero() && evt.Timestamp.Before(q.Since) {
		return false
	}
	return true
}
