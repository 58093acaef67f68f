package store

import (
	"context"
	"fmt"

	"github.com/treykane/omega/internal/model"
)

// RecordDiscovery appends a discovered tunnel URL. It satisfies the tunnel
// supervisor's recorder interface.
func (s *Store) RecordDiscovery(ctx context.Context, d model.Discovery) error {
	ts := s.stamp()
	if !d.DiscoveredAt.IsZero() {
		ts = d.DiscoveredAt.UTC().UnixMilli()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO tunnel_discoveries (provider, url, discovered_at) VALUES (?, ?, ?)`,
		d.Provider, d.URL, ts); err != nil {
		return fmt.Errorf("record discovery: %w", err)
	}
	return nil
}

// Discoveries returns the most recent discoveries, newest first.
func (s *Store) Discoveries(ctx context.Context, limit int) ([]model.Discovery, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, url, discovered_at FROM tunnel_discoveries
		ORDER BY discovered_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("read discoveries: %w", err)
	}
	defer rows.Close()

	var out []model.Discovery
	for rows.Next() {
		var d model.Discovery
		var ts int64
		if err := rows.Scan(&d.Provider, &d.URL, &ts); err != nil {
			return nil, err
		}
		d.DiscoveredAt = fromStamp(ts)
		out = append(out, d)
	}
	return out, rows.Err()
}
