package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Transition is one row of the audit log.
type Transition struct {
	Seq        int64     `json:"seq"`
	ItemID     string    `json:"item_id"`
	DeviceID   string    `json:"device_id"`
	Kind       string    `json:"kind"`
	Intensity  int       `json:"intensity"`
	DurationMs int       `json:"duration_ms"`
	Priority   int       `json:"priority"`
	Source     string    `json:"source"`
	UserID     string    `json:"user_id"`
	State      string    `json:"state"`
	Reason     string    `json:"reason"`
	Summary    string    `json:"summary"`
	At         time.Time `json:"at"`
}

// Filter narrows ListTransitions. Zero fields match everything.
type Filter struct {
	DeviceID string
	ItemID   string
	State    string
	Limit    int // default 100
}

// RecordTransition appends a transition. Seq is assigned by the database.
func (s *Store) RecordTransition(ctx context.Context, t Transition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transitions
		(item_id, device_id, kind, intensity, duration_ms, priority, source, user_id, state, reason, summary, at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ItemID,
		t.DeviceID,
		t.Kind,
		t.Intensity,
		t.DurationMs,
		t.Priority,
		t.Source,
		t.UserID,
		t.State,
		t.Reason,
		t.Summary,
		t.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// ListTransitions returns the most recent transitions matching f, oldest first.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ListTransitions(ctx context.Context, f Filter) ([]Transition, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var where []string
	var args []any
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.ItemID != "" {
		where = append(where, "item_id = ?")
		args = append(args, f.ItemID)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}

	query := `
		SELECT seq, item_id, device_id, kind, intensity, duration_ms, priority, source, user_id, state, reason, summary, at_ms
		FROM transitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	out := []Transition{}
	for rows.Next() {
		var t Transition
		var atMs int64
		if err := rows.Scan(&t.Seq, &t.ItemID, &t.DeviceID, &t.Kind, &t.Intensity, &t.DurationMs,
			&t.Priority, &t.Source, &t.UserID, &t.State, &t.Reason, &t.Summary, &atMs); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.At = time.UnixMilli(atMs).UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}

	// Newest-first from the query; callers want chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountByState returns how many transitions were recorded per state.
func (s *Store) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM transitions GROUP BY state ORDER BY state
	`)
	if err != nil {
		return nil, fmt.Errorf("count transitions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}
