package registry

import (
	"context"
	"fmt"
	"time"
)

// Feedback is a free-form report filed by an agent or the operator.
type Feedback struct {
	ID          int64     `json:"id"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	FromAgent   string    `json:"from_agent,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// FeedbackKinds accepted by POST /api/feedback.
var FeedbackKinds = map[string]bool{"bug": true, "improvement": true, "note": true}

// AddFeedback stores one report.
func (r *Registry) AddFeedback(ctx context.Context, kind, description, fromAgent string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO feedback (kind, description, from_agent) VALUES (?, ?, ?)`,
		kind, description, fromAgent)
	if err != nil {
		return fmt.Errorf("store feedback: %w", err)
	}
	return nil
}

// ListFeedback returns the most recent reports, newest first.
func (r *Registry) ListFeedback(ctx context.Context, limit int) ([]Feedback, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, description, from_agent, created_at
		FROM feedback ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	var out []Feedback
	for rows.Next() {
		var f Feedback
		var createdAt string
		if err := rows.Scan(&f.ID, &f.Kind, &f.Description, &f.FromAgent, &createdAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		if t, err := time.Parse("2006-01-02 15:04:05", createdAt); err == nil {
			f.CreatedAt = t
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
