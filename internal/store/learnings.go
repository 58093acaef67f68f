package store

import (
	"context"
	"fmt"
	"time"
)

// Learning is a correction a user made to an answer, kept so later prompts
// for the same model can include it.
type Learning struct {
	ID                 int64     `json:"id"`
	SessionID          string    `json:"session_id"`
	UserCorrection     string    `json:"user_correction"`
	AIMistake          string    `json:"ai_mistake"`
	Context            string    `json:"context,omitempty"`
	ModelUsed          string    `json:"model_used,omitempty"`
	Summary            string    `json:"summary"`
	AppliedCount       int       `json:"applied_count"`
	EffectivenessScore float64   `json:"effectiveness_score"`
	CreatedAt          time.Time `json:"created_at"`
	// TotalApplications is only filled by LearningLogs.
	TotalApplications int `json:"total_applications,omitempty"`
}

// RelevantLimit bounds how many learnings are folded into one prompt.
const RelevantLimit = 5

const learningColumns = `id, session_id, user_correction, ai_mistake, context, model_used, summary,
	applied_count, effectiveness_score, created_at`

func learningSummary(mistake, correction string) string {
	return fmt.Sprintf("User corrected: %q with: %q", clip(mistake, 100), clip(correction, 100))
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// RecordLearning stores a correction and returns it with its id.
func (s *Store) RecordLearning(ctx context.Context, l Learning) (Learning, error) {
	if l.SessionID == "" || l.UserCorrection == "" || l.AIMistake == "" {
		return Learning{}, fmt.Errorf("record learning: session_id, user_correction and ai_mistake are required")
	}
	ts := s.stamp()
	l.Summary = learningSummary(l.AIMistake, l.UserCorrection)
	l.CreatedAt = fromStamp(ts)
	l.AppliedCount = 0
	l.EffectivenessScore = 0
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO learnings (session_id, user_correction, ai_mistake, context, model_used, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.SessionID, l.UserCorrection, l.AIMistake, l.Context, l.ModelUsed, l.Summary, ts)
	if err != nil {
		return Learning{}, fmt.Errorf("record learning: %w", err)
	}
	l.ID, _ = res.LastInsertId()
	return l, nil
}

// RelevantLearnings returns up to RelevantLimit learnings recorded for model
// or for no model in particular, best scoring first, newest first on ties.
func (s *Store) RelevantLearnings(ctx context.Context, model string) ([]Learning, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+learningColumns+` FROM learnings
		WHERE model_used = ? OR model_used = ''
		ORDER BY effectiveness_score DESC, created_at DESC, id DESC
		LIMIT ?`, model, RelevantLimit)
	if err != nil {
		return nil, fmt.Errorf("relevant learnings: %w", err)
	}
	defer rows.Close()

	var out []Learning
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ApplyLearning records that a learning was used in a session. A successful
// application raises its score by 0.1, an unsuccessful one lowers it.
func (s *Store) ApplyLearning(ctx context.Context, learningID int64, sessionID string, success bool) error {
	delta := 0.1
	if !success {
		delta = -0.1
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply learning: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE learnings SET applied_count = applied_count + 1,
		       effectiveness_score = effectiveness_score + ?
		WHERE id = ?`, delta, learningID)
	if err != nil {
		return fmt.Errorf("apply learning: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("learning %d: %w", learningID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO learning_applications (learning_id, session_id, success, applied_at) VALUES (?, ?, ?, ?)`,
		learningID, sessionID, success, s.stamp()); err != nil {
		return fmt.Errorf("apply learning: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply learning: %w", err)
	}
	return nil
}

// LearningLogs lists learnings newest first with their application counts.
func (s *Store) LearningLogs(ctx context.Context, limit int) ([]Learning, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.session_id, l.user_correction, l.ai_mistake, l.context, l.model_used, l.summary,
		       l.applied_count, l.effectiveness_score, l.created_at, COUNT(a.id)
		FROM learnings l
		LEFT JOIN learning_applications a ON a.learning_id = l.id
		GROUP BY l.id
		ORDER BY l.created_at DESC, l.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("learning logs: %w", err)
	}
	defer rows.Close()

	var out []Learning
	for rows.Next() {
		var l Learning
		var ts int64
		if err := rows.Scan(&l.ID, &l.SessionID, &l.UserCorrection, &l.AIMistake, &l.Context, &l.ModelUsed,
			&l.Summary, &l.AppliedCount, &l.EffectivenessScore, &ts, &l.TotalApplications); err != nil {
			return nil, err
		}
		l.CreatedAt = fromStamp(ts)
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLearning(sc scanner) (Learning, error) {
	var l Learning
	var ts int64
	if err := sc.Scan(&l.ID, &l.SessionID, &l.UserCorrection, &l.AIMistake, &l.Context, &l.ModelUsed,
		&l.Summary, &l.AppliedCount, &l.EffectivenessScore, &ts); err != nil {
		return Learning{}, err
	}
	l.CreatedAt = fromStamp(ts)
	return l, nil
}
