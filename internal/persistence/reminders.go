package persistence

import (
	"context"
	"fmt"
	"time"
)

// Reminder is a one-shot message due at TriggerAt.
type Reminder struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Original  string    `json:"original,omitempty"`
	TriggerAt time.Time `json:"trigger_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) AddReminder(ctx context.Context, r Reminder) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO reminders (id, text, original, trigger_at, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, r.ID, r.Text, r.Original, formatTime(r.TriggerAt), formatTime(r.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert reminder: %w", err)
		}
		return nil
	})
}

// ListReminders returns pending reminders, soonest first.
func (s *Store) ListReminders(ctx context.Context) ([]Reminder, error) {
	return s.queryReminders(ctx, `
		SELECT id, text, original, trigger_at, created_at
		FROM reminders
		ORDER BY trigger_at ASC, id ASC;
	`)
}

// DueReminders returns reminders whose trigger time is at or before now.
func (s *Store) DueReminders(ctx context.Context, now time.Time) ([]Reminder, error) {
	return s.queryReminders(ctx, `
		SELECT id, text, original, trigger_at, created_at
		FROM reminders
		WHERE trigger_at <= ?
		ORDER BY trigger_at ASC, id ASC;
	`, formatTime(now))
}

// DeleteReminder removes a reminder. It returns ErrNotFound when no row had id,
// so two concurrent deleters cannot both observe success.
func (s *Store) DeleteReminder(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete reminder: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete reminder rows: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("reminder %q: %w", id, ErrNotFound)
		}
		return nil
	})
}

func (s *Store) queryReminders(ctx context.Context, query string, args ...any) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var (
			r                  Reminder
			triggerAt, created string
		)
		if err := rows.Scan(&r.ID, &r.Text, &r.Original, &triggerAt, &created); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		if r.TriggerAt, err = parseTime(triggerAt); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reminder rows: %w", err)
	}
	return out, nil
}
