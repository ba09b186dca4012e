package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Trigger schedules an intention.
type Trigger struct {
	Type     string `json:"type"`
	Schedule string `json:"schedule"`
}

// Intention is a saved prompt the daemon runs on a cron schedule.
type Intention struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Prompt         string     `json:"prompt"`
	Trigger        Trigger    `json:"trigger"`
	ContextSources []string   `json:"context_sources"`
	Enabled        bool       `json:"enabled"`
	CreatedAt      time.Time  `json:"created_at"`
	LastRun        *time.Time `json:"last_run"`
	NextRun        *time.Time `json:"next_run"`
}

const intentionColumns = `id, name, prompt, trigger_type, schedule, context_sources, enabled, created_at, last_run, next_run`

func (s *Store) CreateIntention(ctx context.Context, in Intention) error {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	sources, err := marshalSources(in.ContextSources)
	if err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO intentions (`+intentionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, in.ID, in.Name, in.Prompt, triggerType(in.Trigger), in.Trigger.Schedule, sources,
			in.Enabled, formatTime(in.CreatedAt), nullableTime(in.LastRun), nullableTime(in.NextRun))
		if err != nil {
			return fmt.Errorf("insert intention: %w", err)
		}
		return nil
	})
}

func (s *Store) GetIntention(ctx context.Context, id string) (Intention, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentionColumns+` FROM intentions WHERE id = ?;`, id)
	in, err := scanIntention(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Intention{}, fmt.Errorf("intention %q: %w", id, ErrNotFound)
	}
	return in, err
}

// ListIntentions returns all intentions in creation order.
func (s *Store) ListIntentions(ctx context.Context) ([]Intention, error) {
	return s.queryIntentions(ctx, `SELECT `+intentionColumns+` FROM intentions ORDER BY created_at ASC, id ASC;`)
}

// DueIntentions returns enabled intentions whose next run is at or before now.
func (s *Store) DueIntentions(ctx context.Context, now time.Time) ([]Intention, error) {
	return s.queryIntentions(ctx, `
		SELECT `+intentionColumns+`
		FROM intentions
		WHERE enabled = 1 AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC, id ASC;
	`, formatTime(now))
}

// UpdateIntention replaces every mutable column of the row with in.ID.
func (s *Store) UpdateIntention(ctx context.Context, in Intention) error {
	sources, err := marshalSources(in.ContextSources)
	if err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE intentions
			SET name = ?, prompt = ?, trigger_type = ?, schedule = ?, context_sources = ?,
				enabled = ?, last_run = ?, next_run = ?
			WHERE id = ?;
		`, in.Name, in.Prompt, triggerType(in.Trigger), in.Trigger.Schedule, sources,
			in.Enabled, nullableTime(in.LastRun), nullableTime(in.NextRun), in.ID)
		if err != nil {
			return fmt.Errorf("update intention: %w", err)
		}
		return requireOneRow(res, "intention", in.ID)
	})
}

// MarkIntentionRun records a run and the next scheduled time.
func (s *Store) MarkIntentionRun(ctx context.Context, id string, ranAt time.Time, next *time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE intentions SET last_run = ?, next_run = ? WHERE id = ?;
		`, formatTime(ranAt), nullableTime(next), id)
		if err != nil {
			return fmt.Errorf("mark intention run: %w", err)
		}
		return requireOneRow(res, "intention", id)
	})
}

func (s *Store) DeleteIntention(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM intentions WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete intention: %w", err)
		}
		return requireOneRow(res, "intention", id)
	})
}

func (s *Store) queryIntentions(ctx context.Context, query string, args ...any) ([]Intention, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query intentions: %w", err)
	}
	defer rows.Close()

	var out []Intention
	for rows.Next() {
		in, err := scanIntention(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("intention rows: %w", err)
	}
	return out, nil
}

func scanIntention(scanFn func(dest ...any) error) (Intention, error) {
	var (
		in               Intention
		sources, created string
		lastRun, nextRun sql.NullString
	)
	if err := scanFn(&in.ID, &in.Name, &in.Prompt, &in.Trigger.Type, &in.Trigger.Schedule,
		&sources, &in.Enabled, &created, &lastRun, &nextRun); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return in, err
		}
		return in, fmt.Errorf("scan intention: %w", err)
	}
	if err := json.Unmarshal([]byte(sources), &in.ContextSources); err != nil {
		return in, fmt.Errorf("decode context_sources: %w", err)
	}
	var err error
	if in.CreatedAt, err = parseTime(created); err != nil {
		return in, err
	}
	if in.LastRun, err = parseNullableTime(lastRun); err != nil {
		return in, err
	}
	if in.NextRun, err = parseNullableTime(nextRun); err != nil {
		return in, err
	}
	return in, nil
}

func marshalSources(sources []string) (string, error) {
	if sources == nil {
		sources = []string{}
	}
	b, err := json.Marshal(sources)
	if err != nil {
		return "", fmt.Errorf("encode context_sources: %w", err)
	}
	return string(b), nil
}

func triggerType(t Trigger) string {
	if t.Type == "" {
		return "cron"
	}
	return t.Type
}

func requireOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", kind, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	return nil
}
