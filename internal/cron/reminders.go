package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-paw/internal/bus"
	"github.com/basket/go-paw/internal/persistence"
	"github.com/basket/go-paw/internal/tools"
)

// ErrUnparseableTime is returned when a reminder has no recognizable time phrase.
var ErrUnparseableTime = errors.New("could not parse time from message")

var (
	relativeRe = regexp.MustCompile(`(?i)\bin\s+(\d+)\s*(seconds?|secs?|minutes?|mins?|hours?|hrs?|days?|s|m|h|d)\b`)
	clockRe    = regexp.MustCompile(`(?i)\b(tomorrow\s+)?at\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\b`)
	tomorrowRe = regexp.MustCompile(`(?i)\btomorrow\b`)
	leadRe     = regexp.MustCompile(`(?i)^\s*remind\s+me\b\s*(to\s+)?`)
	toRe       = regexp.MustCompile(`(?i)^\s*to\s+`)
)

// ParseReminder extracts the due time and the reminder text from a natural
// language request such as "remind me in 5 minutes to stretch" or
// "call mom tomorrow at 3:30 pm". Clock times that already passed today roll
// over to tomorrow.
func ParseReminder(text string, now time.Time) (time.Time, string, error) {
	var (
		due    time.Time
		phrase []int
	)
	if m := relativeRe.FindStringSubmatchIndex(text); m != nil {
		n, err := strconv.Atoi(text[m[2]:m[3]])
		unit := unitDuration(text[m[4]:m[5]])
		if err != nil || n <= 0 || int64(n) > math.MaxInt64/int64(unit) {
			return time.Time{}, "", ErrUnparseableTime
		}
		due = now.Add(time.Duration(n) * unit)
		phrase = m[:2]
	} else if m := clockRe.FindStringSubmatchIndex(text); m != nil {
		hour, _ := strconv.Atoi(text[m[4]:m[5]])
		minute := 0
		if m[6] >= 0 {
			minute, _ = strconv.Atoi(text[m[6]:m[7]])
		}
		if m[8] >= 0 {
			if hour < 1 || hour > 12 {
				return time.Time{}, "", ErrUnparseableTime
			}
			hour %= 12
			if strings.EqualFold(text[m[8]:m[9]], "pm") {
				hour += 12
			}
		}
		if hour > 23 || minute > 59 {
			return time.Time{}, "", ErrUnparseableTime
		}
		due = time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		tomorrow := m[2] >= 0
		if !tomorrow && tomorrowRe.MatchString(text) {
			tomorrow = true
		}
		if tomorrow {
			due = due.AddDate(0, 0, 1)
		} else if !due.After(now) {
			due = due.AddDate(0, 0, 1)
		}
		phrase = m[:2]
	} else {
		return time.Time{}, "", ErrUnparseableTime
	}

	msg := text[:phrase[0]] + " " + text[phrase[1]:]
	msg = tomorrowRe.ReplaceAllString(msg, " ")
	msg = strings.Join(strings.Fields(msg), " ")
	msg = leadRe.ReplaceAllString(msg, "")
	msg = toRe.ReplaceAllString(msg, "")
	msg = strings.Trim(msg, " ,.!")
	if msg == "" {
		msg = "Reminder"
	}
	return due, msg, nil
}

func unitDuration(unit string) time.Duration {
	switch u := strings.ToLower(unit); {
	case strings.HasPrefix(u, "s"):
		return time.Second
	case strings.HasPrefix(u, "m"):
		return time.Minute
	case strings.HasPrefix(u, "h"):
		return time.Hour
	}
	return 24 * time.Hour
}

// TimeRemaining renders the time until due, or "overdue".
func TimeRemaining(due, now time.Time) string {
	d := due.Sub(now)
	if d <= 0 {
		return "overdue"
	}
	return tools.FormatDuration(d)
}

// ReminderView is a reminder plus its rendered countdown.
type ReminderView struct {
	persistence.Reminder
	TimeRemaining string `json:"time_remaining"`
}

// Reminders manages one-shot reminders.
type Reminders struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

func NewReminders(store *persistence.Store, b *bus.Bus, logger *slog.Logger) *Reminders {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reminders{store: store, bus: b, logger: logger.With("component", "reminders"), now: time.Now}
}

// SetClock replaces the time source.
func (r *Reminders) SetClock(now func() time.Time) {
	r.now = now
}

// Add parses text and stores the reminder.
func (r *Reminders) Add(ctx context.Context, text string) (ReminderView, error) {
	now := r.now()
	due, msg, err := ParseReminder(text, now)
	if err != nil {
		return ReminderView{}, err
	}
	rem := persistence.Reminder{
		ID:        uuid.NewString()[:8],
		Text:      msg,
		Original:  text,
		TriggerAt: due,
		CreatedAt: now,
	}
	if err := r.store.AddReminder(ctx, rem); err != nil {
		return ReminderView{}, err
	}
	r.logger.Info("reminder added", "id", rem.ID, "due", due)
	return ReminderView{Reminder: rem, TimeRemaining: TimeRemaining(due, now)}, nil
}

func (r *Reminders) List(ctx context.Context) ([]ReminderView, error) {
	all, err := r.store.ListReminders(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := make([]ReminderView, 0, len(all))
	for _, rem := range all {
		out = append(out, ReminderView{Reminder: rem, TimeRemaining: TimeRemaining(rem.TriggerAt, now)})
	}
	return out, nil
}

// Delete removes a reminder; persistence.ErrNotFound if absent.
func (r *Reminders) Delete(ctx context.Context, id string) error {
	return r.store.DeleteReminder(ctx, id)
}

// FireDue publishes every due reminder exactly once. A reminder is published
// only by the caller that deleted it.
func (r *Reminders) FireDue(ctx context.Context) (int, error) {
	due, err := r.store.DueReminders(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("query due reminders: %w", err)
	}
	fired := 0
	for _, rem := range due {
		if err := r.store.DeleteReminder(ctx, rem.ID); err != nil {
			if !errors.Is(err, persistence.ErrNotFound) {
				r.logger.Error("delete fired reminder", "id", rem.ID, "error", err)
			}
			continue
		}
		r.bus.Publish(bus.TopicReminderFired, bus.ReminderFired{
			ID:     rem.ID,
			Text:   rem.Text,
			DueAt:  rem.TriggerAt,
			Origin: rem.Original,
		})
		r.logger.Info("reminder fired", "id", rem.ID)
		fired++
	}
	return fired, nil
}
