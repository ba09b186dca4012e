package persistence

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReminders_AddListDueDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, r := range []Reminder{
		{ID: "later", Text: "call mom", TriggerAt: now.Add(time.Hour)},
		{ID: "past", Text: "stretch", TriggerAt: now.Add(-time.Minute), Original: "remind me in 1 minute to stretch"},
		{ID: "exact", Text: "tea", TriggerAt: now},
	} {
		if err := s.AddReminder(ctx, r); err != nil {
			t.Fatalf("AddReminder(%s): %v", r.ID, err)
		}
	}

	all, err := s.ListReminders(ctx)
	if err != nil {
		t.Fatalf("ListReminders: %v", err)
	}
	if len(all) != 3 || all[0].ID != "past" || all[2].ID != "later" {
		t.Fatalf("order = %+v", all)
	}
	if !all[0].TriggerAt.Equal(now.Add(-time.Minute)) || all[0].Original == "" {
		t.Fatalf("round trip lost data: %+v", all[0])
	}

	due, err := s.DueReminders(ctx, now)
	if err != nil {
		t.Fatalf("DueReminders: %v", err)
	}
	if len(due) != 2 || due[0].ID != "past" || due[1].ID != "exact" {
		t.Fatalf("due = %+v", due)
	}

	if err := s.DeleteReminder(ctx, "past"); err != nil {
		t.Fatalf("DeleteReminder: %v", err)
	}
	if err := s.DeleteReminder(ctx, "past"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestReminders_SubMillisecondOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	_ = s.AddReminder(ctx, Reminder{ID: "b", Text: "b", TriggerAt: base.Add(500 * time.Millisecond)})
	_ = s.AddReminder(ctx, Reminder{ID: "a", Text: "a", TriggerAt: base})

	due, _ := s.DueReminders(ctx, base.Add(100*time.Millisecond))
	if len(due) != 1 || due[0].ID != "a" {
		t.Fatalf("due = %+v", due)
	}
}
