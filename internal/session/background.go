package session

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/basket/go-paw/internal/agent"
	"github.com/basket/go-paw/internal/cron"
	"github.com/basket/go-paw/internal/persistence"
	"github.com/basket/go-paw/internal/protocol"
	"github.com/basket/go-paw/internal/skills"
	"github.com/basket/go-paw/internal/stream"
)

const (
	unparseableReminderText = "Could not parse time from message. Try 'in 5 minutes' or 'at 3pm'"
	reminderNotFoundText    = "Reminder not found"
	intentionNotFoundText   = "Intention not found"
	unavailableText         = "This feature is not available"
)

func (s *Session) getReminders(ctx context.Context, sink stream.Sink) error {
	if s.svc.Reminders == nil {
		return stream.Fail(ctx, sink, unavailableText)
	}
	list, err := s.svc.Reminders.List(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "list reminders", "error", err)
		return stream.Fail(ctx, sink, "Could not load reminders")
	}
	if list == nil {
		list = []cron.ReminderView{}
	}
	return sink.Send(ctx, stream.Event{Kind: stream.KindReminders}.With("reminders", list))
}

func (s *Session) addReminder(ctx context.Context, a protocol.AddReminder, sink stream.Sink) error {
	if s.svc.Reminders == nil {
		return stream.Fail(ctx, sink, unavailableText)
	}
	r, err := s.svc.Reminders.Add(ctx, a.Message)
	switch {
	case errors.Is(err, cron.ErrUnparseableTime):
		return stream.Fail(ctx, sink, unparseableReminderText)
	case err != nil:
		s.logger.ErrorContext(ctx, "add reminder", "error", err)
		return stream.Fail(ctx, sink, "Could not save reminder")
	}
	return sink.Send(ctx, stream.Event{Kind: stream.KindReminderAdded}.With("reminder", r))
}

func (s *Session) deleteReminder(ctx context.Context, a protocol.DeleteReminder, sink stream.Sink) error {
	if s.svc.Reminders == nil {
		return stream.Fail(ctx, sink, unavailableText)
	}
	err := s.svc.Reminders.Delete(ctx, a.ID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return stream.Fail(ctx, sink, reminderNotFoundText)
	case err != nil:
		s.logger.ErrorContext(ctx, "delete reminder", "id", a.ID, "error", err)
		return stream.Fail(ctx, sink, "Could not delete reminder")
	}
	return sink.Send(ctx, stream.Event{Kind: stream.KindReminderDeleted}.With("id", a.ID))
}

func (s *Session) getIntentions(ctx context.Context, sink stream.Sink) error {
	if s.svc.Intentions == nil {
		return stream.Fail(ctx, sink, unavailableText)
	}
	list, err := s.svc.Intentions.List(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "list intentions", "error", err)
		return stream.Fail(ctx, sink, "Could not load intentions")
	}
	if list == nil {
		list = []persistence.Intention{}
	}
	return sink.Send(ctx, stream.Event{Kind: stream.KindIntentions}.With("intentions", list))
}

func toTrigger(t *protocol.Trigger) *persistence.Trigger {
	if t == nil {
		return nil
	}
	return &persistence.Trigger{Type: t.Type, Schedule: t.Schedule}
}

func (s *Session) createIntention(ctx context.Context, a protocol.CreateIntention, sink stream.Sink) error {
	if s.svc.Intentions == nil {
		return stream.Fail(ctx, sink, unavailableText)
	}
	in, err := s.svc.Intentions.Create(ctx, cron.NewIntention{
		Name:           a.IntentionName,
		Prompt:         a.Prompt,
		Trigger:        toTrigger(a.Trigger),
		ContextSources: a.ContextSources,
		Enabled:        a.Enabled,
	})
	if err != nil {
		return stream.Fail(ctx, sink, fmt.Sprintf("Failed to create intention: %v", err))
	}
	return sink.Send(ctx, stream.Event{Kind: stream.KindIntentionCreated}.With("intention", in))
}

func (s *Session) updateIntention(ctx context.Context, a protocol.UpdateIntention, sink stream.Sink) error {
	if s.svc.Intentions == nil {
		return stream.Fail(ctx, sink, unavailableText)
	}
	in, err := s.svc.Intentions.Update(ctx, a.ID, cron.IntentionPatch{
		Name:           a.Updates.Name,
		Prompt:         a.Updates.Prompt,
		Trigger:        toTrigger(a.Updates.Trigger),
		ContextSources: a.Updates.ContextSources,
		Enabled:        a.Updates.Enabled,
	})
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return stream.Fail(ctx, sink, intentionNotFoundText)
	case err != nil:
		return stream.Fail(ctx, sink, fmt.Sprintf("Failed to update intention: %v", err))
	}
	return sink.Send(ctx, stream.Event{Kind: stream.KindIntentionUpdated}.With("intention", in))
}

func (s *Session) deleteIntention(ctx context.Context, a protocol.DeleteIntention, sink stream.Sink) error {
	if s.svc.Intentions == nil {
		return stream.Fail(ctx, sink, unavailableText)
	}
	err := s.svc.Intentions.Delete(ctx, a.ID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return stream.Fail(ctx, sink, intentionNotFoundText)
	case err != nil:
		s.logger.ErrorContext(ctx, "delete intention", "id", a.ID, "error", err)
		return stream.Fail(ctx, sink, "Could not delete intention")
	}
	return sink.Send(ctx, stream.Event{Kind: stream.KindIntentionDeleted}.With("id", a.ID))
}

func (s *Session) toggleIntention(ctx context.Context, a protocol.ToggleIntention, sink stream.Sink) error {
	if s.svc.Intentions == nil {
		return stream.Fail(ctx, sink, unavailableText)
	}
	in, err := s.svc.Intentions.Toggle(ctx, a.ID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return stream.Fail(ctx, sink, intentionNotFoundText)
	case err != nil:
		s.logger.ErrorContext(ctx, "toggle intention", "id", a.ID, "error", err)
		return stream.Fail(ctx, sink, "Could not toggle intention")
	}
	return sink.Send(ctx, stream.Event{Kind: stream.KindIntentionToggled}.With("intention", in))
}

// runIntention starts the intention in the background; its progress arrives
// as intention_event broadcasts.
func (s *Session) runIntention(ctx context.Context, a protocol.RunIntention, sink stream.Sink) error {
	if s.svc.Intentions == nil {
		return stream.Fail(ctx, sink, unavailableText)
	}
	in, err := s.svc.Intentions.Get(ctx, a.ID)
	if errors.Is(err, persistence.ErrNotFound) {
		return stream.Fail(ctx, sink, intentionNotFoundText)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "get intention", "id", a.ID, "error", err)
		return stream.Fail(ctx, sink, "Could not load intention")
	}
	if err := stream.Notify(ctx, sink, "🚀 Running intention: "+in.Name); err != nil {
		return err
	}
	if _, err := s.svc.Intentions.RunNow(ctx, a.ID); err != nil {
		if errors.Is(err, cron.ErrAlreadyRunning) {
			return stream.Fail(ctx, sink, "Intention is already running")
		}
		return stream.Fail(ctx, sink, fmt.Sprintf("Failed to run intention: %v", err))
	}
	return nil
}

func (s *Session) getSkills(ctx context.Context, sink stream.Sink) error {
	if s.svc.Skills == nil {
		return sink.Send(ctx, stream.Event{Kind: stream.KindSkills}.With("skills", []skills.Skill{}))
	}
	if err := s.svc.Skills.Reload(ctx); err != nil {
		s.logger.WarnContext(ctx, "skills reload reported errors", "error", err)
	}
	return sink.Send(ctx, stream.Event{Kind: stream.KindSkills}.With("skills", s.svc.Skills.List()))
}

// runSkill streams a skill run. Panic cancels it and cuts its output.
func (s *Session) runSkill(ctx context.Context, a protocol.RunSkill, sink stream.Sink) error {
	if s.svc.SkillRunner == nil {
		return stream.Fail(ctx, sink, "Skill not found: "+a.SkillName)
	}
	runCtx, gen, done := s.cuts.begin(ctx)
	defer done()

	skill, seq, err := s.svc.SkillRunner.Run(runCtx, a.SkillName, a.Args)
	if errors.Is(err, skills.ErrNotFound) {
		return stream.Fail(ctx, sink, "Skill not found: "+a.SkillName)
	}
	if err != nil {
		return stream.Fail(ctx, sink, fmt.Sprintf("Failed to run skill: %v", err))
	}
	if err := stream.Notify(ctx, sink, "🎯 Running skill: "+skill.Name); err != nil {
		return err
	}
	return stream.Forward(ctx, sink, s.gate(gen, seq))
}

// gate stops yielding once a cut has happened since gen.
func (s *Session) gate(gen uint64, seq iter.Seq2[agent.Chunk, error]) iter.Seq2[agent.Chunk, error] {
	return func(yield func(agent.Chunk, error) bool) {
		for c, err := range seq {
			cont := true
			if !s.cuts.deliver(gen, func() bool { cont = yield(c, err); return true }) || !cont {
				return
			}
		}
	}
}
