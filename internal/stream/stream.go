// Package stream turns replies, agent chunk sequences and background events
// into the typed events both transports deliver.
package stream

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/basket/go-paw/internal/agent"
)

// Event kinds.
const (
	KindMessage          = "message"
	KindCode             = "code"
	KindStreamStart      = "stream_start"
	KindStreamEnd        = "stream_end"
	KindNotification     = "notification"
	KindError            = "error"
	KindStatus           = "status"
	KindScreenshot       = "screenshot"
	KindFiles            = "files"
	KindSettings         = "settings"
	KindReminders        = "reminders"
	KindReminderAdded    = "reminder_added"
	KindReminderDeleted  = "reminder_deleted"
	KindReminder         = "reminder"
	KindIntentions       = "intentions"
	KindIntentionCreated = "intention_created"
	KindIntentionUpdated = "intention_updated"
	KindIntentionDeleted = "intention_deleted"
	KindIntentionToggled = "intention_toggled"
	KindIntentionEvent   = "intention_event"
	KindSkills           = "skills"
	KindSkillInvoked     = "skill_invoked"
	KindDocument         = "document"
)

// FieldKeyboard marks events that should carry the bot's main reply keyboard.
const FieldKeyboard = "keyboard"

// Event is one outbound unit. On the wire it is a flat JSON object with a
// "type" discriminator, an optional "content" and any extra fields.
type Event struct {
	Kind    string
	Content string
	// Data is structured content, sent as "content" when Content is empty.
	Data   any
	Fields map[string]any
}

// MarshalJSON flattens the event. Fields never override type or content.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["type"] = e.Kind
	switch {
	case e.Content != "":
		out["content"] = e.Content
	case e.Data != nil:
		out["content"] = e.Data
	default:
		delete(out, "content")
	}
	return json.Marshal(out)
}

// With returns a copy of e with key set.
func (e Event) With(key string, value any) Event {
	fields := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	e.Fields = fields
	return e
}

// Field returns a field value, or nil.
func (e Event) Field(key string) any {
	return e.Fields[key]
}

// Sink delivers events to one recipient.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }

func Message(text string) Event      { return Event{Kind: KindMessage, Content: text} }
func Notification(text string) Event { return Event{Kind: KindNotification, Content: text} }
func Error(text string) Event        { return Event{Kind: KindError, Content: text} }

// Reply sends a single message event.
func Reply(ctx context.Context, sink Sink, text string) error {
	return sink.Send(ctx, Message(text))
}

// Notify sends a single notification event.
func Notify(ctx context.Context, sink Sink, text string) error {
	return sink.Send(ctx, Notification(text))
}

// Fail sends a single error event.
func Fail(ctx context.Context, sink Sink, text string) error {
	return sink.Send(ctx, Error(text))
}

// FromChunk maps an agent chunk to its event.
func FromChunk(c agent.Chunk) Event {
	if c.Kind == agent.ChunkCode {
		return Event{Kind: KindCode, Content: c.Content}
	}
	return Event{Kind: KindMessage, Content: c.Content}
}

// Forward brackets seq with stream_start and stream_end, emitting one event
// per chunk in production order. A sequence error becomes an error event and
// ends the stream. The first sink failure stops forwarding and is returned;
// stream_end is not attempted after it.
func Forward(ctx context.Context, sink Sink, seq iter.Seq2[agent.Chunk, error]) error {
	if err := sink.Send(ctx, Event{Kind: KindStreamStart}); err != nil {
		return err
	}
	for chunk, err := range seq {
		if err != nil {
			if sendErr := sink.Send(ctx, Error(agentErrorText(err))); sendErr != nil {
				return sendErr
			}
			break
		}
		if err := sink.Send(ctx, FromChunk(chunk)); err != nil {
			return err
		}
	}
	return sink.Send(ctx, Event{Kind: KindStreamEnd})
}

func agentErrorText(err error) string {
	return "❌ Agent error: " + err.Error()
}
