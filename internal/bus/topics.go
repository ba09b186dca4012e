package bus

import "time"

// TopicEventPrefix matches every background event that transports fan out.
const TopicEventPrefix = "event."

const (
	TopicReminderFired    = "event.reminder.fired"
	TopicIntentionChunk   = "event.intention.chunk"
	TopicSkillInvoked     = "event.skill.invoked"
	TopicPairingCompleted = "event.pairing.completed"
)

// ReminderFired is published once when a reminder comes due.
type ReminderFired struct {
	ID     string
	Text   string
	DueAt  time.Time
	Origin string
}

// IntentionChunk carries one step of a running intention.
// Phase is start, chunk, complete or error.
type IntentionChunk struct {
	IntentionID string
	Name        string
	Phase       string
	Kind        string
	Content     string
}

// SkillInvoked is published when a skill run begins.
type SkillInvoked struct {
	Name string
	Args string
}

// PairingCompleted is published when the /complete endpoint is hit.
type PairingCompleted struct {
	UserID int64
}
