package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-paw/internal/bus"
	"github.com/basket/go-paw/internal/otel"
)

const defaultSendTimeout = 5 * time.Second

// Hub fans broadcast events out to every registered sink.
type Hub struct {
	logger      *slog.Logger
	metrics     *otel.Metrics
	sendTimeout time.Duration

	mu     sync.RWMutex
	sinks  map[int]Sink
	nextID int
}

func NewHub(logger *slog.Logger, metrics *otel.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = otel.NoopMetrics()
	}
	return &Hub{
		logger:      logger.With("component", "hub"),
		metrics:     metrics,
		sendTimeout: defaultSendTimeout,
		sinks:       make(map[int]Sink),
	}
}

// SetSendTimeout bounds each recipient's delivery. Zero restores the default.
func (h *Hub) SetSendTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultSendTimeout
	}
	h.mu.Lock()
	h.sendTimeout = d
	h.mu.Unlock()
}

// Register adds sink and returns a func that removes it.
func (h *Hub) Register(sink Sink) (unregister func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.sinks[id] = sink
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.sinks, id)
			h.mu.Unlock()
		})
	}
}

// Len returns the number of registered sinks.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

// Broadcast delivers ev to all sinks concurrently and waits for them. A sink
// that fails or exceeds the send timeout is logged and skipped.
func (h *Hub) Broadcast(ctx context.Context, ev Event) {
	h.mu.RLock()
	sinks := make([]Sink, 0, len(h.sinks))
	for _, s := range h.sinks {
		sinks = append(sinks, s)
	}
	timeout := h.sendTimeout
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := s.Send(sendCtx, ev); err != nil {
				h.metrics.BroadcastDrops.Add(ctx, 1)
				h.logger.Warn("broadcast delivery failed", "type", ev.Kind, "error", err)
			}
		}(s)
	}
	wg.Wait()
}

// Run forwards background bus events to every sink until ctx is done.
func (h *Hub) Run(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe(bus.TopicEventPrefix)
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Ch():
			if !ok {
				return
			}
			ev, ok := FromBus(e)
			if !ok {
				h.logger.Debug("ignoring bus event", "topic", e.Topic)
				continue
			}
			h.Broadcast(ctx, ev)
		}
	}
}

// FromBus converts a background bus event into its outbound event.
func FromBus(e bus.Event) (Event, bool) {
	switch p := e.Payload.(type) {
	case bus.ReminderFired:
		return Event{
			Kind: KindReminder,
			Fields: map[string]any{"reminder": map[string]any{
				"id":         p.ID,
				"text":       p.Text,
				"original":   p.Origin,
				"trigger_at": p.DueAt.UTC().Format(time.RFC3339),
			}},
		}, true
	case bus.IntentionChunk:
		return Event{
			Kind:    KindIntentionEvent,
			Content: p.Content,
			Fields: map[string]any{
				"intention_id":   p.IntentionID,
				"intention_name": p.Name,
				"event":          p.Phase,
				"chunk_type":     p.Kind,
			},
		}, true
	case bus.SkillInvoked:
		return Event{
			Kind:   KindSkillInvoked,
			Fields: map[string]any{"name": p.Name, "args": p.Args},
		}, true
	case bus.PairingCompleted:
		return Notification(fmt.Sprintf("🔗 Paired with Telegram user %d", p.UserID)), true
	}
	return Event{}, false
}
