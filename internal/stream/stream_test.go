package stream_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-paw/internal/agent"
	"github.com/basket/go-paw/internal/bus"
	"github.com/basket/go-paw/internal/stream"
)

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
	failAt int // 1-based index of the send that fails; 0 never fails
}

func (r *recorder) Send(_ context.Context, ev stream.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt > 0 && len(r.events)+1 == r.failAt {
		return errors.New("peer gone")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func seqOf(chunks []agent.Chunk, tail error) iter.Seq2[agent.Chunk, error] {
	return func(yield func(agent.Chunk, error) bool) {
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
		if tail != nil {
			yield(agent.Chunk{}, tail)
		}
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEvent_MarshalFlattensFields(t *testing.T) {
	ev := stream.Event{Kind: stream.KindFiles, Fields: map[string]any{"path": "~", "type": "bogus"}}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "files" || got["path"] != "~" {
		t.Fatalf("got %v", got)
	}
	if _, ok := got["content"]; ok {
		t.Fatalf("empty content should be omitted: %v", got)
	}

	data, _ = json.Marshal(stream.Message("hi"))
	if string(data) != `{"content":"hi","type":"message"}` {
		t.Fatalf("message json = %s", data)
	}

	data, _ = json.Marshal(stream.Event{Kind: stream.KindSettings, Data: map[string]bool{"hasOpenaiKey": true}})
	if string(data) != `{"content":{"hasOpenaiKey":true},"type":"settings"}` {
		t.Fatalf("structured json = %s", data)
	}
}

func TestForward_BracketsChunksInOrder(t *testing.T) {
	rec := &recorder{}
	chunks := []agent.Chunk{
		{Kind: agent.ChunkMessage, Content: "a"},
		{Kind: agent.ChunkCode, Content: "$ ls"},
		{Kind: agent.ChunkMessage, Content: "b"},
	}
	if err := stream.Forward(context.Background(), rec, seqOf(chunks, nil)); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	want := []string{"stream_start", "message", "code", "message", "stream_end"}
	if got := rec.kinds(); !equal(got, want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	if rec.events[2].Content != "$ ls" {
		t.Fatalf("code content = %q", rec.events[2].Content)
	}
}

func TestForward_SequenceErrorBecomesErrorEvent(t *testing.T) {
	rec := &recorder{}
	chunks := []agent.Chunk{{Kind: agent.ChunkMessage, Content: "a"}}
	if err := stream.Forward(context.Background(), rec, seqOf(chunks, errors.New("boom"))); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	want := []string{"stream_start", "message", "error", "stream_end"}
	if got := rec.kinds(); !equal(got, want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	if rec.events[2].Content != "❌ Agent error: boom" {
		t.Fatalf("error content = %q", rec.events[2].Content)
	}
}

func TestForward_SinkFailureStops(t *testing.T) {
	rec := &recorder{failAt: 2}
	chunks := []agent.Chunk{{Content: "a"}, {Content: "b"}}
	if err := stream.Forward(context.Background(), rec, seqOf(chunks, nil)); err == nil {
		t.Fatal("expected sink error")
	}
	if got := rec.kinds(); !equal(got, []string{"stream_start"}) {
		t.Fatalf("kinds = %v", got)
	}
}

func TestHub_BroadcastSkipsFailingSink(t *testing.T) {
	h := stream.NewHub(nil, nil)
	good := &recorder{}
	bad := &recorder{failAt: 1}
	h.Register(good)
	unregister := h.Register(bad)

	h.Broadcast(context.Background(), stream.Notification("hello"))
	if len(good.events) != 1 || good.events[0].Content != "hello" {
		t.Fatalf("good sink got %v", good.events)
	}

	unregister()
	unregister()
	if h.Len() != 1 {
		t.Fatalf("Len = %d, want 1", h.Len())
	}
}

func TestHub_BroadcastBoundsSlowSink(t *testing.T) {
	h := stream.NewHub(nil, nil)
	h.SetSendTimeout(50 * time.Millisecond)
	h.Register(stream.SinkFunc(func(ctx context.Context, _ stream.Event) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	fast := &recorder{}
	h.Register(fast)

	start := time.Now()
	h.Broadcast(context.Background(), stream.Message("x"))
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("broadcast blocked for %v", elapsed)
	}
	if len(fast.events) != 1 {
		t.Fatalf("fast sink got %d events", len(fast.events))
	}
}

func TestHub_RunConvertsBusEvents(t *testing.T) {
	b := bus.New()
	h := stream.NewHub(nil, nil)
	got := make(chan stream.Event, 4)
	h.Register(stream.SinkFunc(func(_ context.Context, ev stream.Event) error {
		got <- ev
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx, b)

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("hub never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	due := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b.Publish(bus.TopicReminderFired, bus.ReminderFired{ID: "r1", Text: "stretch", Origin: "in 5 minutes stretch", DueAt: due})
	b.Publish(bus.TopicIntentionChunk, bus.IntentionChunk{IntentionID: "i1", Name: "digest", Phase: "chunk", Kind: "message", Content: "hi"})

	ev := <-got
	if ev.Kind != stream.KindReminder {
		t.Fatalf("kind = %q", ev.Kind)
	}
	rem, _ := ev.Field("reminder").(map[string]any)
	if rem["text"] != "stretch" || rem["trigger_at"] != "2026-01-02T03:04:05Z" || rem["original"] != "in 5 minutes stretch" {
		t.Fatalf("reminder = %v", rem)
	}

	ev = <-got
	if ev.Kind != stream.KindIntentionEvent || ev.Field("event") != "chunk" || ev.Content != "hi" {
		t.Fatalf("intention event = %+v", ev)
	}
}

func TestFromBus_IgnoresUnknownPayloads(t *testing.T) {
	if _, ok := stream.FromBus(bus.Event{Topic: "event.other", Payload: 42}); ok {
		t.Fatal("expected unknown payload to be ignored")
	}
	ev, ok := stream.FromBus(bus.Event{Payload: bus.PairingCompleted{UserID: 7}})
	if !ok || ev.Kind != stream.KindNotification {
		t.Fatalf("pairing event = %+v, %v", ev, ok)
	}
	ev, ok = stream.FromBus(bus.Event{Payload: bus.SkillInvoked{Name: "digest", Args: "today"}})
	if !ok || ev.Kind != stream.KindSkillInvoked || ev.Field("name") != "digest" || ev.Field("args") != "today" {
		t.Fatalf("skill event = %+v, %v", ev, ok)
	}
}
