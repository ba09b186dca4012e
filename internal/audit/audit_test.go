package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-paw/internal/persistence"
	"github.com/basket/go-paw/internal/shared"
)

func readAuditLines(t *testing.T, home string) []string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(raw)), "\n")
}

func TestRecordWritesAuditEntry(t *testing.T) {
	ctx := shared.WithTraceID(context.Background(), "trace-1")
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(ctx, DecisionDeny, "pairing.authorize", "stranger", "telegram:42")
	Record(ctx, DecisionAllow, "pairing.bind", "first_contact", "telegram:7")

	lines := readAuditLines(t, home)
	if len(lines) < 2 {
		t.Fatalf("expected at least two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["decision"] != "deny" {
		t.Fatalf("expected deny decision, got %#v", first["decision"])
	}
	if first["capability"] != "pairing.authorize" {
		t.Fatalf("expected capability pairing.authorize, got %#v", first["capability"])
	}
	if first["subject"] != "telegram:42" {
		t.Fatalf("expected subject telegram:42, got %#v", first["subject"])
	}
	if first["trace_id"] != "trace-1" {
		t.Fatalf("expected trace_id trace-1, got %#v", first["trace_id"])
	}
}

func TestRecordMirrorsIntoDatabase(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gopaw.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	SetDB(store.DB())
	t.Cleanup(func() { SetDB(nil) })

	ctx := shared.WithTraceID(context.Background(), "abc123")
	Record(ctx, DecisionDeny, "session.chat", "stranger", "99")

	rows, err := store.RecentAudit(context.Background(), 5)
	if err != nil {
		t.Fatalf("RecentAudit: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %+v", rows)
	}
	if r := rows[0]; r.TraceID != "abc123" || r.Decision != DecisionDeny || r.Action != "session.chat" || r.Subject != "99" {
		t.Fatalf("row = %+v", r)
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	ctx := context.Background()
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(ctx, DecisionAllow, "settings.save_api_key", "api_key=sk-abcdefghijklmnopqrstuvwxyz", "ws")
	lines := readAuditLines(t, home)
	if strings.Contains(lines[len(lines)-1], "abcdefghijklmnop") {
		t.Fatalf("secret leaked into audit log: %s", lines[len(lines)-1])
	}
}

func TestDenyCountIncrements(t *testing.T) {
	ctx := context.Background()
	before := DenyCount()
	Record(ctx, DecisionDeny, "x", "y", "z")
	Record(ctx, DecisionAllow, "x", "y", "z")
	if got := DenyCount() - before; got != 1 {
		t.Fatalf("expected deny count +1, got +%d", got)
	}
}

func TestAuditAppendOnly(t *testing.T) {
	ctx := context.Background()
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(ctx, DecisionAllow, "test.op1", "test", "subject1")
	Record(ctx, DecisionDeny, "test.op2", "test2", "subject2")

	path := filepath.Join(home, "logs", "audit.jsonl")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}

	Record(ctx, DecisionAllow, "test.op3", "test3", "subject3")

	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected file to grow (append-only), size before=%d after=%d", info1.Size(), info2.Size())
	}

	for i, line := range readAuditLines(t, home) {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		if _, ok := e["timestamp"]; !ok {
			t.Fatalf("line %d missing timestamp", i)
		}
	}
}
