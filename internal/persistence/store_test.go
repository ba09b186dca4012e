package persistence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "gopaw.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_ReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gopaw.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := s.KVSet(ctx, "k", "v1"); err != nil {
		t.Fatalf("KVSet: %v", err)
	}
	_ = s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if got, _ := s.KVGet(ctx, "k"); got != "v1" {
		t.Fatalf("KVGet after reopen = %q", got)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestOpen_RejectsForeignChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gopaw.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.DB().Exec(`UPDATE schema_migrations SET checksum = 'other' WHERE version = ?`, migrations[0].version); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_ = s.Close()

	if _, err := Open(path); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gopaw.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.DB().Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = s.Close()

	if _, err := Open(path); err == nil || !strings.Contains(err.Error(), "newer") {
		t.Fatalf("Open = %v, want newer-schema error", err)
	}
}

func TestKV_OverwriteAndMissing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if got, err := s.KVGet(ctx, "missing"); err != nil || got != "" {
		t.Fatalf("KVGet(missing) = %q, %v", got, err)
	}
	_ = s.KVSet(ctx, "k", "a")
	_ = s.KVSet(ctx, "k", "b")
	if got, _ := s.KVGet(ctx, "k"); got != "b" {
		t.Fatalf("KVGet = %q, want b", got)
	}
}

func TestRecentAudit_NewestFirst(t *testing.T) {
	s := openTestStore(t)
	for i := range 3 {
		if _, err := s.DB().Exec(`INSERT INTO audit_log (subject, action, decision, reason) VALUES (?, ?, ?, ?)`,
			fmt.Sprint(i), "pairing.bind", "allow", "r"); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	rows, err := s.RecentAudit(context.Background(), 2)
	if err != nil {
		t.Fatalf("RecentAudit: %v", err)
	}
	if len(rows) != 2 || rows[0].Subject != "2" || rows[1].Subject != "1" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("constraint failed"), false},
		{errors.New("database is locked"), true},
		{fmt.Errorf("wrapped: %w", errors.New("database table is locked")), true},
		{errors.New("SQLITE_BUSY (5)"), true},
	}
	for _, tt := range tests {
		if got := isSQLiteBusy(tt.err); got != tt.want {
			t.Errorf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRetryOnBusy(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("busy then ok: err=%v calls=%d", err, calls)
	}

	calls = 0
	err = retryOnBusy(context.Background(), 3, func() error {
		calls++
		return errors.New("syntax error")
	})
	if err == nil || calls != 1 {
		t.Fatalf("non-busy error retried: err=%v calls=%d", err, calls)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = retryOnBusy(ctx, 50, func() error { return errors.New("database is locked") })
	if err == nil {
		t.Fatal("expected error once context expires")
	}
}
