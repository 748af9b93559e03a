package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/sidecue/sidecue-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	cfg := config.HistoryConfig{RetentionMode: "ephemeral"}
	hs, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })

	if err := hs.AppendTurn(context.Background(), "s", "user", "hi"); err != nil {
		t.Fatalf("append turn: %v", err)
	}
	turns, err := hs.ListTurns(context.Background(), "s", 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("ephemeral store kept %d turns", len(turns))
	}
}

func TestAppendAndListTurns(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "persistent"}
	hs, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })

	sessionID := "session-123"
	if err := hs.AppendSession(context.Background(), sessionID); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := hs.AppendTurn(context.Background(), sessionID, "user", "negotiate the rate"); err != nil {
		t.Fatalf("append turn: %v", err)
	}
	if err := hs.AppendTurn(context.Background(), sessionID, "assistant", "counter with market data"); err != nil {
		t.Fatalf("append turn: %v", err)
	}

	turns, err := hs.ListTurns(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Fatalf("turns out of order: %+v", turns)
	}
	if turns[1].Content != "counter with market data" {
		t.Fatalf("unexpected content: %q", turns[1].Content)
	}
}

func TestSessionWriterScopesTurns(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "persistent"}
	hs, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })

	if err := hs.AppendSession(context.Background(), "a"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := hs.AppendSession(context.Background(), "b"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := hs.ForSession("a").AppendTurn(context.Background(), "user", "only in a"); err != nil {
		t.Fatalf("append turn: %v", err)
	}

	turns, err := hs.ListTurns(context.Background(), "b", 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("session b should be empty, got %d turns", len(turns))
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	hs, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })

	hs.clock = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := hs.AppendSession(context.Background(), "old-session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := hs.AppendTurn(context.Background(), "old-session", "user", "stale"); err != nil {
		t.Fatalf("append turn: %v", err)
	}

	hs.clock = func() time.Time { return time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := hs.AppendSession(context.Background(), "new-session"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := hs.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	turns, err := hs.ListTurns(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("expected old session pruned")
	}
}
