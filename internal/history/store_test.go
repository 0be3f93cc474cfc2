package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"agentrelay/internal/domain"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "history.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// --- migrations ---

func TestRunMigrations_FreshDB(t *testing.T) {
	db := testDB(t)
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := testDB(t)
	logger := testLogger()

	if err := RunMigrations(db, logger); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}
	if err := RunMigrations(db, logger); err != nil {
		t.Fatalf("second migration (idempotent) failed: %v", err)
	}
	version, _ := GetSchemaVersion(db)
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestRunMigrations_CreatesExpectedTables(t *testing.T) {
	db := testDB(t)
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatal(err)
	}

	for _, table := range []string{"conversations", "turns", "interactions", "chat_sessions", "schema_version"} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestRunMigrations_UpgradeFromV1(t *testing.T) {
	db := testDB(t)
	logger := testLogger()

	// Simulate a database that only ever saw v1.
	saved := migrations
	migrations = saved[:1]
	if err := RunMigrations(db, logger); err != nil {
		migrations = saved
		t.Fatal(err)
	}
	migrations = saved

	if v, _ := GetSchemaVersion(db); v != 1 {
		t.Fatalf("expected v1, got %d", v)
	}
	if err := RunMigrations(db, logger); err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}
	if v, _ := GetSchemaVersion(db); v != schemaVersion {
		t.Fatalf("expected v%d after upgrade, got %d", schemaVersion, v)
	}
}

func TestGetSchemaVersion_NoTable(t *testing.T) {
	db := testDB(t)
	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != 0 {
		t.Errorf("expected version 0 for empty db, got %d", version)
	}
}

func TestRunMigrations_FailedMigrationIsNotRecorded(t *testing.T) {
	db := testDB(t)
	saved := migrations
	t.Cleanup(func() { migrations = saved })
	migrations = append(append([]migration(nil), saved...), migration{
		Version:     schemaVersion + 1,
		Description: "broken",
		SQL:         "CREATE TABLE broken (id INT); ALTER TABLE no_such_table ADD COLUMN x INT",
	})

	if err := RunMigrations(db, testLogger()); err == nil {
		t.Fatal("expected the broken migration to fail")
	}
	version, _ := GetSchemaVersion(db)
	if version != schemaVersion {
		t.Fatalf("expected schema v%d after failure, got v%d", schemaVersion, version)
	}
	var name string
	if err := db.QueryRow("SELECT name FROM sqlite_master WHERE name='broken'").Scan(&name); err == nil {
		t.Fatal("partial migration should be rolled back")
	}
}

// --- turns ---

func TestRecordReplay_PreservesInsertionOrder(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	want := []struct {
		role domain.Role
		text string
	}{
		{domain.RoleUser, "hi"},
		{domain.RoleAgent, "hello!"},
		{domain.RoleUser, "how are you?"},
		{domain.RoleAgent, "fine"},
		{domain.RoleUser, ""},
	}
	for _, w := range want {
		if err := store.Record(ctx, "session_1", w.role, w.text); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	turns, err := store.Replay(ctx, "session_1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(turns) != len(want) {
		t.Fatalf("expected %d turns, got %d", len(want), len(turns))
	}
	for i, w := range want {
		if turns[i].Role != w.role || turns[i].Text != w.text {
			t.Errorf("turn %d: got (%s, %q), want (%s, %q)", i, turns[i].Role, turns[i].Text, w.role, w.text)
		}
		if turns[i].ConversationID != "session_1" {
			t.Errorf("turn %d: wrong conversation %q", i, turns[i].ConversationID)
		}
	}
}

func TestReplay_IsIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	store.Record(ctx, "c", domain.RoleUser, "one")
	store.Record(ctx, "c", domain.RoleAgent, "two")

	first, _ := store.Replay(ctx, "c")
	second, _ := store.Replay(ctx, "c")
	if len(first) != len(second) {
		t.Fatalf("replay changed length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].Text != second[i].Text {
			t.Fatalf("replay not stable at %d", i)
		}
	}
}

func TestReplay_UnknownConversationIsEmpty(t *testing.T) {
	store := testStore(t)
	turns, err := store.Replay(context.Background(), "nope")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if turns == nil || len(turns) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", turns)
	}
}

func TestReplay_ConversationsAreIsolated(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	store.Record(ctx, "a", domain.RoleUser, "for a")
	store.Record(ctx, "b", domain.RoleUser, "for b")

	turns, _ := store.Replay(ctx, "a")
	if len(turns) != 1 || turns[0].Text != "for a" {
		t.Fatalf("conversation a leaked turns: %+v", turns)
	}
}

func TestRecent_ReturnsTailInOrder(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		store.Record(ctx, "c", domain.RoleUser, fmt.Sprintf("m%d", i))
	}

	turns, err := store.Recent(ctx, "c", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3, got %d", len(turns))
	}
	for i, want := range []string{"m3", "m4", "m5"} {
		if turns[i].Text != want {
			t.Errorf("turn %d: got %q, want %q", i, turns[i].Text, want)
		}
	}

	none, _ := store.Recent(ctx, "c", 0)
	if len(none) != 0 {
		t.Fatalf("limit 0 should return nothing, got %d", len(none))
	}
}

func TestRecord_ConcurrentWritersKeepEveryTurn(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.Record(ctx, "c", domain.RoleUser, fmt.Sprintf("m%d", i)); err != nil {
				t.Errorf("record %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	turns, _ := store.Replay(ctx, "c")
	if len(turns) != 20 {
		t.Fatalf("expected 20 turns, got %d", len(turns))
	}
}

// --- conversations ---

func TestEnsureConversation_Idempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	conv := domain.Conversation{ChannelUserID: "42", SessionID: "session_42"}

	if err := store.EnsureConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	if err := store.EnsureConversation(ctx, conv); err != nil {
		t.Fatalf("second ensure should be a no-op: %v", err)
	}

	got, err := store.GetConversation(ctx, "session_42")
	if err != nil || got == nil {
		t.Fatalf("get conversation: %v %v", got, err)
	}
	if got.ChannelUserID != "42" {
		t.Fatalf("unexpected channel user %q", got.ChannelUserID)
	}
}

func TestGetConversation_Missing(t *testing.T) {
	store := testStore(t)
	got, err := store.GetConversation(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestListConversations_MostRecentFirst(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	store.Record(ctx, "old", domain.RoleUser, "x")
	store.Record(ctx, "new", domain.RoleUser, "y")
	store.Record(ctx, "old", domain.RoleAgent, "z")

	convs, err := store.ListConversations(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	if convs[0].ID() != "old" {
		t.Fatalf("expected most recently active first, got %q", convs[0].ID())
	}
}

// --- interactions ---

func TestLogInteraction(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	err := store.LogInteraction(ctx, domain.Interaction{
		ChatID:         "99",
		Username:       "alice",
		MessageType:    "text",
		MessageContent: "hi",
		ReplyMessage:   "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	n, err := store.CountInteractions(ctx, "99")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 interaction, got %d", n)
	}
}

// --- session pointer ---

func TestSessionPointer_SetGetTouch(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	current := base
	store.now = func() time.Time { return current }

	id, at, err := store.CurrentSession(ctx, "7")
	if err != nil {
		t.Fatal(err)
	}
	if id != "" || !at.IsZero() {
		t.Fatalf("expected no session, got %q %v", id, at)
	}

	if err := store.SetCurrentSession(ctx, "7", "s1"); err != nil {
		t.Fatal(err)
	}
	current = base.Add(time.Hour)
	if err := store.SetCurrentSession(ctx, "7", "s2"); err != nil {
		t.Fatal(err)
	}
	id, at, _ = store.CurrentSession(ctx, "7")
	if id != "s2" {
		t.Fatalf("expected s2, got %q", id)
	}
	if !at.Equal(current) {
		t.Fatalf("expected updated_at %v, got %v", current, at)
	}

	current = base.Add(2 * time.Hour)
	if err := store.TouchSession(ctx, "7"); err != nil {
		t.Fatal(err)
	}
	_, at, _ = store.CurrentSession(ctx, "7")
	if !at.Equal(current) {
		t.Fatalf("touch should bump updated_at to %v, got %v", current, at)
	}
}
