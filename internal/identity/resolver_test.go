package identity

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakePointerStore struct {
	mu       sync.Mutex
	sessions map[string]string
	updated  map[string]time.Time
	now      func() time.Time
	sets     int
}

func newFakePointerStore(now func() time.Time) *fakePointerStore {
	return &fakePointerStore{
		sessions: make(map[string]string),
		updated:  make(map[string]time.Time),
		now:      now,
	}
}

func (s *fakePointerStore) CurrentSession(_ context.Context, userID string) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[userID], s.updated[userID], nil
}

func (s *fakePointerStore) SetCurrentSession(_ context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[userID] = sessionID
	s.updated[userID] = s.now()
	s.sets++
	return nil
}

func (s *fakePointerStore) TouchSession(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated[userID] = s.now()
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolve_FixedPolicyIsDeterministic(t *testing.T) {
	r, err := NewResolver(Config{Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}

	a, err := r.Resolve(context.Background(), 4242)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := r.Resolve(context.Background(), 4242)

	if a.ID() != "session_4242" {
		t.Fatalf("expected session_4242, got %q", a.ID())
	}
	if a.ID() != b.ID() {
		t.Fatalf("fixed policy must be stable: %q vs %q", a.ID(), b.ID())
	}
	if a.ChannelUserID != "4242" {
		t.Fatalf("unexpected channel user id %q", a.ChannelUserID)
	}
}

func TestResolve_FixedPolicyNegativeChatID(t *testing.T) {
	r, _ := NewResolver(Config{Logger: testLogger()})
	conv, err := r.Resolve(context.Background(), -100123)
	if err != nil {
		t.Fatal(err)
	}
	if conv.ID() != "session_-100123" {
		t.Fatalf("unexpected id %q", conv.ID())
	}
}

func TestRotate_FixedPolicyKeepsConversation(t *testing.T) {
	r, _ := NewResolver(Config{Logger: testLogger()})
	before, _ := r.Resolve(context.Background(), 7)
	after, err := r.Rotate(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if before.ID() != after.ID() {
		t.Fatal("rotate must be a no-op under the fixed policy")
	}
}

func TestResolve_RotatingMintsOnceThenReuses(t *testing.T) {
	store := newFakePointerStore(time.Now)
	r, err := NewResolver(Config{Policy: PolicyRotating, Store: store, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}

	first, err := r.Resolve(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	second, _ := r.Resolve(context.Background(), 1)

	if first.ID() != second.ID() {
		t.Fatalf("session must persist between turns: %q vs %q", first.ID(), second.ID())
	}
	if !strings.HasPrefix(first.ID(), DefaultPrefix) {
		t.Fatalf("minted session should carry prefix, got %q", first.ID())
	}
	if store.sets != 1 {
		t.Fatalf("expected one mint, got %d", store.sets)
	}
}

func TestRotate_RotatingStartsFreshConversation(t *testing.T) {
	store := newFakePointerStore(time.Now)
	r, _ := NewResolver(Config{Policy: PolicyRotating, Store: store, Logger: testLogger()})

	before, _ := r.Resolve(context.Background(), 1)
	rotated, err := r.Rotate(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	after, _ := r.Resolve(context.Background(), 1)

	if rotated.ID() == before.ID() {
		t.Fatal("rotate must mint a new session")
	}
	if after.ID() != rotated.ID() {
		t.Fatal("resolve after rotate must return the rotated session")
	}
}

func TestResolve_RotatingExpiresIdleSession(t *testing.T) {
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	store := newFakePointerStore(now)
	r, _ := NewResolver(Config{
		Policy:      PolicyRotating,
		Store:       store,
		IdleTimeout: 30 * time.Minute,
		Logger:      testLogger(),
		Now:         now,
	})

	first, _ := r.Resolve(context.Background(), 9)

	clock = clock.Add(10 * time.Minute)
	stillActive, _ := r.Resolve(context.Background(), 9)
	if stillActive.ID() != first.ID() {
		t.Fatal("session should survive within idle timeout")
	}

	clock = clock.Add(31 * time.Minute)
	expired, _ := r.Resolve(context.Background(), 9)
	if expired.ID() == first.ID() {
		t.Fatal("session should rotate after idle timeout")
	}
}

func TestResolve_ChatsAreIndependent(t *testing.T) {
	store := newFakePointerStore(time.Now)
	r, _ := NewResolver(Config{Policy: PolicyRotating, Store: store, Logger: testLogger()})

	a, _ := r.Resolve(context.Background(), 1)
	b, _ := r.Resolve(context.Background(), 2)
	if a.ID() == b.ID() {
		t.Fatal("different chats must not share a session")
	}
}

func TestNewResolver_Validation(t *testing.T) {
	if _, err := NewResolver(Config{Policy: "sticky"}); err == nil {
		t.Fatal("expected error for unknown policy")
	}
	if _, err := NewResolver(Config{Policy: PolicyRotating}); err == nil {
		t.Fatal("expected error for rotating policy without store")
	}
}

func TestMintSessionID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := MintSessionID()
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true
	}
}
