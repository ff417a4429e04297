package services

import (
	"sync"
	"testing"
	"time"

	"chatrelay/internal/models"
)

func newConn(id string) *models.UserConnection {
	return models.NewUserConnection(id, nil, 8)
}

func TestPresenceRegistry_RegisterAndLookup(t *testing.T) {
	r := NewPresenceRegistry()

	if _, ok := r.Lookup("alice"); ok {
		t.Fatal("Registry should start empty")
	}

	first := newConn("c1")
	r.Register("alice", first)
	got, ok := r.Lookup("alice")
	if !ok || got != first {
		t.Fatal("Expected first connection")
	}

	second := newConn("c2")
	r.Register("alice", second)
	if got, _ := r.Lookup("alice"); got != second {
		t.Error("Last registration should win")
	}
	if r.Count() != 1 {
		t.Errorf("Expected one entry per user, got %d", r.Count())
	}
}

func TestPresenceRegistry_UnregisterGuard(t *testing.T) {
	r := NewPresenceRegistry()
	stale := newConn("old")
	fresh := newConn("new")

	r.Register("alice", stale)
	r.Register("alice", fresh)

	if r.Unregister("alice", stale) {
		t.Error("Stale disconnect must not remove the newer connection")
	}
	if got, ok := r.Lookup("alice"); !ok || got != fresh {
		t.Fatal("Newer connection should still be registered")
	}

	if !r.Unregister("alice", fresh) {
		t.Error("Expected the matching connection to be removed")
	}
	if _, ok := r.Lookup("alice"); ok {
		t.Error("Expected alice to be offline")
	}
	if r.Unregister("alice", fresh) {
		t.Error("Second unregister should be a no-op")
	}
}

func TestPresenceRegistry_EntriesIsACopy(t *testing.T) {
	r := NewPresenceRegistry()
	r.Register("alice", newConn("c1"))

	entries := r.Entries()
	delete(entries, "alice")

	if _, ok := r.Lookup("alice"); !ok {
		t.Error("Mutating the snapshot should not affect the registry")
	}
}

func TestPresenceRegistry_ConcurrentAccess(t *testing.T) {
	r := NewPresenceRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		conn := newConn("c")
		go func() {
			defer wg.Done()
			r.Register("alice", conn)
			r.Unregister("alice", conn)
		}()
		go func() {
			defer wg.Done()
			r.Lookup("alice")
			r.Count()
		}()
	}
	wg.Wait()
}

func TestPresenceSweeper_RemovesClosedOnly(t *testing.T) {
	r := NewPresenceRegistry()
	closed := newConn("closed")
	closed.Close()
	live := newConn("live")

	r.Register("alice", closed)
	r.Register("bob", live)

	sweeper, err := NewPresenceSweeper(r, time.Hour)
	if err != nil {
		t.Fatalf("NewPresenceSweeper failed: %v", err)
	}

	if removed := sweeper.Sweep(); removed != 1 {
		t.Errorf("Expected 1 removal, got %d", removed)
	}
	if _, ok := r.Lookup("alice"); ok {
		t.Error("Closed connection should be swept")
	}
	if _, ok := r.Lookup("bob"); !ok {
		t.Error("Live connection should stay")
	}
}

func TestPresenceSweeper_StartStop(t *testing.T) {
	r := NewPresenceRegistry()
	closed := newConn("closed")
	closed.Close()
	r.Register("alice", closed)

	sweeper, err := NewPresenceSweeper(r, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewPresenceSweeper failed: %v", err)
	}
	if err := sweeper.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sweeper.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if r.Count() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("Scheduled sweep never ran")
}
