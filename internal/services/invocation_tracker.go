package services

import (
	"log"
	"sort"
	"sync"
	"time"
)

// StreamState is the lifecycle state of one orchestrator run
type StreamState string

const (
	StateStarted   StreamState = "STARTED"
	StateStreaming StreamState = "STREAMING"
	StateFinished  StreamState = "FINISHED"
	StateFailed    StreamState = "FAILED"
)

// Terminal reports whether no further transition can happen
func (s StreamState) Terminal() bool {
	return s == StateFinished || s == StateFailed
}

// InvocationInfo is a point-in-time view of one in-flight run
type InvocationInfo struct {
	ArtifactID string      `json:"artifactId"`
	UserID     string      `json:"userId"`
	SessionID  string      `json:"sessionId"`
	State      StreamState `json:"state"`
	StartedAt  time.Time   `json:"startedAt"`
}

// InvocationTracker registers in-flight orchestrator runs by artifact id.
// On shutdown it stops accepting new runs and waits for running ones to
// persist their artifacts. It never cancels a run.
type InvocationTracker struct {
	wg       sync.WaitGroup
	mu       sync.RWMutex
	draining bool
	active   map[string]*InvocationInfo
}

// NewInvocationTracker creates a new invocation tracker.
func NewInvocationTracker() *InvocationTracker {
	return &InvocationTracker{active: make(map[string]*InvocationInfo)}
}

// Acquire registers a new run. Returns false if the server is draining
// (shutting down) and new runs should not start.
func (t *InvocationTracker) Acquire(artifactID, userID, sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining {
		return false
	}
	t.active[artifactID] = &InvocationInfo{
		ArtifactID: artifactID,
		UserID:     userID,
		SessionID:  sessionID,
		State:      StateStarted,
		StartedAt:  time.Now(),
	}
	t.wg.Add(1)
	return true
}

// SetState records a state transition of a registered run
func (t *InvocationTracker) SetState(artifactID string, state StreamState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.active[artifactID]; ok {
		info.State = state
	}
}

// Release marks a run as finished and forgets it.
func (t *InvocationTracker) Release(artifactID string) {
	t.mu.Lock()
	_, ok := t.active[artifactID]
	delete(t.active, artifactID)
	t.mu.Unlock()
	if ok {
		t.wg.Done()
	}
}

// Count returns the number of in-flight runs
func (t *InvocationTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}

// Snapshot returns the in-flight runs, oldest first
func (t *InvocationTracker) Snapshot() []InvocationInfo {
	t.mu.RLock()
	out := make([]InvocationInfo, 0, len(t.active))
	for _, info := range t.active {
		out = append(out, *info)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ArtifactID < out[j].ArtifactID
	})
	return out
}

// Drain stops accepting new runs and waits up to timeout for active ones
// to complete. Returns true if all runs finished, false if timed out.
func (t *InvocationTracker) Drain(timeout time.Duration) bool {
	t.mu.Lock()
	t.draining = true
	inflight := len(t.active)
	t.mu.Unlock()

	log.Printf("🔄 [TRACKER] Draining %d in-flight invocation(s) (timeout: %s)...", inflight, timeout)

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("✅ [TRACKER] All in-flight invocations completed")
		return true
	case <-time.After(timeout):
		log.Printf("⚠️ [TRACKER] Drain timeout reached, %d invocation(s) still running", t.Count())
		return false
	}
}

// IsDraining returns true if the tracker is in drain mode (shutting down).
func (t *InvocationTracker) IsDraining() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.draining
}
