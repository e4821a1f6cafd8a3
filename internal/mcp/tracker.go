package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// evaluationTracker records recent shinsa_evaluate_claim calls so
// handleRecordOutcome can nudge agents that report outcomes for claims they
// never evaluated. It is per-process and advisory only.
type evaluationTracker struct {
	mu     sync.Mutex
	seen   map[evaluationKey]time.Time
	window time.Duration
	now    func() time.Time
}

type evaluationKey struct {
	agentID string
	claimID uuid.UUID
}

// maxTrackedEvaluations is the size above which Record purges stale entries.
const maxTrackedEvaluations = 1000

func newEvaluationTracker(window time.Duration) *evaluationTracker {
	return &evaluationTracker{
		seen:   make(map[evaluationKey]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Record notes that agentID evaluated claimID.
func (t *evaluationTracker) Record(agentID string, claimID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[evaluationKey{agentID, claimID}] = t.now()

	if len(t.seen) > maxTrackedEvaluations {
		t.purgeStale()
	}
}

// WasEvaluated reports whether agentID evaluated claimID within the window.
func (t *evaluationTracker) WasEvaluated(agentID string, claimID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := evaluationKey{agentID, claimID}
	ts, ok := t.seen[key]
	if !ok {
		return false
	}
	if t.now().Sub(ts) > t.window {
		delete(t.seen, key)
		return false
	}
	return true
}

// Len returns the number of tracked entries.
func (t *evaluationTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// purgeStale removes entries older than the window. Must be called with mu held.
func (t *evaluationTracker) purgeStale() {
	now := t.now()
	for k, ts := range t.seen {
		if now.Sub(ts) > t.window {
			delete(t.seen, k)
		}
	}
}
