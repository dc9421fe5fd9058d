package core

import (
	"sync"

	"github.com/google/uuid"
)

// SubmissionGuard serializes submissions per (game, currency). Two
// in-flight submissions for the same leg would make the pre-submit
// presence check meaningless: the first could land on chain while the
// second still sees Absent.
type SubmissionGuard struct {
	mu       sync.Mutex
	inFlight map[string]bool
}

func NewSubmissionGuard() *SubmissionGuard {
	return &SubmissionGuard{inFlight: make(map[string]bool)}
}

// TryAcquire claims the leg, returning false when a submission for it
// is already in flight. On success the caller must invoke the release
// function exactly once.
func (g *SubmissionGuard) TryAcquire(game uuid.UUID, currency string) (release func(), ok bool) {
	key := game.String() + "/" + currency

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inFlight[key] {
		return nil, false
	}
	g.inFlight[key] = true

	return func() {
		g.mu.Lock()
		delete(g.inFlight, key)
		g.mu.Unlock()
	}, true
}

// InFlight reports how many legs currently hold the guard.
func (g *SubmissionGuard) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inFlight)
}
