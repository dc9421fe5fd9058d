package state

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// SettlementManager owns the in-memory settlement table plus the set of
// games parked in Bridging for lack of reserves. The maps are guarded
// because settlements run on concurrent per-game goroutines; individual
// Settlement values are still single-owner (see Settlement).
type SettlementManager struct {
	mu          sync.RWMutex
	settlements map[uuid.UUID]*Settlement
	parked      map[uuid.UUID]bool
}

func NewSettlementManager() *SettlementManager {
	return &SettlementManager{
		settlements: make(map[uuid.UUID]*Settlement),
		parked:      make(map[uuid.UUID]bool),
	}
}

// Get returns the settlement for a game or nil.
func (m *SettlementManager) Get(game uuid.UUID) *Settlement {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settlements[game]
}

// GetOrCreate returns the existing settlement or creates one in
// Planning with no legs.
func (m *SettlementManager) GetOrCreate(game uuid.UUID, sequence int64) *Settlement {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.settlements[game]
	if s == nil {
		s = &Settlement{
			Game:     game,
			Status:   StatusPlanning,
			Legs:     make(map[string]*Leg),
			Sequence: sequence,
		}
		m.settlements[game] = s
	}
	return s
}

// Restore installs a settlement rebuilt from durable rows, replacing
// any in-memory copy. Used on startup resume.
func (m *SettlementManager) Restore(s *Settlement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements[s.Game] = s
}

// Remove drops a settlement from memory. Called after a terminal
// outcome; the durable record stays in the store.
func (m *SettlementManager) Remove(game uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.settlements, game)
	delete(m.parked, game)
}

// Park records a game waiting in Bridging for reserve funding.
func (m *SettlementManager) Park(game uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parked[game] = true
}

// TakeParked drains the parked set, returning game ids in sorted order
// so re-kick processing is deterministic.
func (m *SettlementManager) TakeParked() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.parked) == 0 {
		return nil
	}
	games := make([]uuid.UUID, 0, len(m.parked))
	for g := range m.parked {
		games = append(games, g)
	}
	m.parked = make(map[uuid.UUID]bool)

	sort.Slice(games, func(i, j int) bool {
		return games[i].String() < games[j].String()
	})
	return games
}

// ParkedCount returns how many games are waiting for reserves.
func (m *SettlementManager) ParkedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.parked)
}

// Active returns all non-terminal settlements, sorted by game id.
func (m *SettlementManager) Active() []*Settlement {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Settlement, 0, len(m.settlements))
	for _, s := range m.settlements {
		if !s.Status.IsTerminal() {
			result = append(result, s)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Game.String() < result[j].Game.String()
	})
	return result
}

// Len returns the number of tracked settlements.
func (m *SettlementManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.settlements)
}
