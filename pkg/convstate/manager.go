package convstate

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/arborchat-dev/arborchat/pkg/observability"
)

// Manager hands out the single actor instance per conversation id. Actors
// are created lazily, cached for their warm lifetime, and evicted after an
// idle window; eviction only drops the in-memory cache, the durable record
// stays in the backend and is reloaded on next use.
type Manager struct {
	backend StorageBackend

	mu     sync.RWMutex
	actors map[string]*Actor
	closed bool

	idleTTL time.Duration
	cron    *cron.Cron
}

// ManagerConfig configures the actor registry.
type ManagerConfig struct {
	// IdleTTL is how long an actor may sit unused before its in-memory
	// cache is evicted (default: 30m; 0 uses the default, negative
	// disables eviction).
	IdleTTL time.Duration
	// EvictionSchedule is a cron expression for the eviction sweep
	// (default: every 5 minutes).
	EvictionSchedule string
}

// NewManager creates a manager over the given backend and starts the
// eviction schedule.
func NewManager(backend StorageBackend, cfg ManagerConfig) (*Manager, error) {
	idleTTL := cfg.IdleTTL
	if idleTTL == 0 {
		idleTTL = 30 * time.Minute
	}
	schedule := cfg.EvictionSchedule
	if schedule == "" {
		schedule = "*/5 * * * *"
	}

	m := &Manager{
		backend: backend,
		actors:  make(map[string]*Actor),
		idleTTL: idleTTL,
	}

	if idleTTL > 0 {
		m.cron = cron.New()
		if _, err := m.cron.AddFunc(schedule, m.evictIdle); err != nil {
			return nil, fmt.Errorf("eviction schedule %q: %w", schedule, err)
		}
		m.cron.Start()
	}

	return m, nil
}

// For returns the actor owning the given conversation id, creating it on
// first use.
func (m *Manager) For(conversationID string) (*Actor, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrStorageClosed
	}
	if actor, ok := m.actors[conversationID]; ok {
		m.mu.RUnlock()
		return actor, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	if actor, ok := m.actors[conversationID]; ok {
		return actor, nil
	}
	actor := NewActor(conversationID, m.backend)
	m.actors[conversationID] = actor
	observability.SetActiveActors(len(m.actors))
	return actor, nil
}

// Evict drops a conversation's actor from the cache, forcing a reload on
// next use. Used after Reset so deleted conversations don't linger warm.
func (m *Manager) Evict(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.actors, conversationID)
	observability.SetActiveActors(len(m.actors))
}

// evictIdle drops actors that have not served an operation within the
// idle window.
func (m *Manager) evictIdle() {
	cutoff := time.Now().UTC().Add(-m.idleTTL)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	evicted := 0
	for id, actor := range m.actors {
		last := actor.LastUsed()
		if !last.IsZero() && last.Before(cutoff) {
			delete(m.actors, id)
			evicted++
		}
	}
	if evicted > 0 {
		observability.SetActiveActors(len(m.actors))
		log.Printf("evicted %d idle conversation actor(s), %d warm", evicted, len(m.actors))
	}
}

// Len reports the number of warm actors (useful for testing).
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.actors)
}

// Close stops the eviction schedule and closes the backend.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.actors = make(map[string]*Actor)
	m.mu.Unlock()

	if m.cron != nil {
		m.cron.Stop()
	}
	return m.backend.Close()
}
