package agent

import "strings"

// Store exposes agent lookup for handlers and services.
type Store interface {
	List() []Agent
	FindByID(id string) (Agent, bool)
	Resolve(key string) (Agent, bool)
	DisplayName(key string) string
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []Agent
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied agents.
func NewMemoryStore(items []Agent) *MemoryStore {
	return &MemoryStore{items: append([]Agent(nil), items...)}
}

// List returns the agent directory.
func (s *MemoryStore) List() []Agent {
	return append([]Agent(nil), s.items...)
}

// FindByID looks up an agent by identifier.
func (s *MemoryStore) FindByID(id string) (Agent, bool) {
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Agent{}, false
}

// Resolve accepts either an id or a display name, case-insensitively.
// Conversations store the display name ("Chris") while messages carry ids.
func (s *MemoryStore) Resolve(key string) (Agent, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Agent{}, false
	}
	for _, item := range s.items {
		if strings.EqualFold(item.ID, key) || strings.EqualFold(item.Name, key) {
			return item, true
		}
	}
	return Agent{}, false
}

// DisplayName returns the agent's name, or the key itself for unknown agents.
func (s *MemoryStore) DisplayName(key string) string {
	if a, ok := s.Resolve(key); ok {
		return a.Name
	}
	if strings.TrimSpace(key) == "" {
		return "Assistant"
	}
	return key
}
