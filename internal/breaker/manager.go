package breaker

import (
	"sort"
	"sync"
	"time"
)

// Manager hands out named breakers sharing one configuration.
type Manager struct {
	base Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager builds a manager. base.Name is ignored.
func NewManager(base Config) *Manager {
	return &Manager{base: base, breakers: make(map[string]*Breaker)}
}

// GetOrCreate returns the breaker registered under name, creating it on
// first use.
func (m *Manager) GetOrCreate(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	cfg := m.base
	cfg.Name = name
	b := New(cfg)
	m.breakers[name] = b
	return b
}

// Status is one breaker's state for reporting.
type Status struct {
	Name     string        `json:"name"`
	State    string        `json:"state"`
	Failures int           `json:"failures"`
	Cooldown time.Duration `json:"cooldown"`
}

// States reports every breaker, sorted by name.
func (m *Manager) States() []Status {
	m.mu.Lock()
	list := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		list = append(list, b)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(list))
	for _, b := range list {
		out = append(out, Status{
			Name:     b.Name(),
			State:    b.State().String(),
			Failures: b.Failures(),
			Cooldown: b.cfg.Cooldown,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
