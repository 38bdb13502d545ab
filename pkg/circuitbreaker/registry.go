package circuitbreaker

import (
	"slices"
	"sync"
)

// Registry holds one breaker per key: a collaborator name for outbound REST
// calls, a destination for event delivery. Breakers are created on first use
// and live as long as the registry.
type Registry struct {
	config Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers all use cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		config:   cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker of key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = New(r.config)
		r.breakers[key] = b
	}
	return b
}

// Stats counts breakers per state.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
}

// Stats returns the current state counts.
func (r *Registry) Stats() Stats {
	var s Stats
	for _, state := range r.states() {
		s.Total++
		switch state {
		case Open:
			s.Open++
		case HalfOpen:
			s.HalfOpen++
		default:
			s.Closed++
		}
	}
	return s
}

// OpenKeys returns the sorted keys whose breaker currently rejects calls.
func (r *Registry) OpenKeys() []string {
	var keys []string
	for key, state := range r.states() {
		if state == Open {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

func (r *Registry) states() map[string]State {
	r.mu.Lock()
	breakers := make(map[string]*Breaker, len(r.breakers))
	for k, b := range r.breakers {
		breakers[k] = b
	}
	r.mu.Unlock()

	states := make(map[string]State, len(breakers))
	for k, b := range breakers {
		states[k] = b.State()
	}
	return states
}
