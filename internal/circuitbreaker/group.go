package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Group holds one breaker per key, created on first use.
type Group struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	newCfg   func(key string) Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewGroup creates a group whose breakers are configured by newCfg.
func NewGroup(newCfg func(key string) Config, logger *zap.Logger) *Group {
	if newCfg == nil {
		newCfg = DefaultConfig
	}
	return &Group{
		breakers: make(map[string]*CircuitBreaker),
		newCfg:   newCfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Get returns the breaker for key.
func (g *Group) Get(key string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[key]; ok {
		return cb
	}
	cfg := g.newCfg(key)
	cfg.Name = key
	cb := newWithClock(cfg, g.logger, g.now)
	g.breakers[key] = cb
	return cb
}

// Stats lists every breaker, sorted by name.
func (g *Group) Stats() []Stats {
	g.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(g.breakers))
	for _, cb := range g.breakers {
		breakers = append(breakers, cb)
	}
	g.mu.Unlock()

	out := make([]Stats, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset closes the breaker for key. It reports false for unknown keys.
func (g *Group) Reset(key string) bool {
	g.mu.Lock()
	cb, ok := g.breakers[key]
	g.mu.Unlock()
	if !ok {
		return false
	}
	cb.Reset()
	return true
}
