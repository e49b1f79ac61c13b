package router

import (
	"sync"

	"github.com/internetarchive/dweb-transports-sub000/internal/naming"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
)

// Registry is the ordered set of live transports. Insertion order is routing
// priority. It is created once per Router and only ever emptied as a whole.
type Registry struct {
	mu         sync.RWMutex
	transports []transport.Transport
	paused     map[string]struct{}
	resolver   naming.Resolver
	mirror     naming.Rewriter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{paused: make(map[string]struct{})}
}

// Add appends a transport. Duplicate names are kept and routed separately.
func (g *Registry) Add(t transport.Transport) {
	g.mu.Lock()
	g.transports = append(g.transports, t)
	g.mu.Unlock()
}

// All returns the transports in priority order.
func (g *Registry) All() []transport.Transport {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]transport.Transport, len(g.transports))
	copy(out, g.transports)
	return out
}

// Get returns the first transport with the given name.
func (g *Registry) Get(name string) (transport.Transport, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, t := range g.transports {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// Len returns the number of registered transports.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.transports)
}

// SetPaused replaces the set of names skipped by Connect.
func (g *Registry) SetPaused(names []string) {
	paused := make(map[string]struct{}, len(names))
	for _, n := range names {
		paused[n] = struct{}{}
	}
	g.mu.Lock()
	g.paused = paused
	g.mu.Unlock()
}

// IsPaused reports whether name is in the paused set.
func (g *Registry) IsPaused(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.paused[name]
	return ok
}

func (g *Registry) unpause(name string) {
	g.mu.Lock()
	delete(g.paused, name)
	g.mu.Unlock()
}

// SetNaming installs the name resolver. nil restores passthrough.
func (g *Registry) SetNaming(r naming.Resolver) {
	g.mu.Lock()
	g.resolver = r
	g.mu.Unlock()
}

// SetMirror installs a mirror rewriter, used instead of name resolution.
// nil turns mirror mode off.
func (g *Registry) SetMirror(m naming.Rewriter) {
	g.mu.Lock()
	g.mirror = m
	g.mu.Unlock()
}

func (g *Registry) collaborators() (naming.Resolver, naming.Rewriter) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.resolver, g.mirror
}

// Clear empties the registry and returns what it held.
func (g *Registry) Clear() []transport.Transport {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.transports
	g.transports = nil
	return out
}
