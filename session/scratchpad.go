package session

import (
	"sync"

	"github.com/weftworks/weft/core"
)

// Scratchpad is the session's shared dataplane: entry keys seeded from the
// chat turn plus every output committed by executed steps, read back through
// ${scratchpad.<key>} bindings. Values are whatever the capability produced,
// JSON-shaped in practice. Writes are monotonic within one run; overwriting
// is legal but logged because it usually means two steps declared the same
// output key.
type Scratchpad struct {
	mu     sync.RWMutex
	values map[string]interface{}
	logger core.Logger
}

// NewScratchpad creates an empty scratchpad.
func NewScratchpad(logger core.Logger) *Scratchpad {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Scratchpad{
		values: make(map[string]interface{}),
		logger: logger,
	}
}

// Get reads one key.
func (p *Scratchpad) Get(key string) (interface{}, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[key]
	return v, ok
}

// Set writes one key. Overwrites are logged at WARN.
func (p *Scratchpad) Set(key string, value interface{}) {
	p.mu.Lock()
	_, existed := p.values[key]
	p.values[key] = value
	p.mu.Unlock()

	if existed {
		p.logger.Warn("Scratchpad key overwritten", map[string]interface{}{
			"operation": "scratchpad_set",
			"key":       key,
		})
	}
}

// Seed writes entry keys before a run starts. Unlike Set it never warns:
// re-seeding the question on every chat turn is the expected path.
func (p *Scratchpad) Seed(values map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range values {
		p.values[k] = v
	}
}

// Snapshot copies the current contents for run records and tests.
func (p *Scratchpad) Snapshot() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]interface{}, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// Len reports the number of stored keys.
func (p *Scratchpad) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.values)
}
