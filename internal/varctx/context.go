// Package varctx implements the layered variable context: insertion by
// layer, lookup with precedence, and template interpolation over dynamic
// prefixes (env, file, cmd, json, date, uuid, secret).
//
// Grounded on the layered-merge shape of the teacher's variable store
// (internal/variables/store.go) and the secret-detection helper in its
// template engine (internal/template/engine.go), generalized from a flat
// two-map merge into the ordered layer stack spec.md §3 requires.
package varctx

import (
	"fmt"
	"sort"
	"sync"
)

// Layer names in ascending precedence order (later entries win on
// conflict). A step-level layer is pushed before a step runs and popped
// after, so step overrides never leak into subsequent steps.
const (
	LayerProcessEnv   = "process_env"
	LayerEnvFile      = "env_file"
	LayerWorkflowEnv  = "workflow_env"
	LayerProfile      = "profile"
	LayerStepEnv      = "step_env"
	LayerSecret       = "secret"
	LayerCaptured     = "captured"
	LayerIteration    = "iteration"
)

var layerOrder = []string{
	LayerProcessEnv,
	LayerEnvFile,
	LayerWorkflowEnv,
	LayerProfile,
	LayerStepEnv,
	LayerSecret,
	LayerCaptured,
	LayerIteration,
}

func layerRank(name string) int {
	for i, l := range layerOrder {
		if l == name {
			return i
		}
	}
	// Unknown layer names are treated as highest precedence so ad-hoc
	// layers (e.g. per-agent overlays) always win without needing a
	// registration step.
	return len(layerOrder)
}

// Context is a layered, precedence-ordered variable map. It is safe for
// concurrent reads; writes (Insert/Push/Pop) must come from a single
// owner, matching the "workflow context is owned exclusively by the
// orchestrator task" concurrency rule.
type Context struct {
	mu     sync.RWMutex
	layers map[string]map[string]any
	secret map[string]bool // key -> sensitive, independent of which layer set it
}

// New creates an empty context.
func New() *Context {
	return &Context{
		layers: make(map[string]map[string]any),
		secret: make(map[string]bool),
	}
}

// Insert sets key to value within the named layer.
func (c *Context) Insert(layer, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.layers[layer]
	if !ok {
		m = make(map[string]any)
		c.layers[layer] = m
	}
	m[key] = value
}

// InsertSecret inserts a value and marks it sensitive: it is masked
// wherever it would otherwise be emitted or logged.
func (c *Context) InsertSecret(layer, key string, value any) {
	c.Insert(layer, key, value)
	c.mu.Lock()
	c.secret[key] = true
	c.mu.Unlock()
}

// Lookup returns the highest-precedence value bound to key.
func (c *Context) Lookup(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookupLocked(key)
}

func (c *Context) lookupLocked(key string) (any, bool) {
	var (
		best      any
		found     bool
		bestLayer = -1
	)
	for layer, m := range c.layers {
		if v, ok := m[key]; ok {
			rank := layerRank(layer)
			if !found || rank >= bestLayer {
				best, found, bestLayer = v, true, rank
			}
		}
	}
	return best, found
}

// IsSecret reports whether key was inserted as a secret.
func (c *Context) IsSecret(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.secret[key]
}

// SecretValues returns every distinct sensitive value currently bound, for
// masking captured output and log lines against substring occurrences.
func (c *Context) SecretValues() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for key, sensitive := range c.secret {
		if !sensitive {
			continue
		}
		if v, ok := c.lookupLocked(key); ok {
			out = append(out, fmt.Sprintf("%v", v))
		}
	}
	return out
}

// Snapshot returns a flattened, precedence-resolved copy of the context
// suitable for checkpoint persistence.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make(map[string]struct{})
	for _, m := range c.layers {
		for k := range m {
			keys[k] = struct{}{}
		}
	}
	out := make(map[string]any, len(keys))
	for k := range keys {
		v, _ := c.lookupLocked(k)
		out[k] = v
	}
	return out
}

// RestoreSnapshot replaces the LayerCaptured layer wholesale, used by the
// resume controller to reconstitute context from a checkpoint.
func (c *Context) RestoreSnapshot(values map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := make(map[string]any, len(values))
	for k, v := range values {
		m[k] = v
	}
	c.layers[LayerCaptured] = m
}

// PushLayer replaces the contents of a layer and returns a function that
// restores the layer's prior contents, implementing the "step-level
// overrides do not leak into subsequent steps" invariant.
func (c *Context) PushLayer(layer string, values map[string]any) (pop func()) {
	c.mu.Lock()
	prior, hadPrior := c.layers[layer]
	m := make(map[string]any, len(values))
	for k, v := range values {
		m[k] = v
	}
	c.layers[layer] = m
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if hadPrior {
			c.layers[layer] = prior
		} else {
			delete(c.layers, layer)
		}
	}
}

// Clone returns a deep-enough copy for handing an isolated overlay to an
// agent: the agent receives a snapshot plus its own overlay layers and
// never mutates the shared context (spec.md §5 shared-resource policy).
func (c *Context) Clone() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	clone := New()
	for layer, m := range c.layers {
		cm := make(map[string]any, len(m))
		for k, v := range m {
			cm[k] = v
		}
		clone.layers[layer] = cm
	}
	for k, v := range c.secret {
		clone.secret[k] = v
	}
	return clone
}

// Keys returns every bound variable name, sorted, for deterministic
// diagnostics and testing.
func (c *Context) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, m := range c.layers {
		for k := range m {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
