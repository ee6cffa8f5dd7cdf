package expressions

import "sync"

// progCache caches compiled programs keyed by their source text. Every
// engine compiles lazily and reuses programs across goroutines.
type progCache[P any] struct {
	mu    sync.RWMutex
	progs map[string]P
}

func newProgCache[P any]() *progCache[P] {
	return &progCache[P]{progs: make(map[string]P)}
}

// lookup returns the compiled program for src, invoking compile under the
// write lock on a miss so concurrent callers compile the same source once.
func (c *progCache[P]) lookup(src string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.progs[src]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.progs[src]; ok {
		return p, nil
	}
	p, err := compile(src)
	if err != nil {
		var zero P
		return zero, err
	}
	c.progs[src] = p
	return p, nil
}
