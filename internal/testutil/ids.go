package testutil

import (
	"fmt"
	"sync"
)

// FixedGenerator returns predictable identifiers for deterministic tests
// and golden traces: "<prefix>-1", "<prefix>-2", ...
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewFixedGenerator creates a generator with the given prefix.
// If prefix is empty, "id" is used.
func NewFixedGenerator(prefix string) *FixedGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &FixedGenerator{prefix: prefix}
}

// Generate returns the next identifier in sequence.
//
// Implements model.IDGenerator.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Reset restarts the sequence at 1.
func (g *FixedGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
