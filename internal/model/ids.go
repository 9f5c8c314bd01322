package model

import (
	"strings"

	"github.com/google/uuid"
)

// IDGenerator produces unique identifiers.
// Implemented by UUIDv7Generator (production) and testutil.FixedGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// correlationPrefix marks client-assigned identifiers on the wire.
const correlationPrefix = "tmp-"

// CorrelationID identifies an optimistic local write until the server
// confirms it. It is a distinct type from server-assigned ids so the two
// can never be compared by accident.
type CorrelationID string

// NewCorrelationID mints a fresh correlation id from gen.
func NewCorrelationID(gen IDGenerator) CorrelationID {
	return CorrelationID(correlationPrefix + gen.Generate())
}

// Valid reports whether the id carries the client-side prefix.
func (c CorrelationID) Valid() bool {
	return strings.HasPrefix(string(c), correlationPrefix) && len(c) > len(correlationPrefix)
}

func (c CorrelationID) String() string { return string(c) }
