// Package uuid generates time-ordered identifiers for batches and jobs.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator returns UUIDv7 strings, optionally prefixed.
type Generator struct {
	prefix string
}

// New returns a Generator without a prefix.
func New() *Generator {
	return &Generator{}
}

// NewWithPrefix returns a Generator whose IDs read "<prefix>-<uuid>".
func NewWithPrefix(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns a fresh UUIDv7, which sorts by creation time.
func (g Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	if g.prefix == "" {
		return id.String(), nil
	}
	return g.prefix + "-" + id.String(), nil
}
