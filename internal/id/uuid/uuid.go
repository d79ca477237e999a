// Package uuid generates batch and result identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator hands out time-ordered UUIDv7 strings so batch IDs sort by
// submission time.
type Generator struct{}

// New returns a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID implements batch.IDGenerator.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
