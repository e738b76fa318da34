// Package uuid generates cycle identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUIDv7 cycle IDs, which sort by creation time.
type Generator struct{}

// NewUUIDGenerator creates a new Generator.
func NewUUIDGenerator() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string, falling back to a random v4 when the v7
// clock sequence cannot be read.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err == nil {
		return id.String(), nil
	}
	id, err = uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate cycle id: %w", err)
	}
	return id.String(), nil
}
