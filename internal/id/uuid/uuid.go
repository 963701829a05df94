// Package uuid provides task ID generation helpers.
package uuid

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// childNamespace scopes derived child ids so they never collide with ids
// derived for other purposes.
var childNamespace = uuid.MustParse("6f1c2b52-6a0e-4c1e-9d0b-1b7b0a3f4e21")

// Generator creates UUID v7 strings for root tasks and name-based ids for
// subdivided children.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// DeriveID returns the id of the index-th child of parentID. The result is
// stable, so re-expanding the same parent yields the same children.
func (Generator) DeriveID(parentID string, index int) string {
	return uuid.NewSHA1(childNamespace, []byte(parentID+"/"+strconv.Itoa(index))).String()
}
