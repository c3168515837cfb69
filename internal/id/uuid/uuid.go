// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings. v7 ids sort by creation time, which keeps
// store listings roughly in submission order.
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

// WorkerID builds a readable worker identity: host, pool slot and a short random suffix
// so restarted pools never reuse an owner id that may still be recorded on a job.
func WorkerID(slot int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	suffix := uuid.NewString()[:8]
	return fmt.Sprintf("%s-w%d-%s", host, slot, suffix)
}
