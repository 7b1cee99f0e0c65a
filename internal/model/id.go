package model

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var workerIDRegex = regexp.MustCompile(`^worker-[0-9]{2,}-[0-9a-f]{8}$`)

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return "run-" + uuid.NewString()
}

// NewWorkerID returns an identifier for worker slot n. The uuid suffix keeps
// respawned workers distinguishable in logs and heartbeat files.
func NewWorkerID(slot int) string {
	return fmt.Sprintf("worker-%02d-%s", slot, uuid.NewString()[:8])
}

// ValidWorkerID guards paths built from worker-supplied identifiers.
func ValidWorkerID(id string) bool {
	return workerIDRegex.MatchString(id)
}

// NewResultID returns an identifier for a reported task result.
func NewResultID() string {
	return "res-" + uuid.NewString()[:13]
}
