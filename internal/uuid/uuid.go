// Package uuid generates and checks record identifiers.
//
// Record ids are caller-assigned and only need to be unique per collection.
// Clients that do not assign one get a UUID v4 at the API boundary.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MaxIDLength bounds caller-assigned ids; they travel as the Idempotency-Key header.
const MaxIDLength = 128

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// EnsureID returns id trimmed, or a fresh UUID v4 when id is blank.
func EnsureID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return New()
	}
	return id
}

// ValidateRecordID accepts any non-blank printable id up to MaxIDLength bytes.
func ValidateRecordID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("record id is required")
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("record id longer than %d bytes", MaxIDLength)
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("record id contains control characters")
		}
	}
	return nil
}
