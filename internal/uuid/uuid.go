// Package uuid generates the random identifiers used for emergency requests
// and HTTP request ids.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a random (version 4) UUID in canonical string form.
func New() string {
	return uuid.NewString()
}

// Parse checks that s is a UUID and returns it in canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid uuid %q: %w", s, err)
	}
	return u.String(), nil
}
