package utils

import (
	"github.com/google/uuid"
)

// NewSessionID generates a unique session identifier. Used when a host
// does not supply its own id, or when a requested id collides with a
// session owned by someone else.
func NewSessionID() string {
	return uuid.NewString()
}

// NewConnectionID generates the identity assigned to a relay connection
// at upgrade time.
func NewConnectionID() string {
	return uuid.NewString()
}
