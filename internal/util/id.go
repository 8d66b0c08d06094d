package util

import "github.com/google/uuid"

// NewID generates a unique identifier used for threads, messages and
// capability invocations.
func NewID() string { return uuid.NewString() }
