package util

import "github.com/google/uuid"

// NewUUID generates a random UUIDv4 string (account ids).
func NewUUID() string {
	return uuid.NewString()
}
