// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type SessionID string
type UserID string
type InstanceID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewInstanceID() InstanceID {
	return InstanceID(uuid.New().String())
}
