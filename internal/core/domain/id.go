package domain

import (
	"github.com/google/uuid"
)

// UserID is the authenticated identity of a party (its login name).
type UserID string

type CallID string
type MessageID string

// ConnectionID tells apart two connections of the same identity.
type ConnectionID string

func NewCallID() CallID {
	return CallID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.New().String())
}

func (id UserID) String() string {
	return string(id)
}

func (id CallID) String() string {
	return string(id)
}

func (id MessageID) String() string {
	return string(id)
}

func (id ConnectionID) String() string {
	return string(id)
}
