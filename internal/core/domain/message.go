package domain

import (
	"time"
)

type Message struct {
	ID        MessageID `json:"messageId"`
	From      UserID    `json:"from"`
	To        UserID    `json:"to"`
	Content   string    `json:"message"`
	CreatedAt time.Time `json:"timestamp"`
	Delivered bool      `json:"delivered"`
}

func NewMessage(from, to UserID, content string, at time.Time) (*Message, error) {
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if to == "" {
		return nil, ErrPeerNotFound
	}
	return &Message{
		ID:        NewMessageID(),
		From:      from,
		To:        to,
		Content:   content,
		CreatedAt: at,
	}, nil
}
