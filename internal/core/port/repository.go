package port

import (
	"context"

	"github.com/Wyydra/securecall/internal/core/domain"
)

type MessageRepository interface {
	Save(ctx context.Context, msg domain.Message) error
	MarkDelivered(ctx context.Context, id domain.MessageID) error
	// History returns up to limit messages exchanged by a and b, oldest first.
	History(ctx context.Context, a, b domain.UserID, limit int) ([]domain.Message, error)
}

// Directory is the account collaborator: who exists and how to wake them.
type Directory interface {
	Authenticate(ctx context.Context, id domain.UserID, token string) error
	Exists(ctx context.Context, id domain.UserID) (bool, error)
	// PushToken returns domain.ErrNoPushToken when none is registered.
	PushToken(ctx context.Context, id domain.UserID) (string, error)
	SetPushToken(ctx context.Context, id domain.UserID, token, platform string) error
}

type CallLog interface {
	Record(ctx context.Context, rec domain.CallRecord) error
	Recent(ctx context.Context, id domain.UserID, limit int) ([]domain.CallRecord, error)
}
