package port

import (
	"context"

	"github.com/Wyydra/securecall/internal/core/domain"
)

// PushWakeCoordinator delivers best-effort out-of-band notifications.
// Every method returns within a bounded time; a non-nil error means "failed"
// and is never a reason to abort the caller's own state handling.
type PushWakeCoordinator interface {
	WakeForIncomingCall(ctx context.Context, to, caller domain.UserID, callID domain.CallID, kind domain.MediaKind) error
	WakeForMissedCall(ctx context.Context, to, caller domain.UserID, callID domain.CallID, kind domain.MediaKind) error
	WakeForCancellation(ctx context.Context, to, caller domain.UserID, callID domain.CallID) error
	WakeForMessage(ctx context.Context, to, from domain.UserID, preview string) error
}

// PushProvider is the external notification service.
type PushProvider interface {
	Send(ctx context.Context, token string, req domain.WakeRequest) error
}
