package push

import (
	"context"
	"errors"
	"fmt"

	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/Wyydra/securecall/internal/core/port"
	"github.com/rs/zerolog/log"
)

// Coordinator resolves an identity's wake credential and hands the request
// to a provider.
// implements port.PushWakeCoordinator
type Coordinator struct {
	directory port.Directory
	provider  port.PushProvider
}

// NewCoordinator returns a coordinator. A nil provider makes every wake fail
// with domain.ErrPushNotConfigured.
func NewCoordinator(directory port.Directory, provider port.PushProvider) *Coordinator {
	return &Coordinator{directory: directory, provider: provider}
}

func (c *Coordinator) Enabled() bool {
	return c.provider != nil
}

func (c *Coordinator) WakeForIncomingCall(ctx context.Context, to, caller domain.UserID, callID domain.CallID, kind domain.MediaKind) error {
	return c.wake(ctx, domain.WakeRequest{
		Intent: domain.WakeIncomingCall,
		To:     to,
		From:   caller,
		CallID: callID,
		Kind:   kind,
	})
}

func (c *Coordinator) WakeForMissedCall(ctx context.Context, to, caller domain.UserID, callID domain.CallID, kind domain.MediaKind) error {
	return c.wake(ctx, domain.WakeRequest{
		Intent: domain.WakeMissedCall,
		To:     to,
		From:   caller,
		CallID: callID,
		Kind:   kind,
	})
}

func (c *Coordinator) WakeForCancellation(ctx context.Context, to, caller domain.UserID, callID domain.CallID) error {
	return c.wake(ctx, domain.WakeRequest{
		Intent: domain.WakeCancellation,
		To:     to,
		From:   caller,
		CallID: callID,
	})
}

func (c *Coordinator) WakeForMessage(ctx context.Context, to, from domain.UserID, preview string) error {
	return c.wake(ctx, domain.WakeRequest{
		Intent: domain.WakeMessage,
		To:     to,
		From:   from,
		Body:   preview,
	})
}

func (c *Coordinator) wake(ctx context.Context, req domain.WakeRequest) error {
	if c.provider == nil {
		return domain.ErrPushNotConfigured
	}
	l := log.With().Str("intent", string(req.Intent)).Str("to", req.To.String()).Logger()

	token, err := c.directory.PushToken(ctx, req.To)
	if err != nil {
		if errors.Is(err, domain.ErrNoPushToken) {
			l.Debug().Msg("No push token registered")
			return err
		}
		return fmt.Errorf("load push token: %w", err)
	}

	if err := c.provider.Send(ctx, token, req); err != nil {
		l.Warn().Err(err).Msg("Push delivery failed")
		return fmt.Errorf("push %s: %w", req.Intent, err)
	}
	l.Info().Str("call_id", req.CallID.String()).Msg("Push delivered")
	return nil
}
