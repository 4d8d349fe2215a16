package push

import (
	"context"

	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/rs/zerolog/log"
)

// LogProvider only logs wake requests. Useful in development, where every
// wake counts as delivered.
type LogProvider struct{}

func (LogProvider) Send(ctx context.Context, token string, req domain.WakeRequest) error {
	log.Info().
		Str("intent", string(req.Intent)).
		Str("to", req.To.String()).
		Str("from", req.From.String()).
		Str("call_id", req.CallID.String()).
		Msg("Wake push (log only)")
	return nil
}
