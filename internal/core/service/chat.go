package service

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/Wyydra/securecall/internal/core/port"
	"github.com/rs/zerolog/log"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
	previewLength       = 80
)

type ChatService struct {
	repo      port.MessageRepository
	directory port.Directory
	presence  *PresenceRegistry
	push      port.PushWakeCoordinator
	scheduler port.Scheduler
}

func NewChatService(
	repo port.MessageRepository,
	directory port.Directory,
	presence *PresenceRegistry,
	push port.PushWakeCoordinator,
	scheduler port.Scheduler,
) *ChatService {
	return &ChatService{
		repo:      repo,
		directory: directory,
		presence:  presence,
		push:      push,
		scheduler: scheduler,
	}
}

// SendMessage stores a message and delivers it live when the recipient is
// present, waking it otherwise. The returned message reports delivery.
func (s *ChatService) SendMessage(ctx context.Context, from, to domain.UserID, content string) (*domain.Message, error) {
	msg, err := domain.NewMessage(from, to, content, s.scheduler.Now())
	if err != nil {
		return nil, err
	}
	exists, err := s.directory.Exists(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("lookup recipient: %w", err)
	}
	if !exists {
		return nil, domain.ErrPeerNotFound
	}

	if err := s.repo.Save(ctx, *msg); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}

	if s.presence.Send(to, domain.NewEvent(domain.EventNewMessage, *msg)) {
		msg.Delivered = true
		if err := s.repo.MarkDelivered(ctx, msg.ID); err != nil {
			log.Warn().Err(err).Str("message_id", msg.ID.String()).Msg("Failed to mark message delivered")
		}
		return msg, nil
	}

	if err := s.push.WakeForMessage(ctx, to, from, preview(content)); err != nil {
		log.Debug().Err(err).Str("to", to.String()).Msg("Message wake not delivered")
	}
	return msg, nil
}

// History returns the conversation between a and b, oldest first.
func (s *ChatService) History(ctx context.Context, a, b domain.UserID, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	msgs, err := s.repo.History(ctx, a, b, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return msgs, nil
}

// Typing forwards a typing indicator when the peer is present.
func (s *ChatService) Typing(from, to domain.UserID, typing bool) bool {
	return s.presence.Send(to, domain.NewEvent(domain.EventTyping, domain.Typing{From: from, IsTyping: typing}))
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength]) + "…"
}
