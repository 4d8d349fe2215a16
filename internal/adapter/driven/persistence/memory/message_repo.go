package memory

import (
	"context"
	"sync"

	"github.com/Wyydra/securecall/internal/core/domain"
)

type MessageRepository struct {
	mu       sync.Mutex
	messages []domain.Message
}

func NewMessageRepository() *MessageRepository {
	return &MessageRepository{
		messages: make([]domain.Message, 0),
	}
}

func (r *MessageRepository) Save(ctx context.Context, msg domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *MessageRepository) MarkDelivered(ctx context.Context, id domain.MessageID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.messages {
		if r.messages[i].ID == id {
			r.messages[i].Delivered = true
			return nil
		}
	}
	return nil
}

func (r *MessageRepository) History(ctx context.Context, a, b domain.UserID, limit int) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Message
	// Newest first while collecting, then reversed.
	for i := len(r.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := r.messages[i]
		if (m.From == a && m.To == b) || (m.From == b && m.To == a) {
			out = append(out, m)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
