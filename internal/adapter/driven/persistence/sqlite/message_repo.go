package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/Wyydra/securecall/internal/core/domain"
)

type MessageRepository struct {
	db *sql.DB
}

func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Save(ctx context.Context, msg domain.Message) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO messages (id, sender, recipient, content, created_at, delivered)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID.String(), msg.From.String(), msg.To.String(), msg.Content,
		msg.CreatedAt.UnixMilli(), msg.Delivered)
	return err
}

func (r *MessageRepository) MarkDelivered(ctx context.Context, id domain.MessageID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE messages SET delivered = 1 WHERE id = ?`, id.String())
	return err
}

func (r *MessageRepository) History(ctx context.Context, a, b domain.UserID, limit int) ([]domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, sender, recipient, content, created_at, delivered FROM (
			SELECT * FROM messages
			WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		) ORDER BY created_at ASC, rowid ASC`,
		a.String(), b.String(), b.String(), a.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var (
			m         domain.Message
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Content, &createdAt, &m.Delivered); err != nil {
			return nil, err
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}
