package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/Wyydra/securecall/internal/core/domain"
)

type CallLog struct {
	db *sql.DB
}

func NewCallLog(db *sql.DB) *CallLog {
	return &CallLog{db: db}
}

func (l *CallLog) Record(ctx context.Context, rec domain.CallRecord) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO call_log
		(call_id, caller, callee, media_kind, status, created_at, answered_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO NOTHING`,
		rec.CallID.String(), rec.Caller.String(), rec.Callee.String(), string(rec.Kind), string(rec.Status),
		rec.CreatedAt.UnixMilli(), millis(rec.AnsweredAt), millis(rec.EndedAt))
	return err
}

func (l *CallLog) Recent(ctx context.Context, id domain.UserID, limit int) ([]domain.CallRecord, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT call_id, caller, callee, media_kind, status, created_at, answered_at, ended_at
		FROM call_log WHERE caller = ? OR callee = ?
		ORDER BY created_at DESC LIMIT ?`,
		id.String(), id.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CallRecord
	for rows.Next() {
		var (
			rec                          domain.CallRecord
			created, answered, endedAtMs int64
		)
		if err := rows.Scan(&rec.CallID, &rec.Caller, &rec.Callee, &rec.Kind, &rec.Status, &created, &answered, &endedAtMs); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.UnixMilli(created)
		rec.AnsweredAt = fromMillis(answered)
		rec.EndedAt = fromMillis(endedAtMs)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
