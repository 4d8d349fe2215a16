package memory

import (
	"context"
	"sync"

	"github.com/Wyydra/securecall/internal/core/domain"
)

type CallLog struct {
	mu      sync.Mutex
	records []domain.CallRecord
}

func NewCallLog() *CallLog {
	return &CallLog{}
}

func (l *CallLog) Record(ctx context.Context, rec domain.CallRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

// Recent returns the latest records involving id, newest first.
func (l *CallLog) Recent(ctx context.Context, id domain.UserID, limit int) ([]domain.CallRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.CallRecord
	for i := len(l.records) - 1; i >= 0 && len(out) < limit; i-- {
		if r := l.records[i]; r.Caller == id || r.Callee == id {
			out = append(out, r)
		}
	}
	return out, nil
}
