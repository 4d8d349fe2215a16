package memory

import (
	"context"
	"crypto/subtle"
	"sync"

	"github.com/Wyydra/securecall/internal/core/domain"
)

type account struct {
	token     string
	pushToken string
	platform  string
}

// Directory is an in-memory account directory seeded from configuration.
type Directory struct {
	mu       sync.RWMutex
	accounts map[domain.UserID]*account
}

// NewDirectory seeds the directory with identity → access token pairs.
func NewDirectory(users map[domain.UserID]string) *Directory {
	d := &Directory{accounts: make(map[domain.UserID]*account, len(users))}
	for id, token := range users {
		d.accounts[id] = &account{token: token}
	}
	return d
}

func (d *Directory) Authenticate(ctx context.Context, id domain.UserID, token string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acc, ok := d.accounts[id]
	if !ok || subtle.ConstantTimeCompare([]byte(acc.token), []byte(token)) != 1 {
		return domain.ErrUnauthorized
	}
	return nil
}

func (d *Directory) Exists(ctx context.Context, id domain.UserID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.accounts[id]
	return ok, nil
}

func (d *Directory) PushToken(ctx context.Context, id domain.UserID) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acc, ok := d.accounts[id]
	if !ok || acc.pushToken == "" {
		return "", domain.ErrNoPushToken
	}
	return acc.pushToken, nil
}

func (d *Directory) SetPushToken(ctx context.Context, id domain.UserID, token, platform string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	acc, ok := d.accounts[id]
	if !ok {
		return domain.ErrPeerNotFound
	}
	acc.pushToken = token
	acc.platform = platform
	return nil
}
