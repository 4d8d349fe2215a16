package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Wyydra/securecall/internal/core/domain"
	"golang.org/x/crypto/bcrypt"
)

// Directory keeps accounts with bcrypt-hashed access tokens.
type Directory struct {
	db *sql.DB
}

func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

// Upsert creates the account or replaces its access token.
func (d *Directory) Upsert(ctx context.Context, id domain.UserID, token string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `INSERT INTO accounts (identity, token_hash, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET token_hash=excluded.token_hash`,
		id.String(), string(hash), time.Now().Unix())
	return err
}

func (d *Directory) Authenticate(ctx context.Context, id domain.UserID, token string) error {
	var hash string
	err := d.db.QueryRowContext(ctx, `SELECT token_hash FROM accounts WHERE identity = ?`, id.String()).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrUnauthorized
	}
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
		return domain.ErrUnauthorized
	}
	return nil
}

func (d *Directory) Exists(ctx context.Context, id domain.UserID) (bool, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE identity = ?`, id.String()).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *Directory) PushToken(ctx context.Context, id domain.UserID) (string, error) {
	var token string
	err := d.db.QueryRowContext(ctx, `SELECT push_token FROM accounts WHERE identity = ?`, id.String()).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && token == "") {
		return "", domain.ErrNoPushToken
	}
	return token, err
}

func (d *Directory) SetPushToken(ctx context.Context, id domain.UserID, token, platform string) error {
	res, err := d.db.ExecContext(ctx, `UPDATE accounts SET push_token = ?, platform = ? WHERE identity = ?`,
		token, platform, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPeerNotFound
	}
	return nil
}
