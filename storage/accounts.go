package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mailbridge/models"
)

// nullUnix converts an optional time to a nullable unix-seconds column.
func nullUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func unixOrZero(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(n.Int64, 0).UTC()
}

// UpsertAccount inserts the account or, when the (user, email, provider)
// triple already exists, refreshes its tokens and avatar. The stored id
// is written back into acc.ID either way.
func (s *Store) UpsertAccount(ctx context.Context, acc *models.MailAccount) error {
	now := time.Now().UTC()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO accounts (user_id, email, provider, access_token, refresh_token, token_expiry, has_new_mail, avatar_url, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(user_id, email, provider) DO UPDATE SET
            access_token = excluded.access_token,
            refresh_token = CASE WHEN excluded.refresh_token != '' THEN excluded.refresh_token ELSE accounts.refresh_token END,
            token_expiry = excluded.token_expiry,
            avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE accounts.avatar_url END,
            updated_at = excluded.updated_at`,
		acc.UserID, acc.Email, acc.Provider, acc.AccessToken, acc.RefreshToken,
		nullUnix(acc.TokenExpiry), boolInt(acc.HasNewMail), acc.AvatarURL,
		acc.CreatedAt.Unix(), acc.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id FROM accounts WHERE user_id = ? AND email = ? AND provider = ?`,
		acc.UserID, acc.Email, acc.Provider)
	if err := row.Scan(&acc.ID); err != nil {
		return fmt.Errorf("resolve account id: %w", err)
	}
	return nil
}

// UpdateTokens stores a fresh token pair for the account. An empty
// refresh token keeps the previously stored one (Google omits it on
// re-consent, Microsoft rotates it on every refresh).
func (s *Store) UpdateTokens(ctx context.Context, accountID int64, accessToken, refreshToken string, expiry time.Time) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE accounts SET
            access_token = ?,
            refresh_token = CASE WHEN ? != '' THEN ? ELSE refresh_token END,
            token_expiry = ?,
            updated_at = ?
        WHERE id = ?`,
		accessToken, refreshToken, refreshToken, nullUnix(expiry), time.Now().UTC().Unix(), accountID)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	return requireRow(res)
}

// ClearTokens wipes both tokens, marking the account as disconnected
// until the user re-authorizes it.
func (s *Store) ClearTokens(ctx context.Context, accountID int64) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE accounts SET access_token = '', refresh_token = '', token_expiry = NULL, updated_at = ?
        WHERE id = ?`,
		time.Now().UTC().Unix(), accountID)
	if err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	return requireRow(res)
}

// SetHasNewMail flips the new-mail flag shown next to the account.
func (s *Store) SetHasNewMail(ctx context.Context, accountID int64, hasNew bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET has_new_mail = ?, updated_at = ? WHERE id = ?`,
		boolInt(hasNew), time.Now().UTC().Unix(), accountID)
	if err != nil {
		return fmt.Errorf("set has_new_mail: %w", err)
	}
	return requireRow(res)
}

// GetAccount loads a single account by id.
func (s *Store) GetAccount(ctx context.Context, accountID int64) (*models.MailAccount, error) {
	row := s.db.QueryRowContext(ctx, accountColumns+` WHERE id = ?`, accountID)
	return scanAccount(row)
}

// GetAccountForUser loads an account only if it belongs to the user.
func (s *Store) GetAccountForUser(ctx context.Context, accountID int64, userID string) (*models.MailAccount, error) {
	row := s.db.QueryRowContext(ctx, accountColumns+` WHERE id = ? AND user_id = ?`, accountID, userID)
	return scanAccount(row)
}

// ListAccounts returns all accounts owned by the user, oldest first.
func (s *Store) ListAccounts(ctx context.Context, userID string) ([]*models.MailAccount, error) {
	rows, err := s.db.QueryContext(ctx, accountColumns+` WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.MailAccount
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// DeleteAccount removes the account and, through foreign keys, its sync
// state, cached messages, attachments and sessions.
func (s *Store) DeleteAccount(ctx context.Context, accountID int64, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM accounts WHERE id = ? AND user_id = ?`, accountID, userID)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return requireRow(res)
}

const accountColumns = `
    SELECT id, user_id, email, provider, access_token, refresh_token, token_expiry,
           has_new_mail, avatar_url, created_at, updated_at
    FROM accounts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.MailAccount, error) {
	var (
		acc        models.MailAccount
		expiry     sql.NullInt64
		hasNew     int
		created    int64
		updated    int64
	)
	err := row.Scan(&acc.ID, &acc.UserID, &acc.Email, &acc.Provider,
		&acc.AccessToken, &acc.RefreshToken, &expiry,
		&hasNew, &acc.AvatarURL, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	acc.TokenExpiry = unixOrZero(expiry)
	acc.HasNewMail = hasNew != 0
	acc.CreatedAt = time.Unix(created, 0).UTC()
	acc.UpdatedAt = time.Unix(updated, 0).UTC()
	return &acc, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
