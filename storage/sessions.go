package storage

import (
	"context"
	"fmt"
	"time"

	"mailbridge/models"
)

// PingSession records that the user's UI is currently showing the
// account, inserting or refreshing the (account, user) row.
func (s *Store) PingSession(ctx context.Context, accountID int64, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO sessions (account_id, user_id, last_ping)
        VALUES (?, ?, ?)
        ON CONFLICT(account_id, user_id) DO UPDATE SET last_ping = excluded.last_ping`,
		accountID, userID, at.Unix())
	if err != nil {
		return fmt.Errorf("ping session: %w", err)
	}
	return nil
}

// PruneSessions drops sessions that have not pinged since the cutoff
// and returns how many were removed.
func (s *Store) PruneSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_ping < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return n, nil
}

// ActiveAccounts returns the accounts the background poller should
// sync: ones with a session pinged since the cutoff and a full token
// pair. Each account appears once even with several live sessions.
func (s *Store) ActiveAccounts(ctx context.Context, cutoff time.Time) ([]*models.MailAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT DISTINCT a.id, a.user_id, a.email, a.provider, a.access_token, a.refresh_token,
               a.token_expiry, a.has_new_mail, a.avatar_url, a.created_at, a.updated_at
        FROM accounts a
        JOIN sessions s ON s.account_id = a.id
        WHERE s.last_ping >= ? AND a.access_token != '' AND a.refresh_token != ''
        ORDER BY a.id`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("active accounts: %w", err)
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
		return nil, fmt.Errorf("active accounts: %w", err)
	}
	return accounts, nil
}

// SessionCount reports how many live sessions exist for an account.
func (s *Store) SessionCount(ctx context.Context, accountID int64, cutoff time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE account_id = ? AND last_ping >= ?`,
		accountID, cutoff.Unix())
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("session count: %w", err)
	}
	return n, nil
}
