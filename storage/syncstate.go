package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"mailbridge/models"
)

// GetSyncState loads the per-account sync cursor. A missing row is not
// an error: the zero state means "never fetched".
func (s *Store) GetSyncState(ctx context.Context, accountID int64) (*models.SyncState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT last_fetch_at, recent_ids FROM sync_states WHERE account_id = ?`, accountID)

	var (
		lastFetch sql.NullInt64
		recentRaw string
	)
	err := row.Scan(&lastFetch, &recentRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.SyncState{AccountID: accountID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync state: %w", err)
	}

	state := &models.SyncState{
		AccountID:   accountID,
		LastFetchAt: unixOrZero(lastFetch),
	}
	if err := json.Unmarshal([]byte(recentRaw), &state.RecentIDs); err != nil {
		return nil, fmt.Errorf("decode recent ids: %w", err)
	}
	return state, nil
}

// SaveSyncState records when a fetch pass ran and which remote ids it
// saw, so the next pass can skip them without hitting the message table.
func (s *Store) SaveSyncState(ctx context.Context, state *models.SyncState) error {
	ids := state.RecentIDs
	if ids == nil {
		ids = []string{}
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode recent ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO sync_states (account_id, last_fetch_at, recent_ids)
        VALUES (?, ?, ?)
        ON CONFLICT(account_id) DO UPDATE SET
            last_fetch_at = excluded.last_fetch_at,
            recent_ids = excluded.recent_ids`,
		state.AccountID, nullUnix(state.LastFetchAt), string(encoded))
	if err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	return nil
}

// TouchSyncTime updates only the fetch timestamp, used when a pass is
// throttled or finds nothing new.
func (s *Store) TouchSyncTime(ctx context.Context, accountID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO sync_states (account_id, last_fetch_at)
        VALUES (?, ?)
        ON CONFLICT(account_id) DO UPDATE SET last_fetch_at = excluded.last_fetch_at`,
		accountID, nullUnix(at))
	if err != nil {
		return fmt.Errorf("touch sync time: %w", err)
	}
	return nil
}
