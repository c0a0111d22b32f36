package storage

import (
	"context"
	"testing"
	"time"
)

func TestSessionPingAndPrune(t *testing.T) {
	store, acc := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.PingSession(ctx, acc.ID, acc.UserID, now.Add(-5*time.Minute)); err != nil {
		t.Fatalf("ping: %v", err)
	}
	// A later ping refreshes the same row.
	if err := store.PingSession(ctx, acc.ID, acc.UserID, now); err != nil {
		t.Fatalf("re-ping: %v", err)
	}

	n, err := store.SessionCount(ctx, acc.ID, now.Add(-2*time.Minute))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("sessions = %d, want 1 (upsert, not insert)", n)
	}

	pruned, err := store.PruneSessions(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
}

func TestActiveAccountsRequiresTokensAndLiveSession(t *testing.T) {
	store, acc := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Connected account without a session: not a candidate.
	candidates, err := store.ActiveAccounts(ctx, now.Add(-2*time.Minute))
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("candidates = %d, want 0 without sessions", len(candidates))
	}

	if err := store.PingSession(ctx, acc.ID, acc.UserID, now); err != nil {
		t.Fatalf("ping: %v", err)
	}
	candidates, err = store.ActiveAccounts(ctx, now.Add(-2*time.Minute))
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != acc.ID {
		t.Fatalf("candidates = %+v, want the pinged account", candidates)
	}

	// A second user viewing the same account must not duplicate it.
	if err := store.PingSession(ctx, acc.ID, "user-2", now); err != nil {
		t.Fatalf("ping 2: %v", err)
	}
	candidates, _ = store.ActiveAccounts(ctx, now.Add(-2*time.Minute))
	if len(candidates) != 1 {
		t.Errorf("candidates = %d, want 1 distinct account", len(candidates))
	}

	// Disconnected accounts drop out even with a live session.
	if err := store.ClearTokens(ctx, acc.ID); err != nil {
		t.Fatalf("clear tokens: %v", err)
	}
	candidates, _ = store.ActiveAccounts(ctx, now.Add(-2*time.Minute))
	if len(candidates) != 0 {
		t.Errorf("candidates = %d, want 0 after token clear", len(candidates))
	}
}

func TestUpdateTokensKeepsRefreshWhenEmpty(t *testing.T) {
	store, acc := newTestStore(t)
	ctx := context.Background()

	expiry := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	if err := store.UpdateTokens(ctx, acc.ID, "new-access", "", expiry); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := store.GetAccount(ctx, acc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessToken != "new-access" {
		t.Errorf("access token = %q", got.AccessToken)
	}
	if got.RefreshToken != "ref" {
		t.Errorf("empty refresh token must not overwrite the stored one, got %q", got.RefreshToken)
	}
	if got.TokenExpiry.Unix() != expiry.Unix() {
		t.Errorf("expiry = %v, want %v", got.TokenExpiry, expiry)
	}

	// A rotated refresh token does overwrite.
	if err := store.UpdateTokens(ctx, acc.ID, "new-access-2", "rotated", expiry); err != nil {
		t.Fatalf("update 2: %v", err)
	}
	got, _ = store.GetAccount(ctx, acc.ID)
	if got.RefreshToken != "rotated" {
		t.Errorf("refresh token = %q, want rotated", got.RefreshToken)
	}
}

func TestSyncStateRoundTrip(t *testing.T) {
	store, acc := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	// Missing row reads as the zero state.
	state, err := store.GetSyncState(ctx, acc.ID)
	if err != nil {
		t.Fatalf("get empty: %v", err)
	}
	if !state.LastFetchAt.IsZero() || len(state.RecentIDs) != 0 {
		t.Errorf("zero state expected, got %+v", state)
	}

	state.LastFetchAt = now
	state.RecentIDs = []string{"a", "b"}
	if err := store.SaveSyncState(ctx, state); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.GetSyncState(ctx, acc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastFetchAt.Unix() != now.Unix() {
		t.Errorf("LastFetchAt = %v, want %v", got.LastFetchAt, now)
	}
	if len(got.RecentIDs) != 2 || got.RecentIDs[0] != "a" {
		t.Errorf("RecentIDs = %v", got.RecentIDs)
	}
}
