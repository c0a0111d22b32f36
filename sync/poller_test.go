package sync

import (
	"context"
	"testing"
	"time"

	"mailbridge/models"
	"mailbridge/utils"
)

func newTestPoller(fx *engineFixture) *Poller {
	p := NewPoller(fx.store, fx.engine, time.Minute, 2*time.Minute, utils.NewLogger(utils.ERROR))
	p.Clock = func() time.Time { return fx.now }
	return p
}

func TestPollerTickSyncsRemainingAccountsWhenOneFails(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// The first account's provider rejects every call, so its sync ends
	// in auth-expired.
	fx.provider.reject401 = 100

	healthy := &fakeProvider{
		folders:  map[models.Folder][]string{models.FolderInbox: {"n1"}},
		messages: map[string]*models.RemoteMessage{"n1": remoteMsg("n1", "Hello")},
	}
	fx.engine.providers[models.ProviderOutlook] = healthy

	other := &models.MailAccount{
		UserID:       "user-1",
		Email:        "other@example.com",
		Provider:     models.ProviderOutlook,
		AccessToken:  "token",
		RefreshToken: "refresh",
		TokenExpiry:  time.Now().Add(time.Hour),
	}
	if err := fx.store.UpsertAccount(ctx, other); err != nil {
		t.Fatalf("upsert account: %v", err)
	}

	for _, acc := range []*models.MailAccount{fx.account, other} {
		if err := fx.store.PingSession(ctx, acc.ID, acc.UserID, fx.now); err != nil {
			t.Fatalf("ping session: %v", err)
		}
	}

	newTestPoller(fx).Tick(ctx)

	if n, _ := fx.store.CountMessages(ctx, other.ID, models.FolderInbox); n != 1 {
		t.Errorf("healthy account cached %d messages, want 1", n)
	}
	if n, _ := fx.store.CountMessages(ctx, fx.account.ID, models.FolderInbox); n != 0 {
		t.Errorf("failing account cached %d messages, want 0", n)
	}
}

func TestPollerTickSkipsAccountsWithoutLiveSessions(t *testing.T) {
	fx := newFixture(t)
	fx.addInbox("m1")
	ctx := context.Background()

	// Last ping well beyond the session TTL.
	if err := fx.store.PingSession(ctx, fx.account.ID, fx.account.UserID, fx.now.Add(-time.Hour)); err != nil {
		t.Fatalf("ping session: %v", err)
	}

	newTestPoller(fx).Tick(ctx)

	if fx.provider.listCalls != 0 {
		t.Error("stale-session account should not be polled")
	}
	if n, _ := fx.store.SessionCount(ctx, fx.account.ID, fx.now.Add(-24*time.Hour)); n != 0 {
		t.Errorf("stale session not pruned, count = %d", n)
	}
}
