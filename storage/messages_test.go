package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"mailbridge/models"
)

func newTestStore(t *testing.T) (*Store, *models.MailAccount) {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}

	acc := &models.MailAccount{
		UserID:       "user-1",
		Email:        "me@example.com",
		Provider:     models.ProviderGmail,
		AccessToken:  "tok",
		RefreshToken: "ref",
	}
	if err := store.UpsertAccount(ctx, acc); err != nil {
		t.Fatalf("upsert account: %v", err)
	}
	return store, acc
}

func cachedMsg(accountID int64, remoteID string, date time.Time) *models.CachedMessage {
	d := date
	return &models.CachedMessage{
		RemoteID:  remoteID,
		AccountID: accountID,
		ThreadID:  "t-" + remoteID,
		Subject:   "Subject " + remoteID,
		From:      models.EmailAddress{Name: "Sender", Address: "s@example.com"},
		To:        []models.EmailAddress{{Address: "me@example.com"}},
		Date:      &d,
		BodyHTML:  "<p>body</p>",
	}
}

func TestInsertMessageDuplicate(t *testing.T) {
	store, acc := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := cachedMsg(acc.ID, "r1", now)
	if err := store.InsertMessage(ctx, first); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if first.ID == 0 {
		t.Fatal("insert did not assign an id")
	}

	dup := cachedMsg(acc.ID, "r1", now)
	err := store.InsertMessage(ctx, dup)
	if !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}

	total, err := store.CountMessages(ctx, acc.ID, models.FolderInbox)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 1 {
		t.Errorf("stored %d rows, want exactly 1", total)
	}
}

func TestInsertMessageWithAttachments(t *testing.T) {
	store, acc := newTestStore(t)
	ctx := context.Background()

	msg := cachedMsg(acc.ID, "r1", time.Now().UTC())
	msg.Attachments = []models.Attachment{
		{Filename: "a.png", ContentType: "image/png", ContentID: "cid-a", Data: []byte("aaa")},
		{Filename: "b.pdf", ContentType: "application/pdf", Data: []byte("bbbb")},
	}
	if err := store.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.HasAttachments || len(got.Attachments) != 2 {
		t.Fatalf("attachments = %d, want 2", len(got.Attachments))
	}
	if got.Attachments[0].Size != 3 || got.Attachments[1].Size != 4 {
		t.Errorf("sizes = %d/%d, want 3/4", got.Attachments[0].Size, got.Attachments[1].Size)
	}
	if len(got.Attachments[0].Data) != 0 {
		t.Error("metadata load should not include attachment bytes")
	}

	att, err := store.GetAttachment(ctx, acc.UserID, got.Attachments[0].ID)
	if err != nil {
		t.Fatalf("get attachment: %v", err)
	}
	if string(att.Data) != "aaa" {
		t.Errorf("attachment bytes = %q", att.Data)
	}
}

func TestRecentRemoteIDsWindow(t *testing.T) {
	store, acc := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	recent := cachedMsg(acc.ID, "recent", now.Add(-24*time.Hour))
	old := cachedMsg(acc.ID, "old", now.Add(-60*24*time.Hour))
	for _, m := range []*models.CachedMessage{recent, old} {
		if err := store.InsertMessage(ctx, m); err != nil {
			t.Fatalf("insert %s: %v", m.RemoteID, err)
		}
	}

	index, err := store.RecentRemoteIDs(ctx, acc.ID, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if _, ok := index["recent"]; !ok {
		t.Error("recent id missing from index")
	}
	if _, ok := index["old"]; ok {
		t.Error("id older than the window must not be indexed")
	}
}

func TestApplyFolderFlag(t *testing.T) {
	store, acc := newTestStore(t)
	ctx := context.Background()

	msg := cachedMsg(acc.ID, "r1", time.Now().UTC())
	if err := store.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := store.ApplyFolderFlag(ctx, msg.ID, models.FolderStarred, true); err != nil {
		t.Fatalf("apply flag: %v", err)
	}
	got, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsStarred {
		t.Error("is_starred not set")
	}
	if got.IsSent || got.IsDraft {
		t.Error("other flags must stay untouched")
	}
}

func TestListMessagesFoldersAndOrder(t *testing.T) {
	store, acc := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	older := cachedMsg(acc.ID, "older", now.Add(-2*time.Hour))
	newer := cachedMsg(acc.ID, "newer", now.Add(-time.Hour))
	sent := cachedMsg(acc.ID, "sent1", now)
	sent.IsSent = true
	for _, m := range []*models.CachedMessage{older, newer, sent} {
		if err := store.InsertMessage(ctx, m); err != nil {
			t.Fatalf("insert %s: %v", m.RemoteID, err)
		}
	}

	inbox, err := store.ListMessages(ctx, acc.ID, models.FolderInbox, 10, 0)
	if err != nil {
		t.Fatalf("list inbox: %v", err)
	}
	if len(inbox) != 2 {
		t.Fatalf("inbox = %d messages, want 2 (sent excluded)", len(inbox))
	}
	if inbox[0].RemoteID != "newer" || inbox[1].RemoteID != "older" {
		t.Errorf("order = %s, %s; want newest first", inbox[0].RemoteID, inbox[1].RemoteID)
	}

	sentList, err := store.ListMessages(ctx, acc.ID, models.FolderSent, 10, 0)
	if err != nil {
		t.Fatalf("list sent: %v", err)
	}
	if len(sentList) != 1 || sentList[0].RemoteID != "sent1" {
		t.Errorf("sent folder = %+v", sentList)
	}
}

func TestNilDateSortsByCacheTime(t *testing.T) {
	store, acc := newTestStore(t)
	ctx := context.Background()

	msg := cachedMsg(acc.ID, "undated", time.Time{})
	msg.Date = nil
	if err := store.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Date != nil {
		t.Error("nil date must survive the round trip")
	}

	list, err := store.ListMessages(ctx, acc.ID, models.FolderInbox, 10, 0)
	if err != nil || len(list) != 1 {
		t.Fatalf("undated message missing from listing: %v", err)
	}
}

func TestDeleteAccountCascades(t *testing.T) {
	store, acc := newTestStore(t)
	ctx := context.Background()

	msg := cachedMsg(acc.ID, "r1", time.Now().UTC())
	msg.Attachments = []models.Attachment{{Filename: "a", Data: []byte("x")}}
	if err := store.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.DeleteAccount(ctx, acc.ID, acc.UserID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := store.GetMessage(ctx, msg.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("messages should cascade away, got %v", err)
	}
	if _, err := store.GetAccount(ctx, acc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("account should be gone, got %v", err)
	}
}
