package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"mailbridge/models"
	"mailbridge/providers"
	"mailbridge/storage"
	"mailbridge/utils"
)

// fakeProvider serves canned folder listings and message details, and
// can be armed to reject a number of calls with 401.
type fakeProvider struct {
	folders    map[models.Folder][]string
	messages   map[string]*models.RemoteMessage
	listCalls  int
	reject401  int // remaining calls to reject
}

func (f *fakeProvider) Name() string { return models.ProviderGmail }

func (f *fakeProvider) GetProfile(ctx context.Context, acc *models.MailAccount) (*providers.Profile, error) {
	return &providers.Profile{Email: acc.Email}, nil
}

func (f *fakeProvider) maybeReject() error {
	if f.reject401 > 0 {
		f.reject401--
		return providers.ErrUnauthorized
	}
	return nil
}

func (f *fakeProvider) ListFolder(ctx context.Context, acc *models.MailAccount, folder models.Folder, pageToken string, pageSize int) (*providers.ListPage, error) {
	f.listCalls++
	if err := f.maybeReject(); err != nil {
		return nil, err
	}
	return &providers.ListPage{IDs: f.folders[folder]}, nil
}

func (f *fakeProvider) GetMessage(ctx context.Context, acc *models.MailAccount, remoteID string) (*models.RemoteMessage, error) {
	if err := f.maybeReject(); err != nil {
		return nil, err
	}
	msg, ok := f.messages[remoteID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", providers.ErrNotFound, remoteID)
	}
	return msg, nil
}

func (f *fakeProvider) DownloadAttachment(ctx context.Context, acc *models.MailAccount, remoteID string, att *models.RemoteAttachment) ([]byte, error) {
	if len(att.Data) > 0 {
		return att.Data, nil
	}
	return []byte("attachment-bytes"), nil
}

func (f *fakeProvider) Send(ctx context.Context, acc *models.MailAccount, msg *models.OutgoingMessage) (*providers.SendResult, error) {
	return &providers.SendResult{RemoteID: "sent-1"}, nil
}

func (f *fakeProvider) SaveDraft(ctx context.Context, acc *models.MailAccount, msg *models.OutgoingMessage) (*providers.SendResult, error) {
	return &providers.SendResult{RemoteID: "draft-1"}, nil
}

type fakeRefresher struct {
	calls int
	fail  bool
}

func (f *fakeRefresher) Refresh(ctx context.Context, acc *models.MailAccount) error {
	f.calls++
	if f.fail {
		return fmt.Errorf("%w: grant rejected", providers.ErrAuthExpired)
	}
	acc.AccessToken = "fresh-token"
	acc.TokenExpiry = time.Now().Add(time.Hour)
	return nil
}

func remoteMsg(id, subject string) *models.RemoteMessage {
	date := time.Now().Add(-time.Hour).UTC()
	return &models.RemoteMessage{
		RemoteID: id,
		ThreadID: "thread-" + id,
		Subject:  subject,
		From:     models.EmailAddress{Name: "Sender", Address: "sender@example.com"},
		To:       []models.EmailAddress{{Address: "me@example.com"}},
		Date:     &date,
		BodyHTML: "<p>" + subject + "</p>",
	}
}

type engineFixture struct {
	store     *storage.Store
	provider  *fakeProvider
	refresher *fakeRefresher
	engine    *Engine
	account   *models.MailAccount
	now       time.Time
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}

	acc := &models.MailAccount{
		UserID:       "user-1",
		Email:        "me@example.com",
		Provider:     models.ProviderGmail,
		AccessToken:  "token",
		RefreshToken: "refresh",
		TokenExpiry:  time.Now().Add(time.Hour),
	}
	if err := store.UpsertAccount(ctx, acc); err != nil {
		t.Fatalf("upsert account: %v", err)
	}

	provider := &fakeProvider{
		folders:  map[models.Folder][]string{},
		messages: map[string]*models.RemoteMessage{},
	}
	refresher := &fakeRefresher{}
	retrier := &providers.Retrier{Tokens: refresher, Clock: time.Now}

	engine := NewEngine(store,
		map[string]providers.MailProvider{models.ProviderGmail: provider},
		retrier, Options{}, utils.NewLogger(utils.ERROR))

	fx := &engineFixture{
		store:     store,
		provider:  provider,
		refresher: refresher,
		engine:    engine,
		account:   acc,
		now:       time.Now().UTC(),
	}
	engine.Clock = func() time.Time { return fx.now }
	return fx
}

func (fx *engineFixture) addInbox(ids ...string) {
	for _, id := range ids {
		fx.provider.folders[models.FolderInbox] = append(fx.provider.folders[models.FolderInbox], id)
		fx.provider.messages[id] = remoteMsg(id, "Subject "+id)
	}
}

func TestFirstInboxSync(t *testing.T) {
	fx := newFixture(t)
	fx.addInbox("m1", "m2", "m3")
	ctx := context.Background()

	report, err := fx.engine.SyncFolder(ctx, fx.account, models.FolderInbox, false)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.State != StateDone || report.New != 3 {
		t.Errorf("report = %+v, want done with 3 new", report)
	}

	total, err := fx.store.CountMessages(ctx, fx.account.ID, models.FolderInbox)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 3 {
		t.Errorf("cached %d messages, want 3", total)
	}

	state, err := fx.store.GetSyncState(ctx, fx.account.ID)
	if err != nil {
		t.Fatalf("sync state: %v", err)
	}
	// stored at second precision
	if state.LastFetchAt.Unix() != fx.now.Unix() {
		t.Errorf("LastFetchAt = %v, want %v", state.LastFetchAt, fx.now)
	}

	acc, err := fx.store.GetAccount(ctx, fx.account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !acc.HasNewMail {
		t.Error("has_new_mail should be set after new inbox messages")
	}
}

func TestSecondSyncThrottled(t *testing.T) {
	fx := newFixture(t)
	fx.addInbox("m1")
	ctx := context.Background()

	if _, err := fx.engine.SyncFolder(ctx, fx.account, models.FolderInbox, false); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	listCallsAfterFirst := fx.provider.listCalls

	fx.now = fx.now.Add(5 * time.Second)
	report, err := fx.engine.SyncFolder(ctx, fx.account, models.FolderInbox, false)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if report.State != StateThrottled {
		t.Errorf("state = %s, want throttled", report.State)
	}
	if fx.provider.listCalls != listCallsAfterFirst {
		t.Error("throttled sync must not hit the provider")
	}
}

func TestForceSkipsThrottleAndIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	fx.addInbox("m1", "m2")
	ctx := context.Background()

	if _, err := fx.engine.SyncFolder(ctx, fx.account, models.FolderInbox, false); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	fx.now = fx.now.Add(2 * time.Second)
	report, err := fx.engine.SyncFolder(ctx, fx.account, models.FolderInbox, true)
	if err != nil {
		t.Fatalf("forced sync: %v", err)
	}
	if report.State != StateDone {
		t.Errorf("forced sync must run, got %s", report.State)
	}
	if report.New != 0 {
		t.Errorf("re-sync created %d rows, want 0", report.New)
	}

	total, _ := fx.store.CountMessages(ctx, fx.account.ID, models.FolderInbox)
	if total != 2 {
		t.Errorf("cache grew to %d rows on re-sync", total)
	}

	acc, _ := fx.store.GetAccount(ctx, fx.account.ID)
	if acc.HasNewMail {
		t.Error("has_new_mail should clear when a pass finds nothing new")
	}
}

func TestExpiredTokenRefreshedBeforeListing(t *testing.T) {
	fx := newFixture(t)
	fx.addInbox("m1")
	fx.account.TokenExpiry = time.Now().Add(-time.Minute)
	ctx := context.Background()

	if _, err := fx.engine.SyncFolder(ctx, fx.account, models.FolderInbox, false); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if fx.refresher.calls != 1 {
		t.Errorf("refreshes = %d, want exactly 1 before the list call", fx.refresher.calls)
	}
	if fx.account.AccessToken != "fresh-token" {
		t.Error("provider calls ran with the stale token")
	}
}

func TestRepeated401Terminal(t *testing.T) {
	fx := newFixture(t)
	fx.addInbox("m1")
	fx.provider.reject401 = 10
	ctx := context.Background()

	_, err := fx.engine.SyncFolder(ctx, fx.account, models.FolderInbox, false)
	if err == nil {
		t.Fatal("expected the sync to fail")
	}
	if !errors.Is(err, providers.ErrAuthExpired) {
		t.Errorf("expected ErrAuthExpired, got %v", err)
	}
	if fx.provider.listCalls != 2 {
		t.Errorf("list attempts = %d, want exactly 2 (original + one retry)", fx.provider.listCalls)
	}
	if fx.refresher.calls != 1 {
		t.Errorf("refreshes = %d, want exactly 1", fx.refresher.calls)
	}
}

func TestSentSyncAppliesFlagCorrection(t *testing.T) {
	fx := newFixture(t)
	fx.addInbox("m1")
	ctx := context.Background()

	if _, err := fx.engine.SyncFolder(ctx, fx.account, models.FolderInbox, false); err != nil {
		t.Fatalf("inbox sync: %v", err)
	}

	// The same message later shows up in the sent listing.
	fx.provider.folders[models.FolderSent] = []string{"m1"}
	report, err := fx.engine.SyncFolder(ctx, fx.account, models.FolderSent, false)
	if err != nil {
		t.Fatalf("sent sync: %v", err)
	}
	if report.New != 0 || report.Corrected != 1 {
		t.Errorf("report = %+v, want 0 new and 1 corrected", report)
	}

	msg, err := fx.store.GetMessageByRemoteID(ctx, fx.account.ID, "m1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if !msg.IsSent {
		t.Error("is_sent flag was not corrected")
	}
}

func TestBadMessageSkippedNotFatal(t *testing.T) {
	fx := newFixture(t)
	fx.addInbox("good1")
	// Listed but with no detail behind it.
	fx.provider.folders[models.FolderInbox] = append(fx.provider.folders[models.FolderInbox], "broken")
	fx.addInbox("good2")
	ctx := context.Background()

	report, err := fx.engine.SyncFolder(ctx, fx.account, models.FolderInbox, false)
	if err != nil {
		t.Fatalf("sync should survive one bad item: %v", err)
	}
	if report.New != 2 {
		t.Errorf("new = %d, want 2 (bad item skipped)", report.New)
	}
}

func TestInlineImagesResolvedOnPersist(t *testing.T) {
	fx := newFixture(t)
	msg := remoteMsg("m1", "With image")
	msg.BodyHTML = `<p><img src="cid:pic1"></p>`
	msg.Attachments = []models.RemoteAttachment{
		{AttachmentID: "att-1", Filename: "pic.png", ContentType: "image/png", ContentID: "pic1"},
	}
	fx.provider.folders[models.FolderInbox] = []string{"m1"}
	fx.provider.messages["m1"] = msg
	ctx := context.Background()

	if _, err := fx.engine.SyncFolder(ctx, fx.account, models.FolderInbox, false); err != nil {
		t.Fatalf("sync: %v", err)
	}

	cached, err := fx.store.GetMessageByRemoteID(ctx, fx.account.ID, "m1")
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if len(cached.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(cached.Attachments))
	}
	wantSrc := fmt.Sprintf("/api/mail/attachments/%d", cached.Attachments[0].ID)
	if !strings.Contains(cached.BodyHTML, wantSrc) {
		t.Errorf("body %q does not reference %q", cached.BodyHTML, wantSrc)
	}
}
