package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailbridge/models"
	"mailbridge/providers"
	"mailbridge/storage"
	"mailbridge/utils"
)

// State is the terminal state of one sync invocation.
type State string

const (
	StateThrottled State = "throttled"
	StateDone      State = "done"
)

// Report summarizes what a sync pass did.
type Report struct {
	State     State `json:"state"`
	New       int   `json:"new"`
	Corrected int   `json:"corrected"`
	Skipped   int   `json:"skipped"`
}

// engineStore is the storage surface the engine needs; *storage.Store
// satisfies it and tests substitute an in-memory database.
type engineStore interface {
	GetSyncState(ctx context.Context, accountID int64) (*models.SyncState, error)
	SaveSyncState(ctx context.Context, state *models.SyncState) error
	RecentRemoteIDs(ctx context.Context, accountID int64, cutoff time.Time) (map[string]storage.MessageFlags, error)
	InsertMessage(ctx context.Context, msg *models.CachedMessage) error
	ApplyFolderFlag(ctx context.Context, messageID int64, folder models.Folder, value bool) error
	UpdateMessageBody(ctx context.Context, messageID int64, bodyHTML string) error
	SetHasNewMail(ctx context.Context, accountID int64, hasNew bool) error
}

// Options bound one sync pass.
type Options struct {
	Throttle    time.Duration // min gap between inbox passes
	DedupWindow time.Duration // existence-index horizon
	MaxNew      int           // cap on new items per pass
	PageSize    int           // remote page size
}

// Engine runs incremental folder syncs: list remote ids, skip or
// flag-correct the already-cached ones, fetch and persist the rest.
type Engine struct {
	store     engineStore
	providers map[string]providers.MailProvider
	retrier   *providers.Retrier
	opts      Options
	log       *utils.Logger

	// Clock is overridable in tests.
	Clock func() time.Time

	// AttachmentURL maps a stored attachment to the URL inline images
	// are rewritten to.
	AttachmentURL AttachmentURL
}

// NewEngine wires the engine. Zero option fields get the defaults the
// rest of the system assumes (30s throttle, 30-day window, 30 items,
// 15 per page).
func NewEngine(store engineStore, provs map[string]providers.MailProvider, retrier *providers.Retrier, opts Options, log *utils.Logger) *Engine {
	if opts.Throttle <= 0 {
		opts.Throttle = 30 * time.Second
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 30 * 24 * time.Hour
	}
	if opts.MaxNew <= 0 {
		opts.MaxNew = 30
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 15
	}
	return &Engine{
		store:     store,
		providers: provs,
		retrier:   retrier,
		opts:      opts,
		log:       log,
		Clock:     time.Now,
		AttachmentURL: func(att models.Attachment) string {
			return fmt.Sprintf("/api/mail/attachments/%d", att.ID)
		},
	}
}

// SyncFolder runs one sync pass for an account's folder. The inbox
// pass is throttled unless force is set; the other folders always run,
// since they are only triggered by explicit user navigation. A refresh
// failure aborts the pass; a single bad message is logged and skipped.
func (e *Engine) SyncFolder(ctx context.Context, acc *models.MailAccount, folder models.Folder, force bool) (*Report, error) {
	provider, ok := e.providers[acc.Provider]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", acc.Provider)
	}
	if !acc.Connected() {
		return nil, providers.ErrAuthExpired
	}

	now := e.Clock()
	state, err := e.store.GetSyncState(ctx, acc.ID)
	if err != nil {
		return nil, err
	}

	if folder == models.FolderInbox && !force &&
		!state.LastFetchAt.IsZero() && now.Sub(state.LastFetchAt) < e.opts.Throttle {
		return &Report{State: StateThrottled}, nil
	}

	index, err := e.store.RecentRemoteIDs(ctx, acc.ID, now.Add(-e.opts.DedupWindow))
	if err != nil {
		return nil, err
	}

	report := &Report{State: StateDone}
	var listed []string
	pageToken := ""

	for {
		var page *providers.ListPage
		err := e.retrier.Do(ctx, acc, func() error {
			var listErr error
			page, listErr = provider.ListFolder(ctx, acc, folder, pageToken, e.opts.PageSize)
			return listErr
		})
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", acc.Provider, folder, err)
		}

		for _, remoteID := range page.IDs {
			listed = append(listed, remoteID)

			if flags, cached := index[remoteID]; cached {
				if e.correctFlags(ctx, flags, folder) {
					report.Corrected++
				} else {
					report.Skipped++
				}
				continue
			}

			if err := e.persistMessage(ctx, provider, acc, folder, remoteID); err != nil {
				if errors.Is(err, providers.ErrAuthExpired) {
					return nil, err
				}
				if errors.Is(err, storage.ErrDuplicateMessage) {
					// Another pass won the insert race.
					report.Skipped++
					continue
				}
				e.log.Warn("skipping message %s for account %d: %v", remoteID, acc.ID, err)
				continue
			}
			report.New++
			if report.New >= e.opts.MaxNew {
				break
			}
		}

		if report.New >= e.opts.MaxNew || page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if state.LastFetchAt.Before(now) {
		state.LastFetchAt = now
	}
	state.RecentIDs = mergeRecent(state.RecentIDs, listed)
	if err := e.store.SaveSyncState(ctx, state); err != nil {
		return nil, err
	}

	if folder == models.FolderInbox {
		if err := e.store.SetHasNewMail(ctx, acc.ID, report.New > 0); err != nil {
			return nil, err
		}
	}

	e.log.Debug("synced %s/%s for account %d: %d new, %d corrected, %d skipped",
		acc.Provider, folder, acc.ID, report.New, report.Corrected, report.Skipped)
	return report, nil
}

// correctFlags applies the folder flag a cached row is missing and
// reports whether anything changed.
func (e *Engine) correctFlags(ctx context.Context, flags storage.MessageFlags, folder models.Folder) bool {
	var needed bool
	switch folder {
	case models.FolderSent:
		needed = !flags.IsSent
	case models.FolderDrafts:
		needed = !flags.IsDraft
	case models.FolderStarred:
		needed = !flags.IsStarred
	default:
		return false
	}
	if !needed {
		return false
	}
	if err := e.store.ApplyFolderFlag(ctx, flags.MessageID, folder, true); err != nil {
		e.log.Warn("flag correction failed for message %d: %v", flags.MessageID, err)
		return false
	}
	return true
}

// persistMessage fetches one remote message in full, downloads its
// attachments, stores everything and resolves inline images against
// the stored attachment ids.
func (e *Engine) persistMessage(ctx context.Context, provider providers.MailProvider, acc *models.MailAccount, folder models.Folder, remoteID string) error {
	var remote *models.RemoteMessage
	err := e.retrier.Do(ctx, acc, func() error {
		var getErr error
		remote, getErr = provider.GetMessage(ctx, acc, remoteID)
		return getErr
	})
	if err != nil {
		return fmt.Errorf("detail fetch: %w", err)
	}

	msg := &models.CachedMessage{
		RemoteID:          remote.RemoteID,
		AccountID:         acc.ID,
		ThreadID:          remote.ThreadID,
		InternetMessageID: remote.InternetMessageID,
		Subject:           remote.Subject,
		From:              remote.From,
		To:                remote.To,
		Cc:                remote.Cc,
		Bcc:               remote.Bcc,
		Date:              remote.Date,
		BodyHTML:          utils.SanitizeBody(remote.BodyHTML),
		IsSent:            folder == models.FolderSent,
		IsDraft:           folder == models.FolderDrafts,
		IsStarred:         folder == models.FolderStarred,
		IsRead:            remote.IsRead,
	}

	for i := range remote.Attachments {
		ref := &remote.Attachments[i]
		var data []byte
		err := e.retrier.Do(ctx, acc, func() error {
			var dlErr error
			data, dlErr = provider.DownloadAttachment(ctx, acc, remoteID, ref)
			return dlErr
		})
		if err != nil {
			if errors.Is(err, providers.ErrAuthExpired) {
				return err
			}
			e.log.Warn("attachment %q on message %s failed: %v", ref.Filename, remoteID, err)
			continue
		}
		msg.Attachments = append(msg.Attachments, models.Attachment{
			Filename:    ref.Filename,
			ContentType: ref.ContentType,
			ContentID:   ref.ContentID,
			Data:        data,
			Size:        len(data),
		})
	}

	if err := e.store.InsertMessage(ctx, msg); err != nil {
		return err
	}

	if resolved, changed := ResolveInlineImages(msg.BodyHTML, msg.Attachments, e.AttachmentURL); changed {
		if err := e.store.UpdateMessageBody(ctx, msg.ID, resolved); err != nil {
			return fmt.Errorf("resolve inline images: %w", err)
		}
	}
	return nil
}

// mergeRecent folds this pass's listed ids into the rolling id set,
// newest first, bounded so the column cannot grow without limit.
func mergeRecent(prior, listed []string) []string {
	const maxRecent = 200
	seen := make(map[string]bool, len(listed)+len(prior))
	merged := make([]string, 0, len(listed)+len(prior))
	for _, id := range listed {
		if !seen[id] {
			seen[id] = true
			merged = append(merged, id)
		}
	}
	for _, id := range prior {
		if len(merged) >= maxRecent {
			break
		}
		if !seen[id] {
			seen[id] = true
			merged = append(merged, id)
		}
	}
	return merged
}
