// Package providers implements the Gmail and Outlook adapters plus the
// OAuth token plumbing shared between them.
package providers

import (
	"context"
	"errors"

	"mailbridge/models"
)

var (
	// ErrUnauthorized means the provider rejected the access token.
	// A single refresh-and-retry is expected before giving up.
	ErrUnauthorized = errors.New("provider: unauthorized")

	// ErrAuthExpired means the refresh token itself no longer works;
	// the account needs to be reconnected by the user.
	ErrAuthExpired = errors.New("provider: authorization expired")

	// ErrNotFound means the remote message or attachment is gone.
	ErrNotFound = errors.New("provider: not found")

	// ErrThreadNotFound means a send referenced a thread the provider
	// no longer knows. Callers retry once without the thread id.
	ErrThreadNotFound = errors.New("provider: thread not found")
)

// ListPage is one page of a remote folder listing.
type ListPage struct {
	IDs           []string
	NextPageToken string
}

// SendResult reports the ids a provider assigned to a sent message.
type SendResult struct {
	RemoteID string
	ThreadID string
}

// Profile is the identity behind a token pair, fetched right after the
// OAuth callback to know which mailbox was connected.
type Profile struct {
	Email     string
	AvatarURL string
}

// MailProvider is the provider-neutral surface the sync engine and the
// send path work against. All calls authenticate with the account's
// current access token; auth failures surface as ErrUnauthorized so the
// retry layer can refresh and replay once.
type MailProvider interface {
	// Name returns the provider key (models.ProviderGmail or
	// models.ProviderOutlook).
	Name() string

	// GetProfile resolves the mailbox identity for the account's
	// current tokens.
	GetProfile(ctx context.Context, acc *models.MailAccount) (*Profile, error)

	// ListFolder returns one page of remote message ids for a folder,
	// newest first.
	ListFolder(ctx context.Context, acc *models.MailAccount, folder models.Folder, pageToken string, pageSize int) (*ListPage, error)

	// GetMessage fetches full message detail, attachments included as
	// references (bytes may or may not be inline depending on the
	// provider).
	GetMessage(ctx context.Context, acc *models.MailAccount, remoteID string) (*models.RemoteMessage, error)

	// DownloadAttachment fetches attachment bytes when GetMessage did
	// not inline them.
	DownloadAttachment(ctx context.Context, acc *models.MailAccount, remoteID string, att *models.RemoteAttachment) ([]byte, error)

	// Send delivers an outgoing message, threading it into
	// msg.ThreadID when set. A stale thread id yields
	// ErrThreadNotFound.
	Send(ctx context.Context, acc *models.MailAccount, msg *models.OutgoingMessage) (*SendResult, error)

	// SaveDraft stores the message as a draft instead of sending it.
	SaveDraft(ctx context.Context, acc *models.MailAccount, msg *models.OutgoingMessage) (*SendResult, error)
}
