package models

import (
	"fmt"
	"strings"
	"time"
)

// Folder is the mailbox view being listed or synced.
type Folder string

const (
	FolderInbox   Folder = "inbox"
	FolderSent    Folder = "sent"
	FolderDrafts  Folder = "drafts"
	FolderStarred Folder = "starred"
)

// EmailAddress is a parsed mailbox address with an optional display name.
type EmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// String renders the address in "Name <addr>" form, or the bare address
// when no display name is known.
func (e EmailAddress) String() string {
	if e.Name == "" {
		return e.Address
	}
	return fmt.Sprintf("%s <%s>", e.Name, e.Address)
}

// JoinAddresses renders an address list as a comma-separated header value.
func JoinAddresses(addrs []EmailAddress) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.Address == "" {
			continue
		}
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

// CachedMessage is the normalized local copy of one remote message or
// draft. RemoteID is unique across the whole cache; re-syncing an
// already-cached id is a no-op apart from flag corrections.
type CachedMessage struct {
	ID                int64          `json:"id"`
	RemoteID          string         `json:"remote_id"`
	AccountID         int64          `json:"account_id"`
	ThreadID          string         `json:"thread_id"`
	InternetMessageID string         `json:"internet_message_id"`
	Subject           string         `json:"subject"`
	From              EmailAddress   `json:"from"`
	To                []EmailAddress `json:"to"`
	Cc                []EmailAddress `json:"cc"`
	Bcc               []EmailAddress `json:"bcc"`
	Date              *time.Time     `json:"date"` // nil when the Date header failed to parse
	BodyHTML          string         `json:"body_html"`
	IsSent            bool           `json:"is_sent"`
	IsDraft           bool           `json:"is_draft"`
	IsStarred         bool           `json:"is_starred"`
	IsRead            bool           `json:"is_read"`
	HasAttachments    bool           `json:"has_attachments"`
	Attachments       []Attachment   `json:"attachments,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Attachment is a binary blob tied to one cached message. ContentID is
// set for inline parts and drives cid: resolution in the HTML body.
type Attachment struct {
	ID          int64  `json:"id"`
	MessageID   int64  `json:"message_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	ContentID   string `json:"content_id,omitempty"`
	Size        int    `json:"size"`
	Data        []byte `json:"-"` // Excluded from JSON
}

// RemoteMessage is the provider-neutral result of a detail fetch, before
// it is sanitized and persisted as a CachedMessage.
type RemoteMessage struct {
	RemoteID          string
	ThreadID          string
	InternetMessageID string
	Subject           string
	From              EmailAddress
	To                []EmailAddress
	Cc                []EmailAddress
	Bcc               []EmailAddress
	Date              *time.Time
	BodyHTML          string
	IsRead            bool
	Attachments       []RemoteAttachment
}

// RemoteAttachment references an attachment on the provider side. Data
// is populated when the provider inlines content in the detail payload
// (Graph does); otherwise it must be fetched by AttachmentID.
type RemoteAttachment struct {
	AttachmentID string
	Filename     string
	ContentType  string
	ContentID    string
	Data         []byte
}

// InlinePart maps an uploaded file name to the content-id it is
// referenced by inside the HTML body, as supplied by the composer UI.
type InlinePart struct {
	Name        string `json:"name"`
	CID         string `json:"cid"`
	ContentType string `json:"mimetype"`
}

// OutgoingAttachment is one uploaded file on an outgoing message.
type OutgoingAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
	ContentID   string // non-empty marks the part inline
}

// OutgoingMessage is a fully assembled message ready for a provider's
// send or draft API.
type OutgoingMessage struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	BodyHTML    string
	InReplyTo   string // internet message id, bracketed or not
	ThreadID    string // provider thread/conversation id, optional
	Attachments []OutgoingAttachment
}
