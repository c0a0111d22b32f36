package models

import "time"

// Provider identifiers. Every MailAccount belongs to exactly one provider.
const (
	ProviderGmail   = "gmail"
	ProviderOutlook = "outlook"
)

// MailAccount represents one linked mailbox: a (user, provider, email)
// triple plus the OAuth credentials obtained for it. Tokens are cleared
// (but the record kept) when the user disconnects or the refresh token
// is revoked.
type MailAccount struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"-"` // Never expose in JSON
	RefreshToken string    `json:"-"`
	TokenExpiry  time.Time `json:"token_expiry"` // UTC; zero means unknown
	HasNewMail   bool      `json:"has_new_mail"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Connected reports whether the account still holds a usable credential
// pair. Accounts without both tokens are skipped by the poller.
func (a *MailAccount) Connected() bool {
	return a.AccessToken != "" && a.RefreshToken != ""
}

// TokenExpired reports whether the stored access token has passed its
// expiry. A zero expiry is treated as not-expired; the provider answers
// 401 in that case and the retry decorator recovers from there.
func (a *MailAccount) TokenExpired(now time.Time) bool {
	return !a.TokenExpiry.IsZero() && a.TokenExpiry.Before(now.UTC())
}

// SyncState holds per-account sync metadata: when the mailbox was last
// fetched and which remote ids were seen within the trailing 30-day
// window (stored serialized as JSON).
type SyncState struct {
	AccountID   int64     `json:"account_id"`
	LastFetchAt time.Time `json:"last_fetch_at"`
	RecentIDs   []string  `json:"recent_ids"`
}

// AccountSession is an ephemeral record of a mailbox being open in some
// UI tab. Sessions that have not pinged within the inactivity threshold
// are pruned, which removes the account from the background poller's
// candidate set.
type AccountSession struct {
	AccountID int64     `json:"account_id"`
	UserID    string    `json:"user_id"`
	LastPing  time.Time `json:"last_ping"`
}
