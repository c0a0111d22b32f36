package providers

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	gmailapi "google.golang.org/api/gmail/v1"

	"mailbridge/models"
	"mailbridge/utils"
)

var gmailScopes = []string{
	gmailapi.GmailModifyScope,
	gmailapi.GmailComposeScope,
	gmailapi.GmailSendScope,
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

var outlookScopes = []string{
	"offline_access",
	"User.Read",
	"Mail.Read",
	"Mail.ReadWrite",
	"Mail.Send",
}

// tokenStore is the storage surface the token manager needs.
type tokenStore interface {
	UpdateTokens(ctx context.Context, accountID int64, accessToken, refreshToken string, expiry time.Time) error
	ClearTokens(ctx context.Context, accountID int64) error
}

// TokenManager holds the OAuth client configuration for both providers
// and performs code exchange and refresh-token grants, persisting the
// resulting token pairs.
type TokenManager struct {
	configs map[string]*oauth2.Config
	store   tokenStore
	log     *utils.Logger
}

// OAuthClient is one provider's application registration.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
}

// NewTokenManager builds a manager with one oauth2.Config per
// provider. redirectBase is the public server URL; callbacks land on
// redirectBase + "/api/oauth/<provider>/callback".
func NewTokenManager(gmail, outlook OAuthClient, redirectBase string, store tokenStore, log *utils.Logger) *TokenManager {
	return &TokenManager{
		configs: map[string]*oauth2.Config{
			models.ProviderGmail: {
				ClientID:     gmail.ClientID,
				ClientSecret: gmail.ClientSecret,
				Endpoint:     google.Endpoint,
				RedirectURL:  redirectBase + "/api/oauth/gmail/callback",
				Scopes:       gmailScopes,
			},
			models.ProviderOutlook: {
				ClientID:     outlook.ClientID,
				ClientSecret: outlook.ClientSecret,
				Endpoint:     microsoft.AzureADEndpoint("common"),
				RedirectURL:  redirectBase + "/api/oauth/outlook/callback",
				Scopes:       outlookScopes,
			},
		},
		store: store,
		log:   log,
	}
}

// Config returns the oauth2 configuration for a provider.
func (m *TokenManager) Config(provider string) (*oauth2.Config, error) {
	cfg, ok := m.configs[provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	return cfg, nil
}

// AuthURL builds the consent URL for a provider. Offline access and
// the consent prompt are forced so a refresh token always comes back,
// even when the user granted access before.
func (m *TokenManager) AuthURL(provider, state string) (string, error) {
	cfg, err := m.Config(provider)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	), nil
}

// Exchange trades an authorization code for a token pair.
func (m *TokenManager) Exchange(ctx context.Context, provider, code string) (*oauth2.Token, error) {
	cfg, err := m.Config(provider)
	if err != nil {
		return nil, err
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return tok, nil
}

// Refresh performs one refresh-token grant for the account, persists
// the new pair and updates acc in place. A rejected refresh token
// yields ErrAuthExpired and leaves the stored tokens untouched, so the
// account shows as needing reconnection rather than half-updated.
func (m *TokenManager) Refresh(ctx context.Context, acc *models.MailAccount) error {
	cfg, err := m.Config(acc.Provider)
	if err != nil {
		return err
	}
	if acc.RefreshToken == "" {
		return ErrAuthExpired
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: acc.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		m.log.Warn("token refresh failed for account %d (%s): %v", acc.ID, acc.Provider, err)
		// The refresh token is dead; clear the pair so the account
		// reads as needing reconnection instead of silently failing.
		if clearErr := m.store.ClearTokens(ctx, acc.ID); clearErr != nil {
			m.log.Error("clearing dead tokens for account %d: %v", acc.ID, clearErr)
		} else {
			acc.AccessToken = ""
			acc.RefreshToken = ""
			acc.TokenExpiry = time.Time{}
		}
		return fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}

	// Microsoft rotates the refresh token on every grant; Google
	// usually returns the same one or omits it.
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = acc.RefreshToken
	}
	if err := m.store.UpdateTokens(ctx, acc.ID, tok.AccessToken, refresh, tok.Expiry.UTC()); err != nil {
		return fmt.Errorf("persist refreshed tokens: %w", err)
	}

	acc.AccessToken = tok.AccessToken
	acc.RefreshToken = refresh
	acc.TokenExpiry = tok.Expiry.UTC()
	m.log.Debug("refreshed %s token for account %d, expires %s", acc.Provider, acc.ID, acc.TokenExpiry.Format(time.RFC3339))
	return nil
}

// Revoke clears the stored tokens, marking the account disconnected.
func (m *TokenManager) Revoke(ctx context.Context, acc *models.MailAccount) error {
	if err := m.store.ClearTokens(ctx, acc.ID); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	acc.AccessToken = ""
	acc.RefreshToken = ""
	acc.TokenExpiry = time.Time{}
	return nil
}
