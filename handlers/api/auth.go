package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"mailbridge/middleware"
	"mailbridge/models"
	"mailbridge/utils"
)

// stateClaims is the signed OAuth state: it carries the user identity
// through the provider redirect, where no session token is available.
type stateClaims struct {
	UserID   string `json:"uid"`
	Provider string `json:"prv"`
	jwt.RegisteredClaims
}

func (h *Handler) signState(userID, provider string) (string, error) {
	claims := stateClaims{
		UserID:   userID,
		Provider: provider,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(h.cfg.JWT.Secret))
}

func (h *Handler) parseState(state string) (*stateClaims, error) {
	var claims stateClaims
	_, err := jwt.ParseWithClaims(state, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(h.cfg.JWT.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return &claims, nil
}

// OAuthStart redirects the user to the provider's consent screen.
func (h *Handler) OAuthStart(c *fiber.Ctx) error {
	provider := c.Params("provider")
	if _, ok := h.providers[provider]; !ok {
		return utils.BadRequestError("Unknown provider", nil)
	}

	state, err := h.signState(middleware.UserID(c), provider)
	if err != nil {
		return utils.InternalServerError("Failed to sign state", err)
	}
	authURL, err := h.tokens.AuthURL(provider, state)
	if err != nil {
		return utils.BadRequestError("Unknown provider", err)
	}
	return c.Redirect(authURL, fiber.StatusFound)
}

// closePage notifies the opener that the connect flow finished and
// closes the popup.
const closePage = `<!DOCTYPE html>
<html><body>
<script>
if (window.opener) {
    window.opener.postMessage({type: "mail-account-connected", ok: %t}, "*");
}
window.close();
</script>
<p>%s You can close this window.</p>
</body></html>`

// OAuthCallback handles the provider redirect: validates state,
// exchanges the code, resolves the mailbox identity and upserts the
// account.
func (h *Handler) OAuthCallback(c *fiber.Ctx) error {
	claims, err := h.parseState(c.Query("state"))
	if err != nil {
		return utils.BadRequestError("Invalid or expired state", err)
	}
	providerName := c.Params("provider")
	if providerName != claims.Provider {
		return utils.BadRequestError("State does not match provider", nil)
	}
	provider, regOK := h.providers[providerName]
	if !regOK {
		return utils.BadRequestError("Unknown provider", nil)
	}

	renderClose := func(success bool, message string) error {
		c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
		return c.SendString(formatClosePage(success, message))
	}

	if errParam := c.Query("error"); errParam != "" {
		h.log.Warn("oauth consent denied for user %s on %s: %s", claims.UserID, providerName, errParam)
		return renderClose(false, "Authorization was denied.")
	}
	code := c.Query("code")
	if code == "" {
		return utils.BadRequestError("Missing authorization code", nil)
	}

	ctx := c.UserContext()
	tok, err := h.tokens.Exchange(ctx, providerName, code)
	if err != nil {
		h.log.Error("code exchange failed for %s: %v", providerName, err)
		return renderClose(false, "Connecting the account failed.")
	}

	// Carry the fresh tokens so GetProfile can authenticate before the
	// account exists.
	acc := &models.MailAccount{
		UserID:       claims.UserID,
		Provider:     providerName,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenExpiry:  tok.Expiry.UTC(),
	}
	profile, err := provider.GetProfile(ctx, acc)
	if err != nil {
		h.log.Error("profile fetch failed for %s: %v", providerName, err)
		return renderClose(false, "Could not read the mailbox identity.")
	}
	acc.Email = profile.Email
	acc.AvatarURL = profile.AvatarURL

	if err := h.store.UpsertAccount(ctx, acc); err != nil {
		h.log.Error("account upsert failed for %s: %v", profile.Email, err)
		return renderClose(false, "Saving the account failed.")
	}

	h.log.Info("connected %s account %s for user %s", providerName, acc.Email, claims.UserID)
	return renderClose(true, "Account connected.")
}

func formatClosePage(success bool, message string) string {
	return fmt.Sprintf(closePage, success, message)
}
