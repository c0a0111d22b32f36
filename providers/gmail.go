package providers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailbridge/models"
	"mailbridge/utils"
)

const googleUserinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// GmailProvider talks to the Gmail REST API through the official
// client, authenticating each call with the account's current access
// token.
type GmailProvider struct {
	log  *utils.Logger
	http *http.Client
}

// NewGmailProvider builds the Gmail adapter.
func NewGmailProvider(log *utils.Logger) *GmailProvider {
	return &GmailProvider{
		log:  log,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Name implements MailProvider.
func (p *GmailProvider) Name() string { return models.ProviderGmail }

// service builds a Gmail client bound to the account's access token.
// Built per call: the retry layer rewrites the token between attempts.
func (p *GmailProvider) service(ctx context.Context, acc *models.MailAccount) (*gmailapi.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: acc.AccessToken})
	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}
	return svc, nil
}

// mapGmailError translates googleapi status codes into the shared
// sentinel errors.
func mapGmailError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	return err
}

// GetProfile resolves the mailbox address and avatar for the token.
func (p *GmailProvider) GetProfile(ctx context.Context, acc *models.MailAccount) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, googleUserinfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+acc.AccessToken)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo: unexpected status %d", resp.StatusCode)
	}

	var info struct {
		Email   string `json:"email"`
		Picture string `json:"picture"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	if info.Email == "" {
		return nil, fmt.Errorf("userinfo: no email in response")
	}
	return &Profile{Email: info.Email, AvatarURL: info.Picture}, nil
}

// gmailQuery maps a folder to the Gmail search expression listing it.
func gmailQuery(folder models.Folder) (string, error) {
	switch folder {
	case models.FolderInbox:
		return "in:inbox", nil
	case models.FolderSent:
		return "in:sent", nil
	case models.FolderDrafts:
		return "in:draft", nil
	case models.FolderStarred:
		return "is:starred", nil
	default:
		return "", fmt.Errorf("unknown folder %q", folder)
	}
}

// ListFolder implements MailProvider.
func (p *GmailProvider) ListFolder(ctx context.Context, acc *models.MailAccount, folder models.Folder, pageToken string, pageSize int) (*ListPage, error) {
	svc, err := p.service(ctx, acc)
	if err != nil {
		return nil, err
	}
	q, err := gmailQuery(folder)
	if err != nil {
		return nil, err
	}

	call := svc.Users.Messages.List("me").Q(q).MaxResults(int64(pageSize))
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, mapGmailError(err)
	}

	page := &ListPage{NextPageToken: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, m.Id)
	}
	return page, nil
}

// GetMessage implements MailProvider. The full payload is fetched and
// flattened: headers normalized, HTML body parts concatenated,
// attachment parts collected by id for a later download.
func (p *GmailProvider) GetMessage(ctx context.Context, acc *models.MailAccount, remoteID string) (*models.RemoteMessage, error) {
	svc, err := p.service(ctx, acc)
	if err != nil {
		return nil, err
	}
	raw, err := svc.Users.Messages.Get("me", remoteID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, mapGmailError(err)
	}

	headers := collectGmailHeaders(raw.Payload)
	msg := &models.RemoteMessage{
		RemoteID:          raw.Id,
		ThreadID:          raw.ThreadId,
		InternetMessageID: BracketOnce(headers["message-id"]),
		Subject:           headers["subject"],
		From:              ParseAddress(headers["from"]),
		To:                ParseAddressList(headers["to"]),
		Cc:                ParseAddressList(headers["cc"]),
		Bcc:               ParseAddressList(headers["bcc"]),
		Date:              ParseDate(headers["date"]),
		IsRead:            !hasLabel(raw.LabelIds, "UNREAD"),
	}

	html, plain := extractGmailBodies(raw.Payload)
	if html != "" {
		msg.BodyHTML = html
	} else if plain != "" {
		msg.BodyHTML = plainToHTML(plain)
	}

	collectGmailAttachments(raw.Payload, &msg.Attachments)
	return msg, nil
}

// DownloadAttachment implements MailProvider.
func (p *GmailProvider) DownloadAttachment(ctx context.Context, acc *models.MailAccount, remoteID string, att *models.RemoteAttachment) ([]byte, error) {
	if len(att.Data) > 0 {
		return att.Data, nil
	}
	svc, err := p.service(ctx, acc)
	if err != nil {
		return nil, err
	}
	body, err := svc.Users.Messages.Attachments.Get("me", remoteID, att.AttachmentID).Context(ctx).Do()
	if err != nil {
		return nil, mapGmailError(err)
	}
	data, err := decodeGmailB64(body.Data)
	if err != nil {
		return nil, fmt.Errorf("decode attachment: %w", err)
	}
	return data, nil
}

// Send implements MailProvider. The message threads into msg.ThreadID
// when set; a stale thread id maps to ErrThreadNotFound so the caller
// can retry without it.
func (p *GmailProvider) Send(ctx context.Context, acc *models.MailAccount, msg *models.OutgoingMessage) (*SendResult, error) {
	svc, err := p.service(ctx, acc)
	if err != nil {
		return nil, err
	}
	wire, err := BuildMIME(msg, time.Now())
	if err != nil {
		return nil, err
	}

	payload := &gmailapi.Message{
		Raw:      base64.RawURLEncoding.EncodeToString(wire),
		ThreadId: msg.ThreadID,
	}
	sent, err := svc.Users.Messages.Send("me", payload).Context(ctx).Do()
	if err != nil {
		mapped := mapGmailError(err)
		if msg.ThreadID != "" && errors.Is(mapped, ErrNotFound) {
			return nil, fmt.Errorf("%w: thread %s", ErrThreadNotFound, msg.ThreadID)
		}
		return nil, mapped
	}
	return &SendResult{RemoteID: sent.Id, ThreadID: sent.ThreadId}, nil
}

// SaveDraft implements MailProvider.
func (p *GmailProvider) SaveDraft(ctx context.Context, acc *models.MailAccount, msg *models.OutgoingMessage) (*SendResult, error) {
	svc, err := p.service(ctx, acc)
	if err != nil {
		return nil, err
	}
	wire, err := BuildMIME(msg, time.Now())
	if err != nil {
		return nil, err
	}

	draft := &gmailapi.Draft{
		Message: &gmailapi.Message{
			Raw:      base64.RawURLEncoding.EncodeToString(wire),
			ThreadId: msg.ThreadID,
		},
	}
	created, err := svc.Users.Drafts.Create("me", draft).Context(ctx).Do()
	if err != nil {
		return nil, mapGmailError(err)
	}
	res := &SendResult{}
	if created.Message != nil {
		res.RemoteID = created.Message.Id
		res.ThreadID = created.Message.ThreadId
	}
	return res, nil
}

// collectGmailHeaders flattens message headers into a lowercase-keyed
// map. Gmail sometimes carries Subject or Message-Id only on a nested
// part, so the walk recurses into sub-parts; the first value seen for
// a name wins, top level first.
func collectGmailHeaders(payload *gmailapi.MessagePart) map[string]string {
	headers := make(map[string]string)
	addGmailHeaders(payload, headers)
	return headers
}

func addGmailHeaders(part *gmailapi.MessagePart, headers map[string]string) {
	if part == nil {
		return
	}
	for _, h := range part.Headers {
		key := strings.ToLower(h.Name)
		if _, seen := headers[key]; !seen {
			headers[key] = h.Value
		}
	}
	for _, child := range part.Parts {
		addGmailHeaders(child, headers)
	}
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// extractGmailBodies walks the part tree depth-first, concatenating
// every text/html part and keeping the first text/plain fallback.
// Forwarded mail often splits its HTML across several parts.
func extractGmailBodies(part *gmailapi.MessagePart) (html, plain string) {
	var htmlParts []string
	walkGmailBodies(part, &htmlParts, &plain)
	return strings.Join(htmlParts, "\n"), plain
}

func walkGmailBodies(part *gmailapi.MessagePart, htmlParts *[]string, plain *string) {
	if part == nil {
		return
	}
	if part.Body != nil && part.Body.Data != "" && part.Filename == "" {
		if decoded, err := decodeGmailB64(part.Body.Data); err == nil {
			switch {
			case strings.HasPrefix(part.MimeType, "text/html"):
				*htmlParts = append(*htmlParts, string(decoded))
			case strings.HasPrefix(part.MimeType, "text/plain") && *plain == "":
				*plain = string(decoded)
			}
		}
	}
	for _, child := range part.Parts {
		walkGmailBodies(child, htmlParts, plain)
	}
}

// collectGmailAttachments walks the part tree gathering parts that are
// attachments: anything with a filename or a Content-ID header.
func collectGmailAttachments(part *gmailapi.MessagePart, out *[]models.RemoteAttachment) {
	if part == nil {
		return
	}
	if part.Body != nil && part.Body.AttachmentId != "" {
		att := models.RemoteAttachment{
			AttachmentID: part.Body.AttachmentId,
			Filename:     part.Filename,
			ContentType:  part.MimeType,
		}
		for _, h := range part.Headers {
			if strings.EqualFold(h.Name, "Content-ID") {
				att.ContentID = strings.Trim(h.Value, "<>")
			}
		}
		if att.Filename != "" || att.ContentID != "" {
			*out = append(*out, att)
		}
	}
	for _, child := range part.Parts {
		collectGmailAttachments(child, out)
	}
}

// decodeGmailB64 decodes Gmail's base64url payloads, tolerating both
// padded and unpadded forms.
func decodeGmailB64(data string) ([]byte, error) {
	if decoded, err := base64.URLEncoding.DecodeString(data); err == nil {
		return decoded, nil
	}
	return base64.RawURLEncoding.DecodeString(data)
}

// plainToHTML wraps a plain-text body in minimal HTML so the cache is
// uniformly HTML.
func plainToHTML(plain string) string {
	var b strings.Builder
	b.WriteString("<div>")
	for i, line := range strings.Split(plain, "\n") {
		if i > 0 {
			b.WriteString("<br>")
		}
		b.WriteString(html.EscapeString(strings.TrimRight(line, "\r")))
	}
	b.WriteString("</div>")
	return b.String()
}
