package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"mailbridge/models"
	"mailbridge/utils"
)

const graphBase = "https://graph.microsoft.com/v1.0"

// OutlookProvider talks to Microsoft Graph's mail endpoints. There is
// no official Go SDK in use here; the REST surface is small enough to
// call directly.
type OutlookProvider struct {
	log  *utils.Logger
	http *http.Client
	base string
}

// NewOutlookProvider builds the Graph adapter.
func NewOutlookProvider(log *utils.Logger) *OutlookProvider {
	return &OutlookProvider{
		log:  log,
		http: &http.Client{Timeout: 30 * time.Second},
		base: graphBase,
	}
}

// Name implements MailProvider.
func (p *OutlookProvider) Name() string { return models.ProviderOutlook }

// graphError is Graph's error envelope.
type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do performs one Graph call. A nil out discards the response body;
// payload, when non-nil, is sent as JSON.
func (p *OutlookProvider) do(ctx context.Context, acc *models.MailAccount, method, rawURL string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode graph payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("graph request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+acc.AccessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("graph call: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: graph returned 401", ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, rawURL)
	case resp.StatusCode >= 400:
		var gerr graphError
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &gerr) == nil && gerr.Error.Code != "" {
			return fmt.Errorf("graph %s: %s (%s)", resp.Status, gerr.Error.Message, gerr.Error.Code)
		}
		return fmt.Errorf("graph %s on %s %s", resp.Status, method, rawURL)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode graph response: %w", err)
	}
	return nil
}

// GetProfile implements MailProvider.
func (p *OutlookProvider) GetProfile(ctx context.Context, acc *models.MailAccount) (*Profile, error) {
	var me struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := p.do(ctx, acc, http.MethodGet, p.base+"/me", nil, &me); err != nil {
		return nil, err
	}
	email := me.Mail
	if email == "" {
		email = me.UserPrincipalName
	}
	if email == "" {
		return nil, fmt.Errorf("graph profile: no mailbox address")
	}

	profile := &Profile{Email: email}
	if avatar, err := p.fetchPhoto(ctx, acc); err == nil {
		profile.AvatarURL = avatar
	}
	return profile, nil
}

// fetchPhoto downloads the profile photo and returns it as a data URI.
// Accounts without a photo just get an empty avatar.
func (p *OutlookProvider) fetchPhoto(ctx context.Context, acc *models.MailAccount) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/me/photo/$value", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+acc.AccessToken)
	resp, err := p.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("photo status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// listURL maps a folder to its Graph listing URL.
func (p *OutlookProvider) listURL(folder models.Folder, pageSize int) (string, error) {
	q := url.Values{}
	q.Set("$top", fmt.Sprint(pageSize))
	q.Set("$select", "id")
	switch folder {
	case models.FolderInbox:
		q.Set("$orderby", "receivedDateTime desc")
		return p.base + "/me/mailFolders/inbox/messages?" + q.Encode(), nil
	case models.FolderSent:
		q.Set("$orderby", "receivedDateTime desc")
		return p.base + "/me/mailFolders/sentitems/messages?" + q.Encode(), nil
	case models.FolderDrafts:
		return p.base + "/me/mailFolders/drafts/messages?" + q.Encode(), nil
	case models.FolderStarred:
		q.Set("$filter", "flag/flagStatus eq 'flagged'")
		return p.base + "/me/messages?" + q.Encode(), nil
	default:
		return "", fmt.Errorf("unknown folder %q", folder)
	}
}

// ListFolder implements MailProvider. Graph pages with an opaque
// nextLink URL, carried through as the page token.
func (p *OutlookProvider) ListFolder(ctx context.Context, acc *models.MailAccount, folder models.Folder, pageToken string, pageSize int) (*ListPage, error) {
	target := pageToken
	if target == "" {
		var err error
		if target, err = p.listURL(folder, pageSize); err != nil {
			return nil, err
		}
	}

	var resp struct {
		Value []struct {
			ID string `json:"id"`
		} `json:"value"`
		NextLink string `json:"@odata.nextLink"`
	}
	if err := p.do(ctx, acc, http.MethodGet, target, nil, &resp); err != nil {
		return nil, err
	}

	page := &ListPage{NextPageToken: resp.NextLink}
	for _, m := range resp.Value {
		page.IDs = append(page.IDs, m.ID)
	}
	return page, nil
}

// graphRecipient is Graph's address wrapper.
type graphRecipient struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func fromGraphRecipients(rs []graphRecipient) []models.EmailAddress {
	if len(rs) == 0 {
		return nil
	}
	out := make([]models.EmailAddress, 0, len(rs))
	for _, r := range rs {
		out = append(out, models.EmailAddress{
			Name:    r.EmailAddress.Name,
			Address: r.EmailAddress.Address,
		})
	}
	return out
}

// graphMessage is the detail payload with attachments expanded.
type graphMessage struct {
	ID                string `json:"id"`
	ConversationID    string `json:"conversationId"`
	InternetMessageID string `json:"internetMessageId"`
	Subject           string `json:"subject"`
	ReceivedDateTime  string `json:"receivedDateTime"`
	IsRead            bool   `json:"isRead"`
	Body              struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	From         *graphRecipient  `json:"from"`
	ToRecipients []graphRecipient `json:"toRecipients"`
	CcRecipients []graphRecipient `json:"ccRecipients"`
	BccRecipients []graphRecipient `json:"bccRecipients"`
	Attachments  []struct {
		ODataType    string `json:"@odata.type"`
		ID           string `json:"id"`
		Name         string `json:"name"`
		ContentType  string `json:"contentType"`
		ContentID    string `json:"contentId"`
		ContentBytes string `json:"contentBytes"`
	} `json:"attachments"`
}

// GetMessage implements MailProvider. Attachments come back inline as
// contentBytes, so no second round trip is normally needed.
func (p *OutlookProvider) GetMessage(ctx context.Context, acc *models.MailAccount, remoteID string) (*models.RemoteMessage, error) {
	target := fmt.Sprintf("%s/me/messages/%s?$expand=attachments", p.base, url.PathEscape(remoteID))
	var raw graphMessage
	if err := p.do(ctx, acc, http.MethodGet, target, nil, &raw); err != nil {
		return nil, err
	}

	msg := &models.RemoteMessage{
		RemoteID:          raw.ID,
		ThreadID:          raw.ConversationID,
		InternetMessageID: BracketOnce(raw.InternetMessageID),
		Subject:           raw.Subject,
		To:                fromGraphRecipients(raw.ToRecipients),
		Cc:                fromGraphRecipients(raw.CcRecipients),
		Bcc:               fromGraphRecipients(raw.BccRecipients),
		IsRead:            raw.IsRead,
	}
	if raw.From != nil {
		msg.From = models.EmailAddress{
			Name:    raw.From.EmailAddress.Name,
			Address: raw.From.EmailAddress.Address,
		}
	}
	if t, err := time.Parse(time.RFC3339, raw.ReceivedDateTime); err == nil {
		u := t.UTC()
		msg.Date = &u
	}
	if strings.EqualFold(raw.Body.ContentType, "html") {
		msg.BodyHTML = raw.Body.Content
	} else if raw.Body.Content != "" {
		msg.BodyHTML = plainToHTML(raw.Body.Content)
	}

	for _, att := range raw.Attachments {
		if !strings.HasSuffix(att.ODataType, "fileAttachment") {
			continue
		}
		remote := models.RemoteAttachment{
			AttachmentID: att.ID,
			Filename:     att.Name,
			ContentType:  att.ContentType,
			ContentID:    strings.Trim(att.ContentID, "<>"),
		}
		if att.ContentBytes != "" {
			if data, err := base64.StdEncoding.DecodeString(att.ContentBytes); err == nil {
				remote.Data = data
			}
		}
		msg.Attachments = append(msg.Attachments, remote)
	}
	return msg, nil
}

// DownloadAttachment implements MailProvider. Used only when the
// expanded detail payload omitted the bytes.
func (p *OutlookProvider) DownloadAttachment(ctx context.Context, acc *models.MailAccount, remoteID string, att *models.RemoteAttachment) ([]byte, error) {
	if len(att.Data) > 0 {
		return att.Data, nil
	}
	target := fmt.Sprintf("%s/me/messages/%s/attachments/%s",
		p.base, url.PathEscape(remoteID), url.PathEscape(att.AttachmentID))
	var resp struct {
		ContentBytes string `json:"contentBytes"`
	}
	if err := p.do(ctx, acc, http.MethodGet, target, nil, &resp); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(resp.ContentBytes)
	if err != nil {
		return nil, fmt.Errorf("decode attachment: %w", err)
	}
	return data, nil
}

// toGraphRecipients wraps bare addresses in Graph's envelope.
func toGraphRecipients(addrs []string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		out = append(out, map[string]interface{}{
			"emailAddress": map[string]string{"address": a},
		})
	}
	return out
}

// graphMessageBody builds the message object shared by send, draft and
// reply-patch calls.
func graphMessageBody(msg *models.OutgoingMessage) map[string]interface{} {
	body := map[string]interface{}{
		"subject": msg.Subject,
		"body": map[string]string{
			"contentType": "HTML",
			"content":     msg.BodyHTML,
		},
		"toRecipients": toGraphRecipients(msg.To),
	}
	if len(msg.Cc) > 0 {
		body["ccRecipients"] = toGraphRecipients(msg.Cc)
	}
	if len(msg.Bcc) > 0 {
		body["bccRecipients"] = toGraphRecipients(msg.Bcc)
	}
	if len(msg.Attachments) > 0 {
		var atts []map[string]interface{}
		for _, att := range msg.Attachments {
			entry := map[string]interface{}{
				"@odata.type":  "#microsoft.graph.fileAttachment",
				"name":         att.Filename,
				"contentType":  att.ContentType,
				"contentBytes": base64.StdEncoding.EncodeToString(att.Data),
			}
			if att.ContentID != "" {
				entry["contentId"] = att.ContentID
				entry["isInline"] = true
			}
			atts = append(atts, entry)
		}
		body["attachments"] = atts
	}
	return body
}

// Send implements MailProvider. With a thread id set, the message goes
// out as a reply to that remote message (createReply, patch, send) so
// Graph threads it into the conversation; a 404 on the referenced
// message maps to ErrThreadNotFound. Without one, sendMail delivers
// directly. Graph's send endpoints return no message id; the sync pass
// over sentitems picks the sent copy up.
func (p *OutlookProvider) Send(ctx context.Context, acc *models.MailAccount, msg *models.OutgoingMessage) (*SendResult, error) {
	if msg.ThreadID != "" {
		return p.sendReply(ctx, acc, msg)
	}
	payload := map[string]interface{}{
		"message":         graphMessageBody(msg),
		"saveToSentItems": true,
	}
	if err := p.do(ctx, acc, http.MethodPost, p.base+"/me/sendMail", payload, nil); err != nil {
		return nil, err
	}
	return &SendResult{}, nil
}

func (p *OutlookProvider) sendReply(ctx context.Context, acc *models.MailAccount, msg *models.OutgoingMessage) (*SendResult, error) {
	var draft struct {
		ID string `json:"id"`
	}
	createURL := fmt.Sprintf("%s/me/messages/%s/createReply", p.base, url.PathEscape(msg.ThreadID))
	err := p.do(ctx, acc, http.MethodPost, createURL, map[string]interface{}{}, &draft)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: message %s", ErrThreadNotFound, msg.ThreadID)
		}
		return nil, err
	}

	patchURL := fmt.Sprintf("%s/me/messages/%s", p.base, url.PathEscape(draft.ID))
	if err := p.do(ctx, acc, http.MethodPatch, patchURL, graphMessageBody(msg), nil); err != nil {
		return nil, err
	}
	sendURL := fmt.Sprintf("%s/me/messages/%s/send", p.base, url.PathEscape(draft.ID))
	if err := p.do(ctx, acc, http.MethodPost, sendURL, nil, nil); err != nil {
		return nil, err
	}
	return &SendResult{RemoteID: draft.ID}, nil
}

// SaveDraft implements MailProvider.
func (p *OutlookProvider) SaveDraft(ctx context.Context, acc *models.MailAccount, msg *models.OutgoingMessage) (*SendResult, error) {
	var created struct {
		ID             string `json:"id"`
		ConversationID string `json:"conversationId"`
	}
	if err := p.do(ctx, acc, http.MethodPost, p.base+"/me/messages", graphMessageBody(msg), &created); err != nil {
		return nil, err
	}
	return &SendResult{RemoteID: created.ID, ThreadID: created.ConversationID}, nil
}
