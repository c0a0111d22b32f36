package api

import (
	"errors"
	"io"
	"mime/multipart"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"

	"mailbridge/models"
	"mailbridge/providers"
	"mailbridge/utils"
)

// splitRecipients parses a comma- or semicolon-separated recipient
// field.
func splitRecipients(raw string) []string {
	raw = strings.ReplaceAll(raw, ";", ",")
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseOutgoing assembles an OutgoingMessage from the multipart form:
// recipient fields, HTML body, uploaded files, and an inline manifest
// mapping uploaded file names to the content-ids referenced in the
// body.
func (h *Handler) parseOutgoing(c *fiber.Ctx) (int64, *models.OutgoingMessage, error) {
	accountID, err := strconv.ParseInt(c.FormValue("account_id"), 10, 64)
	if err != nil || accountID <= 0 {
		return 0, nil, utils.BadRequestError("Invalid account_id", err)
	}

	msg := &models.OutgoingMessage{
		To:        splitRecipients(c.FormValue("to")),
		Cc:        splitRecipients(c.FormValue("cc")),
		Bcc:       splitRecipients(c.FormValue("bcc")),
		Subject:   c.FormValue("subject"),
		BodyHTML:  c.FormValue("body"),
		InReplyTo: c.FormValue("in_reply_to"),
		ThreadID:  c.FormValue("thread_id"),
	}

	manifest := map[string]models.InlinePart{}
	if raw := c.FormValue("inline_manifest"); raw != "" {
		var parts []models.InlinePart
		if err := json.Unmarshal([]byte(raw), &parts); err != nil {
			return 0, nil, utils.BadRequestError("Invalid inline manifest", err)
		}
		for _, part := range parts {
			manifest[part.Name] = part
		}
	}

	form, err := c.MultipartForm()
	if err == nil && form != nil {
		for _, file := range form.File["attachments"] {
			data, err := readUpload(file)
			if err != nil {
				return 0, nil, utils.BadRequestError("Failed to read attachment", err)
			}
			att := models.OutgoingAttachment{
				Filename:    file.Filename,
				ContentType: file.Header.Get("Content-Type"),
				Data:        data,
			}
			if part, inline := manifest[file.Filename]; inline {
				att.ContentID = part.CID
				if part.ContentType != "" {
					att.ContentType = part.ContentType
				}
			}
			msg.Attachments = append(msg.Attachments, att)
		}
	}
	return accountID, msg, nil
}

func readUpload(file *multipart.FileHeader) ([]byte, error) {
	f, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Send delivers a message through the account's provider. A stale
// thread reference gets one retry without the thread id, so the reply
// still goes out as a fresh message.
func (h *Handler) Send(c *fiber.Ctx) error {
	accountID, msg, err := h.parseOutgoing(c)
	if err != nil {
		return err
	}
	if len(msg.To) == 0 {
		return utils.BadRequestError("At least one recipient is required", nil)
	}

	ctx := c.UserContext()
	acc, err := h.loadAccount(ctx, c, accountID)
	if err != nil {
		return err
	}
	provider, okReg := h.providers[acc.Provider]
	if !okReg {
		return utils.InternalServerError("No provider for account", nil)
	}
	msg.From = acc.Email

	var result *providers.SendResult
	sendOnce := func() error {
		var sendErr error
		result, sendErr = provider.Send(ctx, acc, msg)
		return sendErr
	}
	err = h.retry.Do(ctx, acc, sendOnce)
	if errors.Is(err, providers.ErrThreadNotFound) {
		h.log.Warn("thread %s gone for account %d, resending unthreaded", msg.ThreadID, acc.ID)
		msg.ThreadID = ""
		err = h.retry.Do(ctx, acc, sendOnce)
	}
	if errors.Is(err, providers.ErrAuthExpired) {
		return utils.UnauthorizedError("Account needs to be reconnected", err)
	}
	if err != nil {
		return utils.BadGatewayError("Sending failed", err)
	}

	return ok(c, fiber.Map{
		"remote_id": result.RemoteID,
		"thread_id": result.ThreadID,
	})
}

// SaveDraft stores the composed message as a provider-side draft.
func (h *Handler) SaveDraft(c *fiber.Ctx) error {
	accountID, msg, err := h.parseOutgoing(c)
	if err != nil {
		return err
	}

	ctx := c.UserContext()
	acc, err := h.loadAccount(ctx, c, accountID)
	if err != nil {
		return err
	}
	provider, okReg := h.providers[acc.Provider]
	if !okReg {
		return utils.InternalServerError("No provider for account", nil)
	}
	msg.From = acc.Email

	var result *providers.SendResult
	err = h.retry.Do(ctx, acc, func() error {
		var draftErr error
		result, draftErr = provider.SaveDraft(ctx, acc, msg)
		return draftErr
	})
	if errors.Is(err, providers.ErrAuthExpired) {
		return utils.UnauthorizedError("Account needs to be reconnected", err)
	}
	if err != nil {
		return utils.BadGatewayError("Saving draft failed", err)
	}

	return ok(c, fiber.Map{
		"remote_id": result.RemoteID,
		"thread_id": result.ThreadID,
	})
}
