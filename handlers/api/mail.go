package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"mailbridge/middleware"
	"mailbridge/models"
	"mailbridge/storage"
	"mailbridge/utils"
)

// accountView is the JSON shape accounts are listed as; token material
// never leaves the server.
type accountView struct {
	ID         int64  `json:"id"`
	Email      string `json:"email"`
	Provider   string `json:"provider"`
	Connected  bool   `json:"connected"`
	HasNewMail bool   `json:"has_new_mail"`
	AvatarURL  string `json:"avatar_url,omitempty"`
}

// ListAccounts returns the user's connected mail accounts.
func (h *Handler) ListAccounts(c *fiber.Ctx) error {
	accounts, err := h.store.ListAccounts(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return utils.InternalServerError("Failed to list accounts", err)
	}

	views := make([]accountView, 0, len(accounts))
	for _, acc := range accounts {
		views = append(views, accountView{
			ID:         acc.ID,
			Email:      acc.Email,
			Provider:   acc.Provider,
			Connected:  acc.Connected(),
			HasNewMail: acc.HasNewMail,
			AvatarURL:  acc.AvatarURL,
		})
	}
	return ok(c, fiber.Map{"accounts": views})
}

// DeleteAccount disconnects and removes an account, together with its
// cached messages and sessions.
func (h *Handler) DeleteAccount(c *fiber.Ctx) error {
	accountID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	err = h.store.DeleteAccount(c.UserContext(), accountID, middleware.UserID(c))
	if errors.Is(err, storage.ErrNotFound) {
		return utils.NotFoundError("Account not found", err)
	}
	if err != nil {
		return utils.InternalServerError("Failed to delete account", err)
	}
	return ok(c, nil)
}

func parseFolder(raw string) (models.Folder, error) {
	switch models.Folder(raw) {
	case "", models.FolderInbox:
		return models.FolderInbox, nil
	case models.FolderSent:
		return models.FolderSent, nil
	case models.FolderDrafts:
		return models.FolderDrafts, nil
	case models.FolderStarred:
		return models.FolderStarred, nil
	default:
		return "", utils.BadRequestError("Unknown folder", nil)
	}
}

// ListMessages pages through a folder of the cache, newest first.
func (h *Handler) ListMessages(c *fiber.Ctx) error {
	accountID, err := strconv.ParseInt(c.Query("account_id"), 10, 64)
	if err != nil || accountID <= 0 {
		return utils.BadRequestError("Invalid account_id", err)
	}
	folder, err := parseFolder(c.Query("folder"))
	if err != nil {
		return err
	}
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	ctx := c.UserContext()
	acc, err := h.loadAccount(ctx, c, accountID)
	if err != nil {
		return err
	}

	messages, err := h.store.ListMessages(ctx, acc.ID, folder, limit, (page-1)*limit)
	if err != nil {
		return utils.InternalServerError("Failed to list messages", err)
	}
	total, err := h.store.CountMessages(ctx, acc.ID, folder)
	if err != nil {
		return utils.InternalServerError("Failed to count messages", err)
	}

	if messages == nil {
		messages = []*models.CachedMessage{}
	}
	return ok(c, fiber.Map{
		"messages": messages,
		"total":    total,
		"page":     page,
		"limit":    limit,
	})
}

// GetMessage returns one cached message with attachment metadata.
func (h *Handler) GetMessage(c *fiber.Ctx) error {
	messageID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.UserContext()
	msg, err := h.store.GetMessage(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return utils.NotFoundError("Message not found", err)
	}
	if err != nil {
		return utils.InternalServerError("Failed to load message", err)
	}
	// Ownership check through the account
	if _, err := h.loadAccount(ctx, c, msg.AccountID); err != nil {
		return utils.NotFoundError("Message not found", nil)
	}
	return ok(c, fiber.Map{"message": msg})
}

// GetAttachment streams attachment bytes with their content type.
func (h *Handler) GetAttachment(c *fiber.Ctx) error {
	attachmentID, err := paramID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.UserContext()
	att, err := h.store.GetAttachment(ctx, middleware.UserID(c), attachmentID)
	if errors.Is(err, storage.ErrNotFound) {
		return utils.NotFoundError("Attachment not found", err)
	}
	if err != nil {
		return utils.InternalServerError("Failed to load attachment", err)
	}

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Set(fiber.HeaderContentType, contentType)
	if att.Filename != "" {
		c.Set(fiber.HeaderContentDisposition, `inline; filename="`+att.Filename+`"`)
	}
	return c.Send(att.Data)
}

// ForceSync runs an immediate sync pass, skipping the throttle.
func (h *Handler) ForceSync(c *fiber.Ctx) error {
	var req struct {
		AccountID int64  `json:"account_id"`
		Folder    string `json:"folder"`
	}
	if err := c.BodyParser(&req); err != nil {
		return utils.BadRequestError("Invalid request body", err)
	}
	folder, err := parseFolder(req.Folder)
	if err != nil {
		return err
	}

	ctx := c.UserContext()
	acc, err := h.loadAccount(ctx, c, req.AccountID)
	if err != nil {
		return err
	}

	report, err := h.engine.SyncFolder(ctx, acc, folder, true)
	if err != nil {
		return h.mapSyncError(err)
	}
	return ok(c, fiber.Map{"report": report})
}

// ClearNewMailFlag resets the account's new-mail indicator, typically
// when the user opens the inbox.
func (h *Handler) ClearNewMailFlag(c *fiber.Ctx) error {
	var req struct {
		AccountID int64 `json:"account_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return utils.BadRequestError("Invalid request body", err)
	}
	ctx := c.UserContext()
	acc, err := h.loadAccount(ctx, c, req.AccountID)
	if err != nil {
		return err
	}
	if err := h.store.SetHasNewMail(ctx, acc.ID, false); err != nil {
		return utils.InternalServerError("Failed to clear flag", err)
	}
	return ok(c, nil)
}
