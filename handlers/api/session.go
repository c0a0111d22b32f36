package api

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"mailbridge/middleware"
	"mailbridge/utils"
)

// SessionPing marks the account as actively viewed and reports whether
// new mail arrived since the last look. The background poller only
// syncs accounts with a recent ping.
func (h *Handler) SessionPing(c *fiber.Ctx) error {
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

	if err := h.store.PingSession(ctx, acc.ID, middleware.UserID(c), time.Now().UTC()); err != nil {
		return utils.InternalServerError("Failed to record session", err)
	}
	return ok(c, fiber.Map{"has_new_mail": acc.HasNewMail})
}
