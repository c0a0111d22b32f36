// Package api contains the HTTP handlers for accounts, OAuth, sync,
// sending and the analyzer proxy.
package api

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"mailbridge/middleware"
	"mailbridge/models"
	"mailbridge/providers"
	"mailbridge/storage"
	"mailbridge/utils"
)

// ok wraps a successful payload in the standard envelope.
func ok(c *fiber.Ctx, data fiber.Map) error {
	body := fiber.Map{"status": "ok"}
	for k, v := range data {
		body[k] = v
	}
	return c.JSON(body)
}

// statusWord separates client-side problems ("fail") from server-side
// ones ("error") in the response envelope.
func statusWord(code int) string {
	if code < 500 {
		return "fail"
	}
	return "error"
}

// ErrorHandler maps errors to the JSON envelope; AppError carries its
// own status code, everything else is a 500.
func ErrorHandler(log *utils.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var appErr *utils.AppError
		if errors.As(err, &appErr) {
			if appErr.Code >= 500 {
				log.Error("%s %s: %v", c.Method(), c.Path(), err)
			}
			return c.Status(appErr.Code).JSON(fiber.Map{
				"status":  statusWord(appErr.Code),
				"message": appErr.Message,
			})
		}

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return c.Status(fiberErr.Code).JSON(fiber.Map{
				"status":  statusWord(fiberErr.Code),
				"message": fiberErr.Message,
			})
		}

		log.Error("%s %s: %v", c.Method(), c.Path(), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"status":  "error",
			"message": "Internal server error",
		})
	}
}

// mapSyncError translates engine failures into API errors.
func (h *Handler) mapSyncError(err error) error {
	if errors.Is(err, providers.ErrAuthExpired) {
		return utils.UnauthorizedError("Account needs to be reconnected", err)
	}
	return utils.InternalServerError("Sync failed", err)
}

// paramID parses a positive integer route parameter.
func paramID(c *fiber.Ctx, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, utils.BadRequestError("Invalid "+name, err)
	}
	return id, nil
}

// loadAccount fetches an account and checks it belongs to the
// authenticated user.
func (h *Handler) loadAccount(ctx context.Context, c *fiber.Ctx, accountID int64) (*models.MailAccount, error) {
	acc, err := h.store.GetAccountForUser(ctx, accountID, middleware.UserID(c))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, utils.NotFoundError("Account not found", err)
	}
	if err != nil {
		return nil, utils.InternalServerError("Failed to load account", err)
	}
	return acc, nil
}
