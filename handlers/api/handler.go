package api

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"mailbridge/config"
	"mailbridge/middleware"
	"mailbridge/providers"
	"mailbridge/storage"
	"mailbridge/sync"
	"mailbridge/utils"
)

// Handler bundles the dependencies every API endpoint shares.
type Handler struct {
	store     *storage.Store
	tokens    *providers.TokenManager
	providers map[string]providers.MailProvider
	engine    *sync.Engine
	retry     *providers.Retrier
	cfg       *config.Config
	log       *utils.Logger
	analyzer  *analyzerClient
}

// NewHandler wires the API handler.
func NewHandler(store *storage.Store, tokens *providers.TokenManager, provs map[string]providers.MailProvider, engine *sync.Engine, retry *providers.Retrier, cfg *config.Config, log *utils.Logger) *Handler {
	return &Handler{
		store:     store,
		tokens:    tokens,
		providers: provs,
		engine:    engine,
		retry:     retry,
		cfg:       cfg,
		log:       log,
		analyzer:  newAnalyzerClient(cfg.Analyzer, log),
	}
}

// RegisterRoutes mounts all API routes. OAuth callbacks are public
// (identity travels in the signed state); everything else requires a
// session token.
func (h *Handler) RegisterRoutes(app *fiber.App) {
	api := app.Group("/api")
	api.Use(middleware.RateLimiter(120, time.Minute))

	oauth := api.Group("/oauth")
	oauth.Get("/:provider/start", middleware.RequireAuth(h.cfg.JWT.Secret), h.OAuthStart)
	oauth.Get("/:provider/callback", h.OAuthCallback)

	mail := api.Group("/mail", middleware.RequireAuth(h.cfg.JWT.Secret))
	mail.Get("/accounts", h.ListAccounts)
	mail.Delete("/accounts/:id", h.DeleteAccount)
	mail.Get("/messages", h.ListMessages)
	mail.Get("/messages/:id", h.GetMessage)
	mail.Get("/attachments/:id", h.GetAttachment)
	mail.Post("/refresh", h.ForceSync)
	mail.Post("/clear_new_mail_flag", h.ClearNewMailFlag)
	mail.Post("/session/ping", h.SessionPing)
	mail.Post("/send", h.Send)
	mail.Post("/drafts", h.SaveDraft)
	mail.Post("/analyze", h.Analyze)
}
