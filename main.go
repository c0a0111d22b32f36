package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"mailbridge/config"
	"mailbridge/handlers/api"
	"mailbridge/models"
	"mailbridge/providers"
	"mailbridge/storage"
	"mailbridge/sync"
	"mailbridge/utils"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	configPath := os.Getenv("MAILBRIDGE_CONFIG")
	if configPath == "" {
		if _, err := os.Stat("config.toml"); err == nil {
			configPath = "config.toml"
		}
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		utils.Log.Error("Failed to load config: %v", err)
		os.Exit(1)
	}
	utils.Log.SetLevel(utils.ParseLogLevel(cfg.Server.LogLevel))
	utils.Log.Info("Initializing mailbridge...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Database.Path)
	if err != nil {
		utils.Log.Error("Failed to open database: %v", err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		utils.Log.Error("Failed to apply schema: %v", err)
		os.Exit(1)
	}

	tokens := providers.NewTokenManager(
		providers.OAuthClient{ClientID: cfg.Gmail.ClientID, ClientSecret: cfg.Gmail.ClientSecret},
		providers.OAuthClient{ClientID: cfg.Outlook.ClientID, ClientSecret: cfg.Outlook.ClientSecret},
		cfg.Server.BaseURL, store, utils.Log,
	)
	retrier := providers.NewRetrier(tokens)
	provs := map[string]providers.MailProvider{
		models.ProviderGmail:   providers.NewGmailProvider(utils.Log),
		models.ProviderOutlook: providers.NewOutlookProvider(utils.Log),
	}

	engine := sync.NewEngine(store, provs, retrier, sync.Options{
		Throttle:    cfg.Sync.ThrottleWindow(),
		DedupWindow: cfg.Sync.DedupWindow(),
		MaxNew:      cfg.Sync.MaxMessages,
		PageSize:    cfg.Sync.PageSize,
	}, utils.Log)

	poller := sync.NewPoller(store, engine, cfg.Sync.PollInterval(), cfg.Sync.SessionTTL(), utils.Log)
	go poller.Run(ctx)

	app := fiber.New(fiber.Config{
		AppName:      "mailbridge",
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
		ErrorHandler: api.ErrorHandler(utils.Log),
		BodyLimit:    25 * 1024 * 1024, // room for attachment uploads
	})

	app.Use(recover.New())
	app.Use(helmet.New())
	app.Use(compress.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} ${method} ${path} (${latency})\n",
	}))

	handler := api.NewHandler(store, tokens, provs, engine, retrier, cfg, utils.Log)
	handler.RegisterRoutes(app)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	go func() {
		<-ctx.Done()
		utils.Log.Info("Shutting down...")
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	utils.Log.Info("Listening on %s", addr)
	if err := app.Listen(addr); err != nil {
		utils.Log.Error("Server stopped: %v", err)
		os.Exit(1)
	}
}
