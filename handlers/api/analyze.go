package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/sony/gobreaker"

	"mailbridge/config"
	"mailbridge/storage"
	"mailbridge/utils"
)

// analyzerClient calls the external analysis service behind a circuit
// breaker and a hard timeout. A slow or failing analyzer degrades to
// an empty analysis instead of blocking the request.
type analyzerClient struct {
	url     string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *utils.Logger
}

func newAnalyzerClient(cfg config.AnalyzerConfig, log *utils.Logger) *analyzerClient {
	settings := gobreaker.Settings{
		Name:    "analyzer",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("analyzer breaker %s -> %s", from, to)
		},
	}
	return &analyzerClient{
		url:     cfg.URL,
		http:    &http.Client{Timeout: cfg.Timeout()},
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log,
	}
}

func (a *analyzerClient) enabled() bool { return a.url != "" }

// analyze posts the message content and returns the analysis text.
func (a *analyzerClient) analyze(ctx context.Context, subject, body string) (string, error) {
	result, err := a.breaker.Execute(func() (interface{}, error) {
		payload, err := json.Marshal(map[string]string{
			"subject": subject,
			"body":    body,
		})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return nil, fmt.Errorf("analyzer status %d", resp.StatusCode)
		}

		var out struct {
			Analysis string `json:"analysis"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		return out.Analysis, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Analyze proxies a cached message to the analysis service. Timeouts,
// analyzer failures and an open circuit all fall back to an empty
// analysis so the inbox never hangs on the side service.
func (h *Handler) Analyze(c *fiber.Ctx) error {
	var req struct {
		MessageID int64 `json:"message_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return utils.BadRequestError("Invalid request body", err)
	}

	ctx := c.UserContext()
	msg, err := h.store.GetMessage(ctx, req.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		return utils.NotFoundError("Message not found", err)
	}
	if err != nil {
		return utils.InternalServerError("Failed to load message", err)
	}
	if _, err := h.loadAccount(ctx, c, msg.AccountID); err != nil {
		return utils.NotFoundError("Message not found", nil)
	}

	if !h.analyzer.enabled() {
		return ok(c, fiber.Map{"analysis": ""})
	}

	analysis, err := h.analyzer.analyze(ctx, msg.Subject, utils.StripHTML(msg.BodyHTML))
	if err != nil {
		h.log.Warn("analysis for message %d unavailable: %v", msg.ID, err)
		return ok(c, fiber.Map{"analysis": ""})
	}
	return ok(c, fiber.Map{"analysis": analysis})
}
