package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/funnel-relay/internal/domain"
	"github.com/ashureev/funnel-relay/internal/orchestrator"
	"github.com/ashureev/funnel-relay/internal/whatsapp"
	"github.com/go-chi/chi/v5"
)

const maxWebhookBody = 1 << 20

// EventHandler processes one normalized inbound message.
type EventHandler interface {
	Handle(ctx context.Context, msg domain.InboundMessage) (orchestrator.Outcome, error)
}

// WebhookConfig holds the webhook secrets and processing deadline.
type WebhookConfig struct {
	VerifyToken string
	// AppSecret enables X-Hub-Signature-256 validation when set.
	AppSecret string
	Timeout   time.Duration
}

// WebhookHandler receives Cloud API webhook deliveries.
type WebhookHandler struct {
	events EventHandler
	cfg    WebhookConfig
	logger *slog.Logger
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(events EventHandler, cfg WebhookConfig, logger *slog.Logger) *WebhookHandler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{events: events, cfg: cfg, logger: logger.With("component", "webhook")}
}

// RegisterRoutes registers the webhook routes.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Get("/webhook", h.Verify)
	r.Post("/webhook", h.Receive)
}

// Verify answers the subscription handshake.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || h.cfg.VerifyToken == "" || q.Get("hub.verify_token") != h.cfg.VerifyToken {
		h.logger.Warn("Webhook verification rejected", "mode", q.Get("hub.mode"))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// Receive processes one delivery. Malformed and unsupported payloads are
// acknowledged so the provider does not redeliver them; only storage
// failures answer 5xx.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	if h.cfg.AppSecret != "" && !whatsapp.VerifySignature(h.cfg.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		h.logger.Warn("Webhook signature mismatch")
		Error(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	msg, err := whatsapp.ParseWebhook(body)
	if err != nil {
		h.logger.Warn("Webhook payload dropped", "error", err)
		JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if msg == nil {
		JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.cfg.Timeout)
	defer cancel()

	out, err := h.events.Handle(ctx, *msg)
	switch {
	case errors.Is(err, domain.ErrValidation):
		h.logger.Warn("Inbound message dropped", "message_id", msg.ExternalID, "error", err)
		JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	case err != nil:
		h.logger.Error("Inbound processing failed", "message_id", msg.ExternalID, "error", err)
		Error(w, http.StatusInternalServerError, "processing failed")
	default:
		JSON(w, http.StatusOK, map[string]string{"status": "ok", "action": string(out.Action)})
	}
}
