package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/funnel-relay/internal/assets"
	"github.com/ashureev/funnel-relay/internal/dispatch"
	"github.com/ashureev/funnel-relay/internal/domain"
	"github.com/ashureev/funnel-relay/internal/mediacache"
	"github.com/ashureev/funnel-relay/internal/middleware"
	"github.com/ashureev/funnel-relay/internal/store"
	"github.com/ashureev/funnel-relay/internal/whatsapp"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	maxOpsBody          = 64 << 10
	defaultHistoryLimit = 50
)

// Sender is the operator send surface.
type Sender interface {
	SendText(ctx context.Context, to, text string) dispatch.Result
	SendMedia(ctx context.Context, to, mediaPath string, kind domain.MediaKind) dispatch.Result
}

// MediaUploader uploads a raw asset to the provider and caches its handle.
type MediaUploader interface {
	Upload(ctx context.Context, key, storagePath string) (*domain.AudioAsset, error)
}

// OpsHandler serves the operator API.
type OpsHandler struct {
	repo     store.Repository
	sender   Sender
	uploader MediaUploader
	limiter  *RateLimiter
	logger   *slog.Logger
}

// NewOpsHandler creates the operator API handler. uploader may be nil.
func NewOpsHandler(repo store.Repository, sender Sender, uploader MediaUploader, limiter *RateLimiter, logger *slog.Logger) *OpsHandler {
	if limiter == nil {
		limiter = NewRateLimiter(30, time.Minute)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpsHandler{
		repo:     repo,
		sender:   sender,
		uploader: uploader,
		limiter:  limiter,
		logger:   logger.With("component", "ops"),
	}
}

// RegisterRoutes registers the operator routes under /api/ops behind auth.
func (h *OpsHandler) RegisterRoutes(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Route("/api/ops", func(r chi.Router) {
		r.Use(auth)
		r.Get("/audio-assets", h.ListAssets)
		r.Get("/funnel-state/{phone}", h.FunnelState)
		r.Get("/conversations/{phone}", h.Conversation)
		r.Post("/contacts/{phone}/release", h.Release)
		r.Post("/media", h.UploadMedia)

		r.Group(func(r chi.Router) {
			r.Use(h.rateLimit)
			r.Post("/send-audio", h.SendAudio)
			r.Post("/send", h.Send)
		})
	})
}

func (h *OpsHandler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := middleware.OperatorFromContext(r.Context())
		if key == "" {
			key = middleware.IPFromRequest(r)
		}
		if !h.limiter.Allow(key) {
			Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListAssets handles GET /api/ops/audio-assets.
func (h *OpsHandler) ListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.repo.ListAudioAssets(r.Context())
	if err != nil {
		h.logger.Error("Failed to list assets", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list assets")
		return
	}
	if assets == nil {
		assets = []domain.AudioAsset{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"assets": assets, "count": len(assets)})
}

// FunnelState handles GET /api/ops/funnel-state/{phone}.
func (h *OpsHandler) FunnelState(w http.ResponseWriter, r *http.Request) {
	contact, ok := h.loadContact(w, r)
	if !ok {
		return
	}

	resp := map[string]interface{}{"contact": contact}
	if contact.Started() {
		step, err := h.repo.GetFunnelStep(r.Context(), contact.StepKey())
		if err != nil {
			h.logger.Error("Failed to load step", "step_key", contact.StepKey(), "error", err)
			Error(w, http.StatusInternalServerError, "failed to load funnel step")
			return
		}
		resp["step"] = step
	}

	entries, err := h.repo.ListConversation(r.Context(), contact.ID, 10)
	if err != nil {
		h.logger.Error("Failed to list conversation", "contact_id", contact.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list conversation")
		return
	}
	resp["recent"] = entries
	JSON(w, http.StatusOK, resp)
}

// Conversation handles GET /api/ops/conversations/{phone}?limit=N.
func (h *OpsHandler) Conversation(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	contact, ok := h.loadContact(w, r)
	if !ok {
		return
	}
	entries, err := h.repo.ListConversation(r.Context(), contact.ID, limit)
	if err != nil {
		h.logger.Error("Failed to list conversation", "contact_id", contact.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list conversation")
		return
	}
	if entries == nil {
		entries = []domain.ConversationEntry{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"contact_id": contact.ID, "entries": entries})
}

type releaseRequest struct {
	Reset bool `json:"reset"`
}

// Release handles POST /api/ops/contacts/{phone}/release. It returns a
// contact from handoff to automation, optionally restarting the funnel.
func (h *OpsHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}

	contact, ok := h.loadContact(w, r)
	if !ok {
		return
	}

	stage := domain.StageLead
	update := domain.ContactUpdate{Stage: &stage, ClearStep: req.Reset}
	if err := h.repo.UpdateContact(r.Context(), contact.ID, update); err != nil {
		h.logger.Error("Failed to release contact", "contact_id", contact.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to release contact")
		return
	}
	update.Apply(contact)
	h.note(r, contact.ID, fmt.Sprintf("[operator] released (reset=%t)", req.Reset))

	h.logger.Info("Contact released", "contact_id", contact.ID, "reset", req.Reset, "operator", middleware.OperatorFromContext(r.Context()))
	JSON(w, http.StatusOK, map[string]interface{}{"contact": contact})
}

type sendAudioRequest struct {
	To       string `json:"to"`
	AudioKey string `json:"audio_key"`
}

// SendAudio handles POST /api/ops/send-audio.
func (h *OpsHandler) SendAudio(w http.ResponseWriter, r *http.Request) {
	var req sendAudioRequest
	if !decodeBody(w, r, &req) {
		return
	}
	to := whatsapp.NormalizePhone(req.To)
	if to == "" || strings.TrimSpace(req.AudioKey) == "" {
		Error(w, http.StatusBadRequest, "to and audio_key are required")
		return
	}

	res := h.sender.SendMedia(r.Context(), to, req.AudioKey, domain.MediaAudio)
	h.respondSend(w, r, to, "audio:"+req.AudioKey, res)
}

type sendRequest struct {
	To       string `json:"to"`
	Type     string `json:"type"`
	Message  string `json:"message"`
	AudioKey string `json:"audio_key"`
}

// Send handles POST /api/ops/send, a manual operator message.
func (h *OpsHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	to := whatsapp.NormalizePhone(req.To)
	if to == "" {
		Error(w, http.StatusBadRequest, "to is required")
		return
	}

	var res dispatch.Result
	var summary string
	switch req.Type {
	case "", "text":
		if strings.TrimSpace(req.Message) == "" {
			Error(w, http.StatusBadRequest, "message is required")
			return
		}
		res, summary = h.sender.SendText(r.Context(), to, req.Message), req.Message
	case "audio", "video":
		if strings.TrimSpace(req.AudioKey) == "" {
			Error(w, http.StatusBadRequest, "audio_key is required")
			return
		}
		kind := domain.MediaKind(req.Type)
		res, summary = h.sender.SendMedia(r.Context(), to, req.AudioKey, kind), req.Type+":"+req.AudioKey
	default:
		Error(w, http.StatusBadRequest, "type must be text, audio or video")
		return
	}
	h.respondSend(w, r, to, summary, res)
}

type uploadRequest struct {
	AudioKey    string `json:"audio_key"`
	StoragePath string `json:"storage_path"`
}

// UploadMedia handles POST /api/ops/media.
func (h *OpsHandler) UploadMedia(w http.ResponseWriter, r *http.Request) {
	if h.uploader == nil {
		Error(w, http.StatusServiceUnavailable, "media upload is not configured")
		return
	}
	var req uploadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.StoragePath) == "" {
		Error(w, http.StatusBadRequest, "storage_path is required")
		return
	}

	asset, err := h.uploader.Upload(r.Context(), req.AudioKey, req.StoragePath)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, "asset not found in storage")
	case errors.Is(err, domain.ErrValidation), errors.Is(err, assets.ErrPathTraversal):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, mediacache.ErrTooLarge):
		Error(w, http.StatusRequestEntityTooLarge, err.Error())
	case err != nil:
		h.logger.Error("Media upload failed", "storage_path", req.StoragePath, "error", err)
		Error(w, http.StatusBadGateway, "media upload failed")
	default:
		JSON(w, http.StatusOK, map[string]interface{}{"asset": asset})
	}
}

func (h *OpsHandler) respondSend(w http.ResponseWriter, r *http.Request, to, summary string, res dispatch.Result) {
	if res.Delivered() {
		if contact, err := h.repo.FindContactByPhone(r.Context(), to); err == nil && contact != nil {
			h.note(r, contact.ID, "[operator] "+summary)
		}
	}

	body := map[string]interface{}{"result": res}
	if res.Err != nil {
		body["error"] = res.Err.Error()
	}
	status := http.StatusOK
	if !res.Delivered() {
		status = http.StatusBadGateway
	}
	JSON(w, status, body)
}

func (h *OpsHandler) note(r *http.Request, contactID, text string) {
	err := h.repo.AppendConversationEntry(r.Context(), &domain.ConversationEntry{
		ID:        uuid.NewString(),
		ContactID: contactID,
		Sender:    domain.SenderSystem,
		Text:      text,
		CreatedAt: time.Now(),
	})
	if err != nil {
		h.logger.Warn("Failed to log operator action", "contact_id", contactID, "error", err)
	}
}

func (h *OpsHandler) loadContact(w http.ResponseWriter, r *http.Request) (*domain.Contact, bool) {
	phone := whatsapp.NormalizePhone(chi.URLParam(r, "phone"))
	if phone == "" {
		Error(w, http.StatusBadRequest, "phone is required")
		return nil, false
	}
	contact, err := h.repo.FindContactByPhone(r.Context(), phone)
	if err != nil {
		h.logger.Error("Failed to load contact", "phone", phone, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load contact")
		return nil, false
	}
	if contact == nil {
		Error(w, http.StatusNotFound, "contact not found")
		return nil, false
	}
	return contact, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxOpsBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
