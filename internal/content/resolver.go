// Package content turns inbound messages into the text the funnel classifies.
package content

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/funnel-relay/internal/domain"
)

const (
	// AudioPlaceholder stands in for a voice note that could not be transcribed.
	AudioPlaceholder = "[audio unresolved]"
	// ImagePlaceholder stands in for an image that could not be described.
	ImagePlaceholder = "[image received]"

	defaultTimeout = 30 * time.Second
)

// MediaFetcher downloads inbound media by provider handle.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, mediaID string) ([]byte, string, error)
}

// Transcriber converts speech to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// Describer produces a short text description of an image.
type Describer interface {
	Describe(ctx context.Context, image []byte, mimeType string) (string, error)
}

// Resolver normalizes inbound messages to text.
type Resolver struct {
	fetcher     MediaFetcher
	transcriber Transcriber
	describer   Describer
	timeout     time.Duration
	logger      *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTranscriber enables voice note transcription.
func WithTranscriber(t Transcriber) Option {
	return func(r *Resolver) {
		r.transcriber = t
	}
}

// WithDescriber enables image description.
func WithDescriber(d Describer) Option {
	return func(r *Resolver) {
		r.describer = d
	}
}

// WithTimeout bounds each media fetch and each capability call.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewResolver creates a Resolver. fetcher may be nil, in which case every
// media message resolves to its placeholder.
func NewResolver(fetcher MediaFetcher, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		fetcher: fetcher,
		timeout: defaultTimeout,
		logger:  logger.With("component", "content"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the text form of msg. It never fails: auxiliary
// capability errors degrade to a placeholder.
func (r *Resolver) Resolve(ctx context.Context, msg domain.InboundMessage) string {
	switch msg.Kind {
	case domain.KindText:
		return msg.Text
	case domain.KindAudio:
		text, err := r.transcribe(ctx, msg)
		if err != nil {
			r.logger.Warn("Audio unresolved", "message_id", msg.ExternalID, "error", err)
			return AudioPlaceholder
		}
		return text
	case domain.KindImage:
		text, err := r.describe(ctx, msg)
		if err != nil {
			r.logger.Info("Image not described", "message_id", msg.ExternalID, "error", err)
			return withCaption(ImagePlaceholder, msg.Caption)
		}
		return withCaption(text, msg.Caption)
	default:
		return ""
	}
}

func (r *Resolver) transcribe(ctx context.Context, msg domain.InboundMessage) (string, error) {
	if r.transcriber == nil {
		return "", fmt.Errorf("%w: no transcriber configured", domain.ErrContentResolution)
	}
	data, mimeType, err := r.fetch(ctx, msg)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	text, err := r.transcriber.Transcribe(callCtx, data, mimeType)
	if err != nil {
		return "", fmt.Errorf("%w: transcribe: %v", domain.ErrContentResolution, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty transcript", domain.ErrContentResolution)
	}
	return text, nil
}

func (r *Resolver) describe(ctx context.Context, msg domain.InboundMessage) (string, error) {
	if r.describer == nil {
		return "", fmt.Errorf("%w: no describer configured", domain.ErrContentResolution)
	}
	data, mimeType, err := r.fetch(ctx, msg)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	text, err := r.describer.Describe(callCtx, data, mimeType)
	if err != nil {
		return "", fmt.Errorf("%w: describe: %v", domain.ErrContentResolution, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty description", domain.ErrContentResolution)
	}
	return text, nil
}

func (r *Resolver) fetch(ctx context.Context, msg domain.InboundMessage) ([]byte, string, error) {
	if r.fetcher == nil || msg.MediaID == "" {
		return nil, "", fmt.Errorf("%w: media unavailable", domain.ErrContentResolution)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, mimeType, err := r.fetcher.FetchMedia(fetchCtx, msg.MediaID)
	if err != nil {
		return nil, "", fmt.Errorf("%w: fetch media: %v", domain.ErrContentResolution, err)
	}
	if mimeType == "" {
		mimeType = msg.MimeType
	}
	return data, mimeType, nil
}

func withCaption(text, caption string) string {
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return text
	}
	return text + " " + caption
}
