// Package dispatch sends funnel content to a contact with retry, media
// fallback and inter-message pacing.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/funnel-relay/internal/domain"
	"github.com/ashureev/funnel-relay/internal/metrics"
)

// Sender is the outbound messaging transport.
type Sender interface {
	SendText(ctx context.Context, to, body string) (string, error)
	SendMediaByID(ctx context.Context, to string, kind domain.MediaKind, mediaID string) (string, error)
	SendMediaByLink(ctx context.Context, to string, kind domain.MediaKind, link string) (string, error)
}

// MediaResolver maps an asset reference to a cached provider handle.
type MediaResolver interface {
	Resolve(ctx context.Context, ref string) (*domain.AudioAsset, error)
}

// LinkSigner produces a provider-fetchable link to a raw asset.
type LinkSigner interface {
	SignedURL(ctx context.Context, assetPath string, ttl time.Duration) (string, error)
}

// Status is the delivery outcome of one send.
type Status string

const (
	StatusSent     Status = "sent"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// Result describes one send. Failures are reported here, never as panics or
// aborted sequences.
type Result struct {
	Kind      string `json:"kind"`
	Status    Status `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Attempts  int    `json:"attempts"`
	Err       error  `json:"-"`
}

// Delivered reports whether the customer received the message.
func (r Result) Delivered() bool {
	return r.Status == StatusSent || r.Status == StatusDegraded
}

// Options configures a Dispatcher.
type Options struct {
	Retry   RetryPolicy
	Pacer   Pacer
	LinkTTL time.Duration
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Dispatcher sends text and media through a Sender.
type Dispatcher struct {
	sender  Sender
	media   MediaResolver
	links   LinkSigner
	retry   RetryPolicy
	pacer   Pacer
	linkTTL time.Duration
	metrics *metrics.Collector
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a Dispatcher. links may be nil, which disables the media
// link fallback.
func New(sender Sender, media MediaResolver, links LinkSigner, opts Options) *Dispatcher {
	if opts.Pacer == nil {
		opts.Pacer = FixedPacer{Delay: DefaultPacing}
	}
	if opts.LinkTTL <= 0 {
		opts.LinkTTL = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		sender:  sender,
		media:   media,
		links:   links,
		retry:   opts.Retry.normalize(),
		pacer:   opts.Pacer,
		linkTTL: opts.LinkTTL,
		metrics: opts.Metrics,
		logger:  opts.Logger.With("component", "dispatcher"),
		sleep:   sleepCtx,
	}
}

// SendText sends a text message with retry.
func (d *Dispatcher) SendText(ctx context.Context, to, text string) Result {
	res := d.withRetry(ctx, "text", func() (string, error) {
		return d.sender.SendText(ctx, to, text)
	})
	d.record(to, res)
	return res
}

// SendMedia sends the asset at mediaPath. A cached handle is used when
// available; otherwise a single send by signed link is attempted and reported
// as degraded.
func (d *Dispatcher) SendMedia(ctx context.Context, to, mediaPath string, kind domain.MediaKind) Result {
	if kind == "" {
		kind = domain.MediaAudio
	}
	label := string(kind)

	asset, err := d.media.Resolve(ctx, mediaPath)
	if err == nil {
		res := d.withRetry(ctx, label, func() (string, error) {
			return d.sender.SendMediaByID(ctx, to, kind, asset.MediaHandle)
		})
		d.record(to, res)
		return res
	}

	if !errors.Is(err, domain.ErrNotFound) {
		d.logger.Warn("Media cache lookup failed, using link fallback", "media_path", mediaPath, "error", err)
	} else {
		d.logger.Warn("Media not cached, using link fallback", "media_path", mediaPath)
	}

	res := Result{Kind: label}
	if d.links == nil {
		res.Status, res.Err = StatusFailed, fmt.Errorf("media %s: %w", mediaPath, domain.ErrNotFound)
		d.record(to, res)
		return res
	}

	link, err := d.links.SignedURL(ctx, mediaPath, d.linkTTL)
	if err != nil {
		res.Status, res.Err = StatusFailed, fmt.Errorf("sign media link %s: %w", mediaPath, err)
		d.record(to, res)
		return res
	}

	res.Attempts = 1
	id, err := d.sender.SendMediaByLink(ctx, to, kind, link)
	if err != nil {
		res.Status, res.Err = StatusFailed, err
	} else {
		res.Status, res.MessageID = StatusDegraded, id
	}
	d.record(to, res)
	return res
}

// SendContent sends content's text, waits for the pacer, then sends its
// media. A failed text send does not prevent the media send.
func (d *Dispatcher) SendContent(ctx context.Context, to string, content domain.Content) []Result {
	var results []Result
	if content.HasText() {
		results = append(results, d.SendText(ctx, to, content.TextResponse))
	}
	if content.HasMedia() {
		if len(results) > 0 {
			if err := d.pacer.Wait(ctx); err != nil {
				results = append(results, Result{Kind: string(content.Kind()), Status: StatusFailed, Err: err})
				return results
			}
		}
		results = append(results, d.SendMedia(ctx, to, content.MediaPath, content.Kind()))
	}
	return results
}

func (d *Dispatcher) withRetry(ctx context.Context, kind string, send func() (string, error)) Result {
	res := Result{Kind: kind}
	var lastErr error
	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		res.Attempts = attempt
		id, err := send()
		if err == nil {
			res.Status, res.MessageID = StatusSent, id
			return res
		}
		lastErr = err
		if !d.retry.Retryable(err) || attempt == d.retry.MaxAttempts {
			break
		}
		d.logger.Warn("Send failed, retrying", "kind", kind, "attempt", attempt, "error", err)
		if err := d.sleep(ctx, d.retry.delay(attempt)); err != nil {
			break
		}
	}
	res.Status, res.Err = StatusFailed, lastErr
	return res
}

func (d *Dispatcher) record(to string, res Result) {
	d.metrics.ObserveSend(res.Kind, string(res.Status))
	switch res.Status {
	case StatusFailed:
		d.logger.Error("Send failed", "to", to, "kind", res.Kind, "attempts", res.Attempts, "error", res.Err)
	case StatusDegraded:
		d.logger.Warn("Send degraded", "to", to, "kind", res.Kind, "message_id", res.MessageID)
	default:
		d.logger.Debug("Send ok", "to", to, "kind", res.Kind, "message_id", res.MessageID, "attempts", res.Attempts)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
