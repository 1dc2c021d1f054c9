package mediacache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/ashureev/funnel-relay/internal/assets"
	"github.com/ashureev/funnel-relay/internal/domain"
	"github.com/ashureev/funnel-relay/internal/metrics"
)

// MaxUploadBytes is the provider's media size limit.
const MaxUploadBytes = 16 << 20

// ErrTooLarge is returned for assets above MaxUploadBytes.
var ErrTooLarge = errors.New("asset exceeds 16 MiB upload limit")

// MediaUploader uploads raw bytes to the messaging provider.
type MediaUploader interface {
	UploadMedia(ctx context.Context, filename, mimeType string, data []byte) (string, error)
}

// Uploader moves raw assets from storage to the provider and records the handle.
type Uploader struct {
	storage  assets.Storage
	provider MediaUploader
	cache    *Cache
	metrics  *metrics.Collector
	logger   *slog.Logger
}

// NewUploader creates an Uploader.
func NewUploader(storage assets.Storage, provider MediaUploader, cache *Cache, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		storage:  storage,
		provider: provider,
		cache:    cache,
		logger:   logger.With("component", "media_uploader"),
	}
}

// WithMetrics records upload outcomes on m.
func (u *Uploader) WithMetrics(m *metrics.Collector) *Uploader {
	u.metrics = m
	return u
}

// Upload reads storagePath, uploads it and upserts the handle under key.
// An empty key is derived from storagePath.
func (u *Uploader) Upload(ctx context.Context, key, storagePath string) (*domain.AudioAsset, error) {
	asset, err := u.upload(ctx, key, storagePath)
	if err != nil {
		u.metrics.ObserveUpload("error")
		return nil, err
	}
	u.metrics.ObserveUpload("ok")
	return asset, nil
}

func (u *Uploader) upload(ctx context.Context, key, storagePath string) (*domain.AudioAsset, error) {
	if strings.TrimSpace(storagePath) == "" {
		return nil, fmt.Errorf("%w: storage path is required", domain.ErrValidation)
	}
	if key == "" {
		key = storagePath
	}

	rc, size, err := u.storage.Open(ctx, storagePath)
	if err != nil {
		return nil, fmt.Errorf("open asset: %w", err)
	}
	defer func() { _ = rc.Close() }()

	if size > MaxUploadBytes {
		return nil, fmt.Errorf("asset %s (%d bytes): %w", storagePath, size, ErrTooLarge)
	}
	data, err := io.ReadAll(io.LimitReader(rc, MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read asset %s: %w", storagePath, err)
	}
	if len(data) > MaxUploadBytes {
		return nil, fmt.Errorf("asset %s: %w", storagePath, ErrTooLarge)
	}

	mimeType := DetectMimeType(storagePath, data)
	handle, err := u.provider.UploadMedia(ctx, path.Base(storagePath), mimeType, data)
	if err != nil {
		return nil, fmt.Errorf("upload asset %s: %w", storagePath, err)
	}

	asset, err := u.cache.Upsert(ctx, key, handle, mimeType, int64(len(data)), storagePath)
	if err != nil {
		return nil, err
	}

	u.logger.Info("Media uploaded",
		"audio_key", asset.AudioKey,
		"media_id", handle,
		"mime_type", mimeType,
		"size_bytes", asset.SizeBytes)
	return asset, nil
}

var extensionTypes = map[string]string{
	".ogg":  "audio/ogg",
	".opus": "audio/ogg",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".amr":  "audio/amr",
	".mp4":  "video/mp4",
	".3gp":  "video/3gpp",
}

// DetectMimeType picks the upload mime type from the file extension, then
// content sniffing. Ogg containers are always sent as audio/ogg.
func DetectMimeType(name string, data []byte) string {
	ext := strings.ToLower(path.Ext(name))
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return NormalizeMimeType(t)
	}
	return NormalizeMimeType(http.DetectContentType(data))
}

// NormalizeMimeType drops parameters and maps application/ogg to audio/ogg.
func NormalizeMimeType(t string) string {
	base, _, err := mime.ParseMediaType(t)
	if err != nil {
		base = strings.ToLower(strings.TrimSpace(t))
	}
	if base == "application/ogg" {
		return "audio/ogg"
	}
	return base
}
