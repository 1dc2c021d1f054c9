package mediacache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/funnel-relay/internal/domain"
	"github.com/ashureev/funnel-relay/internal/store"
)

// Cache resolves logical keys against the asset table.
type Cache struct {
	assets store.AssetStore
	keys   *KeyTable
	now    func() time.Time
}

// New creates a Cache. A nil key table uses DefaultAliases only.
func New(assets store.AssetStore, keys *KeyTable) *Cache {
	if keys == nil {
		keys = defaultTable
	}
	return &Cache{assets: assets, keys: keys, now: time.Now}
}

// Key returns the canonical logical key for an asset reference.
func (c *Cache) Key(ref string) string {
	return c.keys.Normalize(ref)
}

// Resolve returns the cached asset for ref. A miss is domain.ErrNotFound.
func (c *Cache) Resolve(ctx context.Context, ref string) (*domain.AudioAsset, error) {
	key := c.Key(ref)
	if key == "" {
		return nil, fmt.Errorf("media key for %q: %w", ref, domain.ErrNotFound)
	}
	asset, err := c.assets.GetAudioAsset(ctx, key)
	if err != nil {
		return nil, err
	}
	if asset == nil || asset.MediaHandle == "" {
		return nil, fmt.Errorf("media key %s: %w", key, domain.ErrNotFound)
	}
	return asset, nil
}

// Upsert records the provider handle for ref. Repeated calls update the
// single row for the key; the last writer wins.
func (c *Cache) Upsert(ctx context.Context, ref, handle, mimeType string, size int64, sourcePath string) (*domain.AudioAsset, error) {
	key := c.Key(ref)
	if key == "" {
		return nil, fmt.Errorf("%w: media key is empty", domain.ErrValidation)
	}
	if handle == "" {
		return nil, errors.New("media handle must not be empty")
	}

	now := c.now()
	asset := &domain.AudioAsset{
		AudioKey:    key,
		MediaHandle: handle,
		MimeType:    mimeType,
		SizeBytes:   size,
		SourcePath:  sourcePath,
		UploadedAt:  now,
		UpdatedAt:   now,
	}
	if err := c.assets.UpsertAudioAsset(ctx, asset); err != nil {
		return nil, fmt.Errorf("upsert media %s: %w", key, err)
	}
	return asset, nil
}

// List returns every cached asset.
func (c *Cache) List(ctx context.Context) ([]domain.AudioAsset, error) {
	return c.assets.ListAudioAssets(ctx)
}
