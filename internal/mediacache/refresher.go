package mediacache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Refresher re-uploads assets whose provider handle is close to expiry.
type Refresher struct {
	cache       *Cache
	uploader    *Uploader
	maxAge      time.Duration
	concurrency int
	logger      *slog.Logger
}

// NewRefresher creates a Refresher. Assets updated more than maxAge ago are
// re-uploaded, at most concurrency at a time.
func NewRefresher(cache *Cache, uploader *Uploader, maxAge time.Duration, concurrency int, logger *slog.Logger) *Refresher {
	if concurrency <= 0 {
		concurrency = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		cache:       cache,
		uploader:    uploader,
		maxAge:      maxAge,
		concurrency: concurrency,
		logger:      logger.With("component", "media_refresher"),
	}
}

// RefreshResult summarizes one sweep.
type RefreshResult struct {
	Refreshed []string `json:"refreshed"`
	Failed    []string `json:"failed"`
	Skipped   []string `json:"skipped"`
}

// Refresh re-uploads stale assets. With force, every asset that has a
// recorded source path is re-uploaded.
func (r *Refresher) Refresh(ctx context.Context, force bool) (RefreshResult, error) {
	var result RefreshResult

	all, err := r.cache.List(ctx)
	if err != nil {
		return result, err
	}

	cutoff := r.cache.now().Add(-r.maxAge)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, asset := range all {
		if asset.SourcePath == "" {
			result.Skipped = append(result.Skipped, asset.AudioKey)
			continue
		}
		if !force && asset.UpdatedAt.After(cutoff) {
			continue
		}

		asset := asset
		g.Go(func() error {
			_, err := r.uploader.Upload(gctx, asset.AudioKey, asset.SourcePath)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Error("Media refresh failed", "audio_key", asset.AudioKey, "error", err)
				result.Failed = append(result.Failed, asset.AudioKey)
				return nil
			}
			result.Refreshed = append(result.Refreshed, asset.AudioKey)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, ctx.Err()
}

// Start runs Refresh every interval until ctx is done.
func (r *Refresher) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		r.logger.Info("Media refresher started", "interval", interval, "max_age", r.maxAge)

		for {
			select {
			case <-ticker.C:
				res, err := r.Refresh(ctx, false)
				if err != nil {
					r.logger.Error("Media refresher sweep failed", "error", err)
					continue
				}
				if len(res.Refreshed) > 0 || len(res.Failed) > 0 {
					r.logger.Info("Media refresher sweep completed",
						"refreshed", len(res.Refreshed),
						"failed", len(res.Failed))
				}
			case <-ctx.Done():
				r.logger.Info("Media refresher shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
