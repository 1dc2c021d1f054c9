// Package app builds the relay's component graph from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/funnel-relay/internal/assets"
	"github.com/ashureev/funnel-relay/internal/classifier"
	"github.com/ashureev/funnel-relay/internal/config"
	"github.com/ashureev/funnel-relay/internal/content"
	"github.com/ashureev/funnel-relay/internal/dispatch"
	"github.com/ashureev/funnel-relay/internal/funnel"
	"github.com/ashureev/funnel-relay/internal/lock"
	"github.com/ashureev/funnel-relay/internal/mediacache"
	"github.com/ashureev/funnel-relay/internal/metrics"
	"github.com/ashureev/funnel-relay/internal/openai"
	"github.com/ashureev/funnel-relay/internal/orchestrator"
	"github.com/ashureev/funnel-relay/internal/store"
	"github.com/ashureev/funnel-relay/internal/whatsapp"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// App holds the constructed components. Close releases them.
type App struct {
	Config       *config.Config
	Repo         *store.SQLiteStore
	Definition   *funnel.Definition
	Graph        *funnel.Graph
	Metrics      *metrics.Collector
	WhatsApp     *whatsapp.Client
	Storage      assets.Storage
	LocalAssets  *assets.LocalStorage
	Cache        *mediacache.Cache
	Uploader     *mediacache.Uploader
	Refresher    *mediacache.Refresher
	Dispatcher   *dispatch.Dispatcher
	Orchestrator *orchestrator.Orchestrator

	redis *redis.Client
}

// New builds every component, seeds the funnel definition into storage and
// validates the resulting graph.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Metrics: metrics.New()}

	def, err := funnel.LoadDefinition(cfg.FunnelPath)
	if err != nil {
		return nil, err
	}
	a.Definition = def

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.Repo = repo
	if err := repo.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("database health check failed: %w", err)
	}

	if err := funnel.Seed(ctx, repo, def); err != nil {
		a.Close()
		return nil, err
	}
	a.Graph = funnel.NewGraph(repo, def, logger)
	if err := a.Graph.Validate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("funnel graph invalid: %w", err)
	}

	a.WhatsApp, err = whatsapp.NewClient(whatsapp.Config{
		BaseURL:       cfg.WhatsApp.BaseURL,
		APIVersion:    cfg.WhatsApp.APIVersion,
		PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
		Token:         cfg.WhatsApp.Token,
		Timeout:       cfg.WhatsApp.Timeout,
		RatePerSecond: cfg.WhatsApp.RatePerSecond,
		Burst:         cfg.WhatsApp.Burst,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	if err := a.buildStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Cache = mediacache.New(repo, mediacache.NewKeyTable(def.MediaAliases))
	a.Uploader = mediacache.NewUploader(a.Storage, a.WhatsApp, a.Cache, logger).WithMetrics(a.Metrics)
	a.Refresher = mediacache.NewRefresher(a.Cache, a.Uploader, cfg.Media.MaxAge, cfg.Media.RefreshConcurrency, logger)

	var links dispatch.LinkSigner
	if cfg.LinkFallbackEnabled() {
		links = a.Storage
	}
	a.Dispatcher = dispatch.New(a.WhatsApp, a.Cache, links, dispatch.Options{
		Retry:   dispatch.RetryPolicy{MaxAttempts: cfg.Dispatch.MaxAttempts, Backoff: cfg.Dispatch.Backoff},
		Pacer:   dispatch.FixedPacer{Delay: cfg.Dispatch.Pacing},
		LinkTTL: cfg.Dispatch.LinkTTL,
		Metrics: a.Metrics,
		Logger:  logger,
	})

	ai, err := a.buildOpenAI()
	if err != nil {
		a.Close()
		return nil, err
	}

	locker, err := a.buildLocker(ctx, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Store:      repo,
		Locker:     locker,
		Resolver:   buildResolver(a.WhatsApp, ai, cfg, logger),
		Classifier: buildClassifier(def, ai, cfg, logger),
		Graph:      a.Graph,
		Dispatcher: a.Dispatcher,
		Metrics:    a.Metrics,
		Logger:     logger,
	})

	return a, nil
}

func (a *App) buildStorage(ctx context.Context) error {
	cfg := a.Config.Assets
	if cfg.Driver == "s3" {
		s3, err := assets.NewS3Storage(ctx, assets.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Prefix:          cfg.S3Prefix,
		})
		if err != nil {
			return err
		}
		a.Storage = s3
		return nil
	}

	secret := cfg.SigningSecret
	if secret == "" {
		// Links are not published without a public URL; uploads still read the directory.
		secret = uuid.NewString()
	}
	local, err := assets.NewLocalStorage(cfg.Dir, cfg.PublicBaseURL, secret)
	if err != nil {
		return err
	}
	a.Storage, a.LocalAssets = local, local
	return nil
}

func (a *App) buildOpenAI() (*openai.Client, error) {
	cfg := a.Config.OpenAI
	if cfg.APIKey == "" {
		return nil, nil
	}
	return openai.NewClient(cfg.APIKey,
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithChatModel(cfg.ChatModel),
		openai.WithTranscriptionModel(cfg.TranscriptionModel),
	)
}

func (a *App) buildLocker(ctx context.Context, logger *slog.Logger) (lock.Locker, error) {
	cfg := a.Config.Redis
	if cfg.Addr == "" {
		return lock.NewKeyedMutex(), nil
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	logger.Info("Using Redis contact lock", "addr", cfg.Addr)
	return lock.NewRedisLocker(a.redis, lock.WithTTL(cfg.LockTTL)), nil
}

func buildResolver(fetcher content.MediaFetcher, ai *openai.Client, cfg *config.Config, logger *slog.Logger) *content.Resolver {
	opts := []content.Option{content.WithTimeout(cfg.WhatsApp.Timeout)}
	if ai != nil {
		opts = append(opts, content.WithTranscriber(ai))
		if cfg.OpenAI.DescribeImages {
			opts = append(opts, content.WithDescriber(ai))
		}
	}
	return content.NewResolver(fetcher, logger, opts...)
}

func buildClassifier(def *funnel.Definition, ai *openai.Client, cfg *config.Config, logger *slog.Logger) classifier.Classifier {
	rules := classifier.Rules{
		Handoff:   def.Intents.Handoff,
		FAQ:       def.Intents.FAQ,
		Greetings: def.Intents.Greetings,
	}.Merge(classifier.DefaultRules())
	keywords := classifier.NewKeywordClassifier(rules)

	if cfg.OpenAI.ClassifierMode == "model" && ai != nil {
		return classifier.NewModelClassifier(ai, keywords, cfg.OpenAI.ClassifierTimeout, logger)
	}
	return keywords
}

// Close releases the database and Redis connections.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Repo != nil {
		errs = append(errs, a.Repo.Close())
	}
	return errors.Join(errs...)
}
