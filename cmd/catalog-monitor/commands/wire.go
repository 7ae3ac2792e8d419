package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/maltedev/catalog-monitor/internal/browser"
	"github.com/maltedev/catalog-monitor/internal/config"
	"github.com/maltedev/catalog-monitor/internal/database"
	"github.com/maltedev/catalog-monitor/internal/events"
	"github.com/maltedev/catalog-monitor/internal/fetcher"
	"github.com/maltedev/catalog-monitor/internal/parser"
	"github.com/maltedev/catalog-monitor/internal/pipeline"
	"github.com/maltedev/catalog-monitor/internal/ratelimit"
	"github.com/maltedev/catalog-monitor/internal/storage"
	"github.com/maltedev/catalog-monitor/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// app holds everything built from the configuration.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *database.DB
	publisher *events.Publisher
	pipeline  *pipeline.Pipeline
	openStore pipeline.StoreOpener
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(log)

	return cfg, log, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: log}

	if cfg.Database.URL != "" {
		a.db, err = database.New(ctx, database.Config{
			URL:         cfg.Database.URL,
			MaxConns:    int32(cfg.Database.MaxConns),
			MaxConnLife: cfg.Database.MaxConnLife,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := a.db.Migrate(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn("redis unavailable, new product events disabled", "addr", cfg.Redis.Addr, "error", err)
			client.Close()
		} else {
			a.publisher = events.NewPublisher(client, cfg.Redis.Stream, log)
		}
	}

	a.openStore = a.storeOpener()

	deps := pipeline.Deps{
		OpenFetcher: a.fetcherOpener(),
		Parser: parser.NewListingParser(parser.Selectors{
			Card:  cfg.Site.Selectors.Card,
			Name:  cfg.Site.Selectors.Name,
			Image: cfg.Site.Selectors.Image,
			Price: cfg.Site.Selectors.Price,
		}, cfg.Site.ChallengeMarkers),
		OpenStore: a.openStore,
		Limiter:   ratelimit.NewJitterLimiter(cfg.RateLimit.Min, cfg.RateLimit.Max),
		Logger:    log,
	}
	if a.publisher != nil {
		deps.Notifier = a.publisher
	}
	if a.db != nil {
		deps.Recorder = pipeline.NewDBRecorder(a.db)
	}

	a.pipeline, err = pipeline.New(deps, pipeline.Settings{
		BaseURL:   cfg.Site.BaseURL,
		MaxPages:  cfg.Site.MaxPages,
		PageParam: cfg.Site.PageParam,
		FolderID:  cfg.Store.FolderID,
		OutputDir: cfg.OutputDir,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

func (a *app) fetcherOpener() fetcher.OpenFunc {
	cfg := a.cfg

	if cfg.Fetcher.Backend == "http" {
		return func(ctx context.Context) (fetcher.Fetcher, error) {
			f, err := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
				UserAgent:  cfg.Fetcher.UserAgent,
				Timeout:    cfg.Fetcher.Timeout,
				MaxRetries: cfg.Fetcher.MaxRetries,
				Markers:    cfg.Site.ChallengeMarkers,
			}, a.logger)
			if err != nil {
				return nil, err
			}
			return f, nil
		}
	}

	opts := browser.DefaultOptions()
	opts.Headless = cfg.Browser.Headless
	opts.Timeout = cfg.Fetcher.Timeout
	opts.UserAgent = cfg.Fetcher.UserAgent
	opts.ViewportWidth = cfg.Browser.ViewportWidth
	opts.ViewportHeight = cfg.Browser.ViewportHeight
	opts.AcceptLanguage = cfg.Browser.AcceptLanguage
	opts.TimezoneID = cfg.Browser.TimezoneID
	opts.Locale = cfg.Browser.Locale
	opts.ProxyServer = cfg.Browser.ProxyServer
	opts.MaxRetries = cfg.Fetcher.MaxRetries
	opts.ChallengeGrace = cfg.Browser.ChallengeGrace
	opts.WaitSelector = cfg.Site.Selectors.Card
	opts.Logger = a.logger
	if len(cfg.Site.ChallengeMarkers) > 0 {
		opts.Markers = cfg.Site.ChallengeMarkers
	}

	return browser.Open(opts)
}

// storeOpener resolves the configured store once and reuses it. A failed
// attempt is retried on the next call.
func (a *app) storeOpener() pipeline.StoreOpener {
	cfg := a.cfg

	var (
		mu    sync.Mutex
		store storage.BlobStore
	)

	open := func(ctx context.Context) (storage.BlobStore, error) {
		switch cfg.Store.Backend {
		case "local":
			ls, err := storage.NewLocalStore(cfg.Store.LocalRoot)
			if err != nil {
				return nil, err
			}
			return ls, nil
		case "postgres":
			if a.db == nil {
				return nil, &storage.StoreError{Op: "open", Err: fmt.Errorf("postgres store needs DATABASE_URL")}
			}
			return storage.NewPostgresStore(a.db), nil
		case "drive":
			ds, err := storage.NewDriveStore(ctx, storage.DriveOptions{
				CredentialsFile: cfg.Store.CredentialsFile,
				TokenFile:       cfg.Store.TokenFile,
			})
			if err != nil {
				return nil, err
			}
			return ds, nil
		default:
			return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
		}
	}

	if cfg.Store.Backend == "none" {
		return nil
	}

	return func(ctx context.Context) (storage.BlobStore, error) {
		mu.Lock()
		defer mu.Unlock()

		if store != nil {
			return store, nil
		}
		s, err := open(ctx)
		if err != nil {
			return nil, err
		}
		store = s
		return store, nil
	}
}

func (a *app) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("failed to close redis client", "error", err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
