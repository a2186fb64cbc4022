package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"wow-token-tracker/internal/alerting"
	"wow-token-tracker/internal/auth"
	"wow-token-tracker/internal/config"
	"wow-token-tracker/internal/fetcher"
	"wow-token-tracker/internal/httpapi"
	"wow-token-tracker/internal/metrics"
	"wow-token-tracker/internal/readcache"
	"wow-token-tracker/internal/scheduler"
	"wow-token-tracker/internal/service"
	"wow-token-tracker/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn not configured")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newFetcher(store *storage.Store) fetcher.PriceFetcher {
	bz := a.Config.Blizzard

	credentials := auth.NewCredentialStore(auth.Options{
		ClientID:         bz.ClientID,
		ClientSecret:     bz.ClientSecret,
		OAuthURLTemplate: bz.OAuthURLTemplate,
		Margin:           bz.TokenMargin,
		Timeout:          bz.RequestTimeout,
	}, store, a.Logger)

	return fetcher.NewBlizzard(fetcher.BlizzardOptions{
		APIURLTemplate:    bz.APIURLTemplate,
		Locale:            bz.Locale,
		Timeout:           bz.RequestTimeout,
		RetryAttempts:     bz.RetryAttempts,
		RetryBaseDelay:    bz.RetryBaseDelay,
		RequestsPerSecond: bz.RequestsPerSecond,
	}, credentials, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// newLoader selects the snapshot cache backend. Redis keeps snapshots shared
// across replicas; the in-process cache is the default.
func (a *App) newLoader(ctx context.Context, store *storage.Store) (readcache.Loader, error) {
	if a.Config.Cache.Backend == "redis" {
		return readcache.NewRedis(ctx, readcache.RedisOptions{
			Addr:     a.Config.Cache.Redis.Addr,
			Password: a.Config.Cache.Redis.Password,
			DB:       a.Config.Cache.Redis.DB,
			TTL:      a.Config.Cache.TTL,
		}, store, a.Logger)
	}
	return readcache.NewMemory(store, a.Config.Cache.TTL), nil
}

// Run executes the long-running collection service, plus the API server when
// enabled. Either component failing stops the whole process.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	engine := metrics.NewEngine(metrics.Options{
		SpanDays:      a.Config.Metrics.EMASpanDays,
		CopperPerGold: a.Config.Metrics.CopperPerGold,
	}, a.Logger)

	group, ctx := errgroup.WithContext(ctx)

	var sink service.SampleSink
	if a.Config.HTTP.Enabled {
		loader, err := a.newLoader(ctx, store)
		if err != nil {
			return err
		}

		hub := httpapi.NewHub(a.Logger)
		group.Go(func() error {
			hub.Run(ctx)
			return nil
		})
		sink = hub

		server := httpapi.NewServer(httpapi.Options{
			ListenAddr:   a.Config.HTTP.ListenAddr,
			ReadTimeout:  a.Config.HTTP.ReadTimeout,
			WriteTimeout: a.Config.HTTP.WriteTimeout,
		}, loader, a.Config.Blizzard.Regions, hub, a.Logger)
		group.Go(func() error {
			return server.Run(ctx)
		})
	}

	svc := service.New(a.Config, sched, a.newFetcher(store), engine, store, a.newNotifier(), sink, a.Logger)

	group.Go(func() error {
		return svc.Run(ctx)
	})

	a.Logger.Info().
		Strs("regions", a.Config.Blizzard.Regions).
		Dur("interval", a.Config.Scheduler.Interval).
		Bool("http_enabled", a.Config.HTTP.Enabled).
		Msg("starting token tracking service")

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("token tracking service stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	Region    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Region string
	Limit  int
}
