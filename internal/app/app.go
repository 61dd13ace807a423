package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"kleinsniper/internal/alerting"
	"kleinsniper/internal/api"
	"kleinsniper/internal/commands"
	"kleinsniper/internal/config"
	"kleinsniper/internal/fetcher"
	"kleinsniper/internal/lock"
	"kleinsniper/internal/scheduler"
	"kleinsniper/internal/service"
	"kleinsniper/internal/storage"
	"kleinsniper/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), out: os.Stdout}
}

func (a *App) openStore(ctx context.Context) (storage.Store, error) {
	store, err := storage.Open(ctx, a.Config.Database, storage.Options{
		PruneAfterMisses: a.Config.Detection.PruneAfterMisses,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", a.Config.Database.Driver, err)
	}
	return store, nil
}

func (a *App) newSource() (*fetcher.Source, error) {
	fc := a.Config.Fetch
	pages := fetcher.NewCollyFetcher(fetcher.CollyOptions{
		UserAgent: fc.UserAgent,
		Timeout:   fc.RequestTimeout,
		Retry: fetcher.RetryPolicy{
			MaxAttempts:    fc.Retry.MaxAttempts,
			InitialBackoff: fc.Retry.InitialBackoff,
			MaxBackoff:     fc.Retry.MaxBackoff,
		},
	}, a.Logger)
	return fetcher.NewSource(pages, fetcher.SourceOptions{BaseURL: fc.BaseURL, MaxPages: fc.MaxPages}, a.Logger)
}

// newTelegram returns nil when Telegram delivery is disabled.
func (a *App) newTelegram() *alerting.TelegramNotifier {
	if !a.Config.Telegram.Enabled {
		return nil
	}
	tc := a.Config.Telegram
	return alerting.NewTelegramNotifier(a.Config.TelegramBotToken, a.Config.TelegramChatID, tc.APIBase, tc.RequestTimeout, a.Logger)
}

func (a *App) newNotifier(tg *alerting.TelegramNotifier) alerting.Notifier {
	if tg != nil {
		return tg
	}
	a.Logger.Warn().Msg("telegram disabled; deals are only logged")
	return alerting.NewLogNotifier(a.Logger)
}

// newDistributedLock returns the cross-process cycle lock and its closer.
func (a *App) newDistributedLock(ctx context.Context, store storage.Store) (lock.Distributed, func(), error) {
	switch a.Config.Scheduler.DistributedLock {
	case "", "none":
		return lock.Noop{}, func() {}, nil
	case "redis":
		client, err := lock.ConnectRedis(ctx, a.Config.Redis.URL)
		if err != nil {
			return nil, nil, err
		}
		return lock.NewRedis(client, a.Config.Scheduler.LockTTL), func() { _ = client.Close() }, nil
	case "postgres":
		locker, ok := store.(lock.AdvisoryLocker)
		if !ok {
			return nil, nil, errors.New("postgres advisory lock requires the postgres driver")
		}
		adv, err := lock.NewAdvisory(locker)
		if err != nil {
			return nil, nil, err
		}
		return adv, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported distributed lock %q", a.Config.Scheduler.DistributedLock)
	}
}

func (a *App) newService(source fetcher.ListingSource, store storage.Store, notifier alerting.Notifier, distributed lock.Distributed) (*service.Service, error) {
	return service.New(service.Options{
		Models:     a.Config.Models,
		MinSamples: a.Config.Detection.MinSamples,
	}, source, store, notifier, distributed, a.Logger)
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	startedAt := time.Now()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	source, err := a.newSource()
	if err != nil {
		return err
	}
	distributed, closeLock, err := a.newDistributedLock(ctx, store)
	if err != nil {
		return err
	}
	defer closeLock()

	tg := a.newTelegram()
	svc, err := a.newService(source, store, a.newNotifier(tg), distributed)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.CheckInterval(),
		AlignToStart: a.Config.Scheduler.AlignToInterval,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   true,
	}, a.Logger)

	core := commands.NewCore(store, svc, sched, commands.Options{
		Models:    a.Config.Models,
		Interval:  a.Config.CheckInterval(),
		StartedAt: startedAt,
	})
	handler := commands.NewHandler(core, a.Logger)

	a.Logger.Info().
		Str("version", version.Version).
		Int("models", len(a.Config.Models)).
		Dur("interval", a.Config.CheckInterval()).
		Str("driver", a.Config.Database.Driver).
		Msg("starting monitoring service")

	if tg != nil {
		a.announce(ctx, tg)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx, sched)
	})
	if tg != nil && a.Config.Telegram.PollCommands {
		poller := alerting.NewPoller(tg, handler, alerting.PollerOptions{Timeout: a.Config.Telegram.PollTimeout}, a.Logger)
		g.Go(func() error {
			return poller.Run(gctx)
		})
	}
	if a.Config.API.Enabled {
		server := api.NewServer(core, a.Logger)
		g.Go(func() error {
			return server.Serve(gctx, a.Config.API.Listen)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// announce registers the command menu and greets the operator chat. Failures are logged only.
func (a *App) announce(ctx context.Context, tg *alerting.TelegramNotifier) {
	if a.Config.Telegram.PollCommands {
		if err := tg.SetMyCommands(ctx, commands.Menu); err != nil {
			a.Logger.Warn().Err(err).Msg("register bot commands failed")
		}
	}
	if msg := a.Config.Telegram.StartupMessage; msg != "" {
		if err := tg.SendText(ctx, msg); err != nil {
			a.Logger.Warn().Err(err).Msg("startup message failed")
		}
	}
}

// ExportOptions hold parameters for exporting offer history.
type ExportOptions struct {
	Model     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Model  string
	Pruned bool
	Limit  int
}

// SimulateOptions describe a synthetic deal.
type SimulateOptions struct {
	Model string
	Price int64
	Mean  float64
	Title string
}
