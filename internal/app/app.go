// Package app wires the ride dispatch components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/arbiter"
	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/blocklist"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/correlation"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/janitor"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/service"
	"github.com/example/ride-dispatch/internal/storage"
)

// App owns every long-lived component of the server process.
type App struct {
	cfg    config.ServerConfig
	logger *slog.Logger

	Store        storage.Store
	Lifecycle    *lifecycle.Manager
	Dispatcher   *dispatch.Dispatcher
	Janitor      *janitor.Janitor
	Availability *availability.Service
	Service      *service.Service
	Verifier     *httpapi.JWTVerifier

	pg        *storage.PostgresStore
	redisGeo  *geo.RedisGeo
	producer  *ingest.KafkaProducer
	scheduler *dispatch.TimerScheduler
	waiters   *correlation.Table[models.PaymentStatus]
	http      *http.Server

	stop context.CancelFunc
}

// New builds the component graph. ctx bounds start-up connections and the
// lifetime of scheduled dispatch rounds.
func New(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	var base storage.Store
	if cfg.Postgres.DSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		a.pg = pg
		if cfg.Postgres.RunMigrations {
			applied, err := pg.Migrate(ctx)
			if err != nil {
				return nil, err
			}
			logger.Info("migrations applied", "files", applied)
		}
		base = pg
	} else {
		logger.Warn("no postgres dsn configured, using in-memory store")
		base = storage.NewMemoryStore()
	}
	a.Store = storage.WithRetry(base, storage.RetryPolicy{
		Attempts:  cfg.Storage.RetryAttempts,
		BaseDelay: cfg.Storage.RetryBaseDelay,
		MaxDelay:  cfg.Storage.RetryMaxDelay,
	})

	var lcOpts []lifecycle.Option
	if len(cfg.Kafka.Brokers) > 0 {
		a.producer = ingest.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.RideEventsTopic)
		lcOpts = append(lcOpts, lifecycle.WithPublisher(a.producer))
	}
	a.Lifecycle = lifecycle.NewManager(a.Store, lifecycle.Policy{
		MaxAttempts:  cfg.Dispatch.MaxAttempts,
		CancelCutoff: models.RideStatus(cfg.Dispatch.CancelCutoff),
		SearchWindow: cfg.Dispatch.SearchWindow,
	}, logger, lcOpts...)

	var spatial geo.Geo
	var source matcher.DriverSource = matcher.StoreSource{Store: a.Store}
	if cfg.Redis.Addr != "" {
		a.redisGeo = geo.NewRedisGeo(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.GeoKey)
		spatial = a.redisGeo
		source = matcher.GeoSource{Geo: a.redisGeo, Store: a.Store, Limit: cfg.Matcher.Limit}
	}

	blocks := blocklist.New(a.Store, nil)
	selector := &matcher.Selector{
		Source: source,
		Blocks: blocks,
		Params: matcher.Params{
			RadiusM:         cfg.Matcher.RadiusM,
			Limit:           cfg.Matcher.Limit,
			HeartbeatMaxAge: cfg.Janitor.HeartbeatTTL,
		},
		Now: a.Lifecycle.Now,
	}

	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	a.stop = stop
	var disp *dispatch.Dispatcher
	a.scheduler = dispatch.NewTimerScheduler(runCtx, func(ctx context.Context, rideID string) {
		disp.RunScheduled(ctx, rideID)
	})
	ws := dispatch.NewWSRegistry(logger)
	disp = dispatch.New(a.Store, a.Lifecycle, selector, a.scheduler, dispatchConfig(cfg.Dispatch), logger, dispatch.WithNotifier(ws))
	a.Dispatcher = disp

	var janOpts []janitor.Option
	if spatial != nil {
		janOpts = append(janOpts, janitor.WithGeo(spatial))
	}
	a.Janitor = janitor.New(a.Store, a.Lifecycle, disp, janitor.Config{HeartbeatTTL: cfg.Janitor.HeartbeatTTL}, logger, janOpts...)
	a.Availability = availability.New(a.Store, spatial, a.Lifecycle.Now, logger)

	deps := service.Deps{
		Store:        a.Store,
		Lifecycle:    a.Lifecycle,
		Dispatcher:   disp,
		Arbiter:      arbiter.New(a.Store, a.Lifecycle, disp, logger),
		Offers:       offers.NewService(a.Store, a.Lifecycle.Now),
		Blocks:       blocks,
		Availability: a.Availability,
		Janitor:      a.Janitor,
		Currency:     cfg.Payments.Currency,
		Logger:       logger,
	}
	if cfg.Payments.Enabled() {
		auth := payments.NewStripeAuthority(cfg.Payments.StripeKey)
		a.waiters = correlation.New[models.PaymentStatus](cfg.Payments.AuthWait)
		deps.Authority = auth
		deps.Waiters = a.waiters
		deps.Payments = payments.NewHandler(a.Store, a.Lifecycle, a.waiters, logger)
		deps.WebhookSecret = cfg.Payments.WebhookSecret
		a.Lifecycle.AddHook(payments.SettlementHook(auth, logger))
	}
	a.Service = service.New(deps)

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("no jwt secret configured, http api disabled")
		ok = true
		return a, nil
	}
	a.Verifier = httpapi.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	opts := []httpapi.Option{httpapi.WithWebSocket(ws)}
	if a.pg != nil {
		opts = append(opts, httpapi.WithHealthCheck("postgres", a.pg.Ping))
	}
	if a.redisGeo != nil {
		opts = append(opts, httpapi.WithHealthCheck("redis", a.redisGeo.Ping))
	}
	a.http = &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      httpapi.NewServer(a.Service, a.Verifier, logger, opts...),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	ok = true
	return a, nil
}

func dispatchConfig(c config.DispatchConfig) dispatch.Config {
	return dispatch.Config{
		OfferTTL:       c.OfferTTL,
		SearchWindow:   c.SearchWindow,
		BaseDelay:      c.BaseDelay,
		MaxDelay:       c.MaxDelay,
		MinDelay:       c.MinDelay,
		DeclineDelay:   c.DeclineDelay,
		Jitter:         c.Jitter,
		DeclineJitter:  c.DeclineJitter,
		OffersPerRound: c.OffersPerRound,
	}
}

// Run re-arms outstanding dispatch rounds, starts the background loops and
// serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.http == nil {
		return errors.New("auth.jwt_secret is required to serve")
	}
	n, err := a.Dispatcher.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume dispatch: %w", err)
	}
	a.logger.Info("dispatch resumed", "rides", n)

	if a.cfg.Janitor.Interval > 0 {
		go a.Janitor.Run(ctx, a.cfg.Janitor.Interval)
	}
	if a.waiters != nil {
		go a.sweepWaiters(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("ride-dispatch listening", "addr", a.cfg.HTTP.Addr)
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (a *App) sweepWaiters(ctx context.Context) {
	every := a.cfg.Payments.AuthWait
	if every <= 0 {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := a.waiters.Sweep(now); n > 0 {
				a.logger.Debug("evicted payment waiters", "count", n)
			}
		}
	}
}

// Migrate applies the schema. It fails without a Postgres store.
func (a *App) Migrate(ctx context.Context) ([]string, error) {
	if a.pg == nil {
		return nil, errors.New("migrate requires postgres.dsn")
	}
	return a.pg.Migrate(ctx)
}

// Close stops timers and releases connections. It is safe on a partially built App.
func (a *App) Close() error {
	var errs []error
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.stop != nil {
		a.stop()
	}
	if a.producer != nil {
		errs = append(errs, a.producer.Close())
	}
	if a.redisGeo != nil {
		errs = append(errs, a.redisGeo.Close())
	}
	if a.pg != nil {
		errs = append(errs, a.pg.Close())
	}
	return errors.Join(errs...)
}
