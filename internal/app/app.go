// Package app owns the daemon lifecycle: it builds every component from
// config, starts them under one supervisor and stops them in reverse
// order on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"botherd/internal/config"
	"botherd/internal/eventbus"
	"botherd/internal/health"
	"botherd/internal/httpapi"
	"botherd/internal/metrics"
	"botherd/internal/notify"
	"botherd/internal/queue"
	"botherd/internal/ratelimit"
	"botherd/internal/runtime/supervisor"
	"botherd/internal/schedule"
	"botherd/internal/state"
	"botherd/internal/transport/telegram"
	"botherd/internal/worker"
	"botherd/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store        *state.Store
	limiter      *ratelimit.Limiter
	queue        *queue.Queue
	notif        *notify.Service
	notifEnabled bool
	collector    *metrics.Collector
	workers      *worker.Manager
	scheduler    *schedule.Service
	monitor      *health.Monitor

	httpCfg httpConfig
	httpSrv *http.Server

	drainTimeout time.Duration

	sup *supervisor.Supervisor
}

// NewApp loads config and constructs the component graph. The runner is
// the external bot-execution collaborator; everything else is internal.
func NewApp(cfgPath string, runner worker.Runner) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("component", "app"))
	cfgm.SetLogger(log.With(logx.String("component", "config")))

	bus := eventbus.New()

	stCfg, err := mapStateConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := state.Open(stCfg, log.With(logx.String("component", "state")))
	if err != nil {
		return nil, err
	}

	rlCfg, err := mapRateLimitConfig(cfg)
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(store, log.With(logx.String("component", "ratelimit")), rlCfg)

	q := queue.New(store, bus, log.With(logx.String("component", "queue")), mapQueueOptions(cfg))

	notifCfg, notifEnabled, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	adapter, err := buildAdapter(cfg, log)
	if err != nil {
		return nil, err
	}
	notif := notify.New(adapter, log, notifCfg)

	collector := metrics.New(bus, log, metrics.Config{})

	wCfg, err := mapWorkerConfig(cfg)
	if err != nil {
		return nil, err
	}
	workers := worker.New(store, q, limiter, bus, notif, runner,
		log.With(logx.String("component", "worker")), wCfg)

	schedCfg, err := mapScheduleConfig(cfg)
	if err != nil {
		return nil, err
	}
	scheduler := schedule.New(store, q, log.With(logx.String("component", "scheduler")), schedCfg)

	hCfg, err := mapHealthConfig(cfg)
	if err != nil {
		return nil, err
	}
	monitor := health.New(store, q, bus, notif, log.With(logx.String("component", "health")), hCfg)

	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}

	drain, err := mapDrainTimeout(cfg)
	if err != nil {
		return nil, err
	}

	cfgm.SetValidator(func(_ context.Context, next *config.Config) error {
		if err := config.Validate(next); err != nil {
			return err
		}
		sc, err := mapScheduleConfig(next)
		if err != nil {
			return err
		}
		return schedule.ValidateDecls(sc.Schedules, sc.Location)
	})

	return &App{
		cfgPath:      cfgPath,
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		limiter:      limiter,
		queue:        q,
		notif:        notif,
		notifEnabled: notifEnabled,
		collector:    collector,
		workers:      workers,
		scheduler:    scheduler,
		monitor:      monitor,
		httpCfg:      httpCfg,
		drainTimeout: drain,
	}, nil
}

func buildAdapter(cfg *config.Config, log logx.Logger) (notify.Adapter, error) {
	if cfg.Notifier != nil && cfg.Notifier.Telegram != nil {
		tg := cfg.Notifier.Telegram
		return telegram.New(telegram.Config{
			Token:    tg.Token,
			ChatID:   tg.ChatID,
			ThreadID: tg.ThreadID,
		}, log.With(logx.String("component", "telegram")))
	}
	return notify.LogAdapter{Log: log}, nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)
	runCtx := a.sup.Context()

	if a.notifEnabled {
		a.notif.Start(runCtx)
	}

	if err := a.scheduler.Reconcile(runCtx); err != nil {
		return fmt.Errorf("reconcile schedules: %w", err)
	}

	a.sup.Go("metrics.consume", a.collector.Run)
	a.sup.Go("queue.gauge", a.runQueueGauge)

	for i := 0; i < a.workers.Count(); i++ {
		id := fmt.Sprintf("worker-%d", i)
		a.sup.GoRestart("worker."+id, a.workers.RunLoop(id))
	}

	a.sup.GoRestart("scheduler", a.scheduler.Run)

	a.startWatchdog(runCtx)
	a.sup.GoRestart("health", a.monitor.Run)

	if a.httpCfg.enabled {
		a.startHTTP()
	}

	a.startConfigReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	notifyReady()
	a.log.Info("started")
	return nil
}

func (a *App) startHTTP() {
	api := httpapi.NewServer(a.queue, a.scheduler, a.monitor, a.limiter, a.collector, a.log)
	a.httpSrv = &http.Server{
		Addr:         a.httpCfg.addr,
		Handler:      api.Handler(),
		ReadTimeout:  a.httpCfg.readTimeout,
		WriteTimeout: a.httpCfg.writeTimeout,
		IdleTimeout:  a.httpCfg.idleTimeout,
	}
	srv := a.httpSrv
	a.sup.Go("http.serve", func(c context.Context) error {
		a.log.Info("http listening", logx.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	a.sup.Go0("http.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	})
}

// runQueueGauge keeps the pending-jobs gauge current.
func (a *App) runQueueGauge(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			counts, err := a.store.CountJobsByState(ctx)
			if err != nil {
				continue
			}
			a.collector.SetQueueDepth(counts[state.JobPending])
		}
	}
}

// startConfigReload applies validated config changes to the components
// that support live updates. Storage, worker count and the HTTP server
// need a restart; the reload loop says so instead of guessing.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts, keep only the newest.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, next)
			}
		}
	})
}

func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if rlCfg, err := mapRateLimitConfig(cfg); err != nil {
		a.log.Warn("invalid rate_limits config, keeping previous", logx.Err(err))
	} else {
		a.limiter.Apply(rlCfg)
	}

	if schedCfg, err := mapScheduleConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config, keeping previous", logx.Err(err))
	} else if err := a.scheduler.Apply(ctx, schedCfg); err != nil {
		a.log.Warn("schedule reconcile failed", logx.Err(err))
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	notifyStopping()
	a.log.Info("stopping")

	// Cancel the run context so every loop starts unwinding, then give
	// in-flight jobs the drain window to persist their final state.
	a.sup.Cancel()

	a.step(ctx, "supervisor", a.drainTimeout, a.sup.Wait)
	a.step(ctx, "notifier", 5*time.Second, func(c context.Context) error {
		a.notif.Stop(c)
		return nil
	})
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error {
		return a.store.Close()
	})

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// step runs one shutdown action with an upper bound so a single component
// cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx := ctx
	var cancel context.CancelFunc
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < max {
			max = rem
		}
	}
	if max > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("step", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("step", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached",
			logx.String("step", name), logx.Duration("elapsed", time.Since(start)))
	}
}
