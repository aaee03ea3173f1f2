// Package app wires the components together and owns the process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"scrapius/internal/command"
	"scrapius/internal/config"
	"scrapius/internal/dispatch"
	"scrapius/internal/eventbus"
	"scrapius/internal/filter"
	"scrapius/internal/runtime/supervisor"
	"scrapius/internal/scheduler"
	"scrapius/internal/scrape"
	"scrapius/internal/session"
	"scrapius/internal/store"
	"scrapius/internal/transport"
	"scrapius/internal/transport/telegram"
	"scrapius/pkg/logx"
)

const (
	defaultDBPath     = "./scrapius.db"
	defaultCookiePath = "./cookies.json"
)

type App struct {
	log    logx.Logger
	logSvc *logx.Service

	cfgMgr  *config.Manager
	st      store.Store
	browser *scrape.Browser
	sess    *session.Manager
	engine  *filter.Engine
	disp    *dispatch.Dispatcher
	sched   *scheduler.Scheduler
	digest  *scheduler.Digest
	adapter *telegram.Adapter
	proc    *command.Processor
	bus     eventbus.Bus

	sup   *supervisor.Supervisor
	cfgCh chan *config.Config
}

// New loads the config and constructs every component. Secrets come from the
// environment: TELEGRAM_BOT_TOKEN, OPENAI_API_KEY, SCRAPIUS_LOGIN_EMAIL,
// SCRAPIUS_LOGIN_PASSWORD.
func New(configPath string) (*App, error) {
	cfgMgr := config.NewManager(configPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgMgr.SetLogger(log.With(logx.String("comp", "config")))

	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		token = cfg.Telegram.Token
	}
	pollTimeout, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	adapter, err := telegram.New(telegram.Config{
		Token:       token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	dbPath := cfg.Storage.Path
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	busyTimeout, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	st, err := store.Open(store.Config{Path: dbPath, BusyTimeout: busyTimeout},
		log.With(logx.String("comp", "store")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	browser := scrape.NewBrowser(scrape.BrowserConfig{
		Headless: os.Getenv("SCRAPIUS_HEADFUL") == "",
	}, log.With(logx.String("comp", "browser")))

	cookiePath := cfg.Storage.CookieJarPath
	if cookiePath == "" {
		cookiePath = defaultCookiePath
	}
	sess := session.NewManager(session.Options{
		Browser: browser,
		Jar:     session.NewJar(cookiePath),
		Credentials: session.Credentials{
			Email:    os.Getenv("SCRAPIUS_LOGIN_EMAIL"),
			Password: os.Getenv("SCRAPIUS_LOGIN_PASSWORD"),
		},
		Log: log.With(logx.String("comp", "session")),
	})

	engine := filter.New(filter.Options{
		APIKey: os.Getenv("OPENAI_API_KEY"),
		Log:    log.With(logx.String("comp", "filter")),
	})

	disp := dispatch.New(dispatch.Config{}, adapter, st,
		log.With(logx.String("comp", "dispatch")))

	bus := eventbus.New()
	sched := scheduler.New(scheduler.Options{
		Snapshot:   cfgMgr.Get,
		Session:    sess,
		Scraper:    browser,
		Classifier: engine,
		Ledger:     st,
		Dispatcher: disp,
		Bus:        bus,
		Log:        log.With(logx.String("comp", "scheduler")),
	})
	digest := scheduler.NewDigest(cfgMgr.Get, st, disp,
		log.With(logx.String("comp", "digest")))

	proc := command.New(cfgMgr, sess, sched, digest, adapter,
		log.With(logx.String("comp", "command")))

	return &App{
		log:     log,
		logSvc:  logSvc,
		cfgMgr:  cfgMgr,
		st:      st,
		browser: browser,
		sess:    sess,
		engine:  engine,
		disp:    disp,
		sched:   sched,
		digest:  digest,
		adapter: adapter,
		proc:    proc,
		bus:     bus,
	}, nil
}

// Start launches the transport, the scheduler loop, the command loop, the
// config watcher, and the digest cron.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	updates := make(chan transport.Update, 64)
	if err := a.adapter.Start(a.sup.Context(), updates); err != nil {
		return fmt.Errorf("start telegram: %w", err)
	}

	a.sup.Go("scheduler", a.sched.Run)
	a.sup.Go("commands", func(ctx context.Context) error {
		return a.proc.Run(ctx, updates)
	})
	a.sup.Go("config.watch", a.cfgMgr.Watch)

	if err := a.digest.Start(); err != nil {
		a.log.Warn("digest not scheduled", logx.Err(err))
	}

	a.cfgCh = a.cfgMgr.Subscribe(4)
	cfgCh := a.cfgCh
	a.sup.Go0("config.apply", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-cfgCh:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})

	a.log.Info("started")
	return nil
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err := a.digest.Apply(cfg); err != nil {
		a.log.Warn("digest reschedule failed", logx.Err(err))
	}
}

// Wait blocks until a fatal error or ctx cancellation.
func (a *App) Wait(ctx context.Context) error {
	err := a.sup.Wait(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop shuts everything down with per-step bounds.
func (a *App) Stop() {
	a.log.Info("stopping")
	if a.sup != nil {
		a.sup.Cancel()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.adapter.Stop(stopCtx); err != nil {
		a.log.Warn("telegram stop failed", logx.Err(err))
	}
	a.digest.Stop()

	if a.sup != nil {
		if err := a.sup.Wait(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("shutdown incomplete", logx.Err(err))
		}
	}
	if a.cfgCh != nil {
		a.cfgMgr.Unsubscribe(a.cfgCh)
		a.cfgCh = nil
	}

	if err := a.browser.Close(); err != nil {
		a.log.Warn("browser close failed", logx.Err(err))
	}
	if err := a.st.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	_ = a.logSvc.Close()
}
