// Package app wires the TripTask client runtime: config, logging, the
// session, booking and realtime layers, and the CLI commands on top.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"triptask/cmd/internal/auth/authapi"
	"triptask/cmd/internal/auth/session"
	"triptask/cmd/internal/auth/storage"
	"triptask/cmd/internal/auth/tokenstore"
	"triptask/cmd/internal/booking"
	"triptask/cmd/internal/metrics"
	"triptask/cmd/internal/realtime"
	"triptask/cmd/internal/transport"
)

// App owns one session and everything that depends on it.
type App struct {
	cfg Config
	log *slog.Logger

	Session  *session.Manager
	Bookings *booking.API
	Chat     *booking.ChatAPI
	Service  *booking.Service
	Realtime *realtime.Client

	closers []func() error
}

// New constructs a fully wired App. The persisted credential is not loaded
// until Restore.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	rtCfg, err := realtime.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	rtCfg.URL = cfg.WSURL

	a := &App{cfg: cfg, log: log}
	rec := metrics.Recorder{}

	t, err := transport.New(transport.Options{
		BaseURL:  cfg.APIBase,
		Timeout:  cfg.HTTPTimeout,
		Logger:   log.With("component", "transport"),
		Observer: rec,
	})
	if err != nil {
		return nil, err
	}

	durable, sessionKV, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}
	bridge, err := storage.NewBridge(storage.BridgeConfig{
		Durable: durable,
		Session: sessionKV,
		Window:  sessCfg.Window,
		Logger:  log.With("component", "storage"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	mgr, err := session.NewManager(session.Options{
		Config:  sessCfg,
		API:     authapi.New(t),
		Tokens:  tokenstore.New(),
		Bridge:  bridge,
		Logger:  log.With("component", "session"),
		Metrics: rec,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	rt, err := realtime.New(realtime.Options{
		Config:  rtCfg,
		Tokens:  mgr,
		Logger:  log.With("component", "realtime"),
		Metrics: rec,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	// Any end of the session, including a failed refresh, closes the socket.
	mgr.OnLogout(func(reason session.Reason) {
		log.Info("app.logout", "reason", string(reason))
		rt.Disconnect()
	})

	api := booking.NewAPI(t, mgr)
	chat := booking.NewChatAPI(t, mgr, log.With("component", "chat"))
	svc, err := booking.NewService(booking.ServiceOptions{
		API:             api,
		Chat:            chat,
		Realtime:        rt,
		Logger:          log.With("component", "booking"),
		Metrics:         rec,
		DedupByClientID: cfg.DedupMessages,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Session = mgr
	a.Bookings = api
	a.Chat = chat
	a.Service = svc
	a.Realtime = rt
	return a, nil
}

// openStores picks the durable backend (Redis when configured, a file
// otherwise) and the session-scoped file store.
func (a *App) openStores(ctx context.Context) (durable, sess storage.KV, err error) {
	if a.cfg.RedisAddr != "" {
		kv, err := storage.NewRedisKV(ctx, storage.RedisOptions{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
			Prefix:   a.cfg.RedisPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, kv.Close)
		a.log.Info("storage.durable.redis", "addr", a.cfg.RedisAddr)
		durable = kv
	} else {
		kv, err := storage.NewFileKV(a.cfg.StateDir, "credentials.json")
		if err != nil {
			return nil, nil, fmt.Errorf("durable store: %w", err)
		}
		a.log.Debug("storage.durable.file", "path", kv.Path())
		durable = kv
	}

	kv, err := storage.NewFileKV(a.cfg.SessionDir, "session.json")
	if err != nil {
		a.Close()
		return nil, nil, fmt.Errorf("session store: %w", err)
	}
	return durable, kv, nil
}

// Restore loads the persisted session and sweeps an expired one.
func (a *App) Restore(ctx context.Context) error {
	scope, err := a.Session.Restore(ctx)
	if err != nil {
		return err
	}
	a.log.Debug("app.restore", "scope", scope.String())
	return nil
}

// Close disconnects the realtime client and releases stores.
func (a *App) Close() error {
	if a.Realtime != nil {
		a.Realtime.Disconnect()
	}
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ServeMetrics exposes /metrics and /healthz on addr until ctx is done.
func (a *App) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(a.Realtime.State().String() + "\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           WithSecurityHeaders(WithRequestLogging(mux, a.log)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.log.Info("metrics.start", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.log.Error("metrics.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("metrics.shutdown.fail", "err", err)
		return err
	}
	a.log.Info("metrics.stopped")
	return nil
}
