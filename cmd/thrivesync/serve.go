package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thrivewellness/thrivesync/internal/connectivity"
	"github.com/thrivewellness/thrivesync/internal/httpapi"
	"github.com/thrivewellness/thrivesync/internal/offlinecache"
	"github.com/thrivewellness/thrivesync/internal/push"
)

func newServeCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon, control API and offline proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, st.cfg, st.logger)
		},
	}
	f := cmd.Flags()
	f.StringVar(&st.flags.Addr, "addr", st.flags.Addr, "control API and proxy listen address")
	f.StringVar(&st.flags.OriginURL, "origin-url", st.flags.OriginURL, "app origin fronted by the offline proxy (defaults to backend URL)")
	f.StringVar(&st.flags.HealthURL, "health-url", st.flags.HealthURL, "URL probed for connectivity (defaults to backend URL)")
	f.DurationVar(&st.flags.ProbeInterval, "probe-interval", st.flags.ProbeInterval, "connectivity probe interval")
	f.StringVar(&st.flags.CacheVersion, "cache-version", st.flags.CacheVersion, "offline cache version namespace")
	f.StringVar(&st.flags.PushURL, "push-url", st.flags.PushURL, "websocket push endpoint")
	f.StringVar(&st.flags.JWTSecret, "jwt-secret", st.flags.JWTSecret, "HS256 secret protecting the control API")
	return cmd
}

func serve(ctx context.Context, cfg Config, logger *log.Logger) error {
	actions, err := openLog(cfg, logger)
	if err != nil {
		return err
	}
	defer actions.Close()

	_, cacheDSN, err := cfg.storageDSNs()
	if err != nil {
		return err
	}
	storage, err := offlinecache.BuildStorageFromDSN(cacheDSN)
	if err != nil {
		return fmt.Errorf("cache storage: %w", err)
	}
	defer storage.Close()

	monitor := connectivity.NewMonitor(ctx, connectivity.MonitorOptions{
		Prober:   connectivity.NewHTTPProber(cfg.healthURL(), nil),
		Interval: cfg.ProbeInterval,
		Jitter:   cfg.ProbeJitter,
		Logger:   logger,
	})
	dispatcher, err := newDispatcher(cfg, actions, monitor, logger)
	if err != nil {
		return err
	}
	feed := offlinecache.NewFeed(200, logger)
	worker, err := offlinecache.NewWorker(offlinecache.WorkerOptions{
		Storage:  storage,
		Network:  offlinecache.NewHTTPNetwork(cfg.originURL(), nil),
		Notifier: feed,
		Opener:   feed,
		Version:  cfg.CacheVersion,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var subscriber *push.Subscriber
	if cfg.PushURL != "" {
		subscriber, err = push.NewSubscriber(push.SubscriberOptions{
			URL:    cfg.PushURL,
			Token:  cfg.PushToken,
			Sink:   worker,
			Jitter: cfg.ProbeJitter,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("push subscriber: %w", err)
		}
	}

	server := httpapi.NewServer(httpapi.Deps{
		Log:        actions,
		Dispatcher: dispatcher,
		Monitor:    monitor,
		Worker:     worker,
		Feed:       feed,
	}, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		PushSecret:      cfg.PushSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("listening on %s (online=%t, pending=%d)", cfg.Addr, monitor.IsOnline(), actions.Len())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return runCacheLifecycle(gctx, worker, monitor, cfg.RetryInterval, logger)
	})
	if cfg.WatchLog {
		g.Go(func() error {
			return actions.Watch(gctx, dispatcher.Kick)
		})
	}
	if subscriber != nil {
		g.Go(func() error {
			return subscriber.Run(gctx)
		})
	}

	err = g.Wait()
	logger.Printf("stopped (pending=%d)", actions.Len())
	return err
}

// runCacheLifecycle installs and activates the offline cache once the
// origin is reachable, retrying while it is not, and fires background
// sync on every reconnect after that.
func runCacheLifecycle(ctx context.Context, worker *offlinecache.Worker, monitor *connectivity.Monitor, retry time.Duration, logger *log.Logger) error {
	online := make(chan struct{}, 1)
	unsubscribe := monitor.OnChange(func(e connectivity.Event) {
		if e.Kind != connectivity.BecameOnline {
			return
		}
		select {
		case online <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	if retry <= 0 {
		retry = 15 * time.Second
	}
	ticker := time.NewTicker(retry)
	defer ticker.Stop()

	installed := false
	install := func() {
		if installed || !monitor.IsOnline() {
			return
		}
		if err := worker.Install(ctx); err != nil {
			logger.Printf("offline cache install failed: %v", err)
			return
		}
		if err := worker.Activate(ctx); err != nil {
			logger.Printf("offline cache activate failed: %v", err)
			return
		}
		installed = true
	}

	install()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-online:
			if installed {
				worker.BackgroundSync(ctx, offlinecache.BackgroundSyncTag)
				continue
			}
			install()
		case <-ticker.C:
			install()
		}
	}
}
