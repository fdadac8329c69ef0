package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auralis_expression/broadcast"
	"auralis_expression/cache"
	"auralis_expression/config"
	"auralis_expression/controller"
	"auralis_expression/database"
	"auralis_expression/expression"
	"auralis_expression/gateway"
	"auralis_expression/logger"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server stopped", "error", err)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	rdb, err := cache.NewRedisClient(cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	images, localImages, err := newImageStorage(ctx, cfg)
	if err != nil {
		return err
	}

	store, err := expression.NewStore(db,
		expression.WithAssetRemover(images),
		expression.WithSnapshotCache(expression.NewSnapshotCache(rdb, log)),
		expression.WithLogger(log),
	)
	if err != nil {
		return err
	}

	hub := broadcast.NewHub(log, broadcast.Options{Buffer: cfg.SessionBuffer, WriteTimeout: cfg.SessionWriteTimeout})
	defer hub.Close()

	var publisher gateway.Publisher = hub
	if cfg.EventBus == config.BusRedis {
		bus, err := broadcast.NewRedisBus(rdb, cfg.EventChannel, log)
		if err != nil {
			return err
		}
		if cfg.HTTPEnabled {
			if err := bus.StartForwarder(ctx, hub.Broadcast); err != nil {
				return err
			}
		}
		publisher = bus
	}
	gw := gateway.New(store, publisher, log)
	tools := controller.NewServer(gw, log)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MCPTransport != config.TransportOff {
		presence := controller.NewPresence(rdb, cfg.ControllerName, cfg.MCPTransport, log)
		g.Go(func() error {
			presence.Run(gctx)
			return nil
		})
	}
	if cfg.MCPTransport == config.TransportStdio {
		g.Go(func() error {
			return tools.ServeStdio(gctx)
		})
	}

	if cfg.HTTPEnabled {
		router, err := newRouter(cfg, log, db, store, gw, hub, tools, images, localImages, rdb)
		if err != nil {
			return err
		}
		srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
		g.Go(func() error {
			log.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("start server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
