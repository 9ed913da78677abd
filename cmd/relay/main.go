package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"golang.org/x/sync/errgroup"

	"raffle/internal/config"
	"raffle/internal/events"
	"raffle/internal/handlers"
	"raffle/internal/middleware"
	"raffle/internal/rowstore"
	"raffle/internal/rowstore/mongostore"
	"raffle/internal/rowstore/mysqlstore"
	"raffle/internal/rowstore/postgrest"
)

func main() {
	// 1. Load configuration and start logging
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	defer logger.Init("raffle-relay", cfg.Log.Verbose, false, io.Discard).Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the row store
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to open %s row store: %v", cfg.Relay.Backend, err)
	}
	defer closeStore()

	// 3. Check-in events go to the broker when one is configured
	var publisher events.Publisher = events.Noop{}
	if cfg.AMQP.URL != "" {
		publisher = events.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	}

	// 4. Set up the router
	auth := middleware.NewAuth(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	relay, err := handlers.NewRelayHandler(store, publisher, auth, cfg.Checkin.PhonePattern)
	if err != nil {
		logger.Fatalf("Failed to create relay: %v", err)
	}
	r := gin.Default()
	r.Use(middleware.PermissiveCORS())
	relay.RegisterRoutes(r)
	relay.RegisterRoutes(r.Group("/api"))

	// 5. Run until interrupted
	srv := &http.Server{Addr: cfg.Relay.Addr, Handler: r}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Relay starting on %s with the %s backend", cfg.Relay.Addr, cfg.Relay.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Errorf("Relay stopped: %v", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (rowstore.Store, func(), error) {
	noop := func() {}
	switch cfg.Relay.Backend {
	case "", "memory":
		return rowstore.NewMemory(), noop, nil
	case "postgrest":
		c := postgrest.New(cfg.PostgREST.URL, cfg.PostgREST.Key, cfg.PostgREST.Table, nil)
		if !c.Configured() {
			return nil, noop, rowstore.ErrNotConfigured
		}
		return c, noop, nil
	case "mongo":
		client, err := mongostore.Connect(ctx, cfg.Mongo.URI)
		if err != nil {
			return nil, noop, err
		}
		store, err := mongostore.New(ctx, client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection))
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, noop, err
		}
		return store, func() { _ = client.Disconnect(context.Background()) }, nil
	case "mysql":
		db, err := mysqlstore.Open(cfg.MySQL.DSN)
		if err != nil {
			return nil, noop, err
		}
		store, err := mysqlstore.New(ctx, db)
		if err != nil {
			db.Close()
			return nil, noop, err
		}
		return store, closer(db), nil
	}
	return nil, noop, fmt.Errorf("unknown backend %q", cfg.Relay.Backend)
}

func closer(db *sql.DB) func() {
	return func() { _ = db.Close() }
}
