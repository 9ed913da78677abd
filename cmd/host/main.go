package main

import (
	"context"
	"errors"
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

	"raffle/internal/checkin"
	"raffle/internal/config"
	"raffle/internal/events"
	"raffle/internal/handlers"
	"raffle/internal/middleware"
	"raffle/internal/rowstore/postgrest"
	"raffle/internal/services"
	"raffle/internal/storage"
	"raffle/internal/storage/redisstore"
	"raffle/internal/storage/sqlitestore"
)

func main() {
	// 1. Load configuration and start logging
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	defer logger.Init("raffle-host", cfg.Log.Verbose, false, io.Discard).Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Snapshot persistence: local sqlite first, then the redis mirror
	var chain storage.Chain
	var locator storage.SessionLocator
	if cfg.Storage.SQLitePath != "" {
		db, err := sqlitestore.Open(cfg.Storage.SQLitePath)
		if err != nil {
			logger.Fatalf("Failed to open %s: %v", cfg.Storage.SQLitePath, err)
		}
		defer db.Close()
		chain = append(chain, db)
		locator = db
	}
	if cfg.Redis.Addr != "" {
		client := redisstore.NewClient(redisstore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS:      cfg.Redis.TLS,
		})
		if client == nil {
			logger.Warningf("Redis at %s is unreachable; running without the mirror", cfg.Redis.Addr)
		} else {
			defer client.Close()
			chain = append(chain, redisstore.New(client, cfg.Redis.Prefix, cfg.Redis.TTL))
		}
	}
	var persister storage.Persister = chain
	if len(chain) == 0 {
		mem := storage.NewMemory()
		persister, locator = mem, mem
	} else if locator == nil {
		locator = storage.NewMemory()
	}
	session := storage.ResolveSession(ctx, cfg.Session.ID, locator)

	// 3. Check-in client: relay first, the table directly as fallback
	auth := middleware.NewAuth(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	token, err := auth.Issue("host")
	if err != nil {
		logger.Fatalf("Failed to issue admin token: %v", err)
	}
	direct := postgrest.New(cfg.PostgREST.URL, cfg.PostgREST.Key, cfg.PostgREST.Table, nil)
	client, err := checkin.New(checkin.Options{
		PrimaryURL:     cfg.Checkin.PrimaryURL,
		PrimaryTimeout: cfg.Checkin.PrimaryTimeout,
		PhonePattern:   cfg.Checkin.PhonePattern,
		AdminToken:     token,
	}, direct)
	if err != nil {
		logger.Fatalf("Failed to create check-in client: %v", err)
	}

	// 4. Raffle state and the check-in intake
	service := services.NewRaffleService(persister, nil)
	var source services.EventSource
	if cfg.AMQP.URL != "" {
		source = events.NewConsumer(cfg.AMQP.URL, cfg.AMQP.Exchange)
	}
	intake := services.NewIntake(service, client, source, session, cfg.Checkin.PollInterval)

	// 5. Set up the router
	host := handlers.NewHostHandler(service, client, intake, auth, cfg.Server.PublicURL)
	r := gin.Default()
	r.Use(middleware.PermissiveCORS("GET", "POST", "PUT", "DELETE", "OPTIONS"))
	host.RegisterRoutes(r)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: r}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Host starting on %s, session %s", cfg.Server.Addr, session)
		logger.Infof("Check-in link: %s/checkin?s=%s", cfg.Server.PublicURL, session)
		if token != "" {
			logger.Infof("Admin token: %s", token)
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return intake.Run(ctx)
	})

	// 6. Background janitor evicts idle sessions from memory
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Storage.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := service.CleanUpInactiveSessions(cfg.Storage.IdleTimeout); n > 0 {
					logger.Infof("Performed cleanup of %d inactive session(s).", n)
				}
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Errorf("Host stopped: %v", err)
	}
}
