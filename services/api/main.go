// BloodConnect coordination API: blood requests, donor responses, chat and
// live updates in one service.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bloodconnect/internal/arbiter"
	"github.com/bloodconnect/internal/channel"
	"github.com/bloodconnect/internal/config"
	"github.com/bloodconnect/internal/coord"
	"github.com/bloodconnect/internal/handler"
	"github.com/bloodconnect/internal/logger"
	"github.com/bloodconnect/internal/middleware"
	"github.com/bloodconnect/internal/notify"
	"github.com/bloodconnect/internal/push"
	"github.com/bloodconnect/internal/repository"
	"github.com/bloodconnect/internal/startup"
	"github.com/bloodconnect/internal/storage"
	memorystorage "github.com/bloodconnect/internal/storage/memory"
	"github.com/bloodconnect/internal/sweep"
	"github.com/bloodconnect/internal/ws"
	"github.com/bloodconnect/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-memory sessions (no external deps)")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}
	logger.Info("database connected, migrations applied")

	// Sessions and push subscriptions. In -dev everything stays in memory and
	// push sending is disabled.
	var sessions storage.SessionStore
	var pushSender *push.Sender
	if *dev {
		mem := memorystorage.New()
		seedDevSession(mem)
		sessions = mem
	} else {
		redisClient := startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
		defer redisClient.Close()
		sessions = redisClient
		keys, err := push.EnsureVAPIDKeys("")
		if err != nil {
			logger.Errorf("push: VAPID keys unavailable: %v (push disabled)", err)
		}
		pushSender = push.NewSender(redisClient.Raw(), keys)
	}

	requestRepo := repository.NewRequestRepository(pool)
	responseRepo := repository.NewResponseRepository(pool)
	channelRepo := repository.NewChannelRepository(pool)
	messageRepo := repository.NewMessageRepository(pool)

	bus := notify.NewBus(cfg.NotifyBufferSize)
	defer bus.Close()

	arb := arbiter.New(requestRepo, responseRepo, cfg.AcceptLockTimeout)
	channels := channel.NewManager(channelRepo, messageRepo, requestRepo, cfg.ChatRetention)

	var notifier coord.PushNotifier
	if pushSender != nil {
		notifier = pushSender
	}
	facade := coord.New(requestRepo, arb, channels, bus, notifier)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(facade, cfg.MaxWSConnections)

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	sweeper := sweep.New(requestRepo, channelRepo, cfg.SweepInterval, cfg.ChatRetention)
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	var sweepWg sync.WaitGroup
	sweepWg.Add(1)
	go func() {
		defer sweepWg.Done()
		sweeper.Run(sweepCtx)
	}()

	reqH := handler.NewRequestHandler(facade)
	respH := handler.NewResponseHandler(facade)
	chatH := handler.NewChatHandler(facade)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Do not compress WebSocket; a wrapped ResponseWriter loses http.Hijacker
	// and the upgrade fails with 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })

	var pushH *handler.PushHandler
	if pushSender != nil {
		pushH = handler.NewPushHandler(pushSender)
		r.Get("/api/push/vapid-public", pushH.VAPIDPublic)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.SessionAuth(sessions))

		r.Post("/api/requests", reqH.Create)
		r.Get("/api/requests", reqH.List)
		r.Get("/api/requests/{requestID}", reqH.Get)
		r.Delete("/api/requests/{requestID}", reqH.Cancel)

		r.Get("/api/requests/{requestID}/responses", reqH.ListResponses)
		r.Post("/api/requests/{requestID}/responses", respH.Respond)
		r.Delete("/api/requests/{requestID}/responses", respH.Withdraw)
		r.Post("/api/requests/{requestID}/responses/{donorID}/accept", respH.Accept)
		r.Post("/api/requests/{requestID}/responses/{donorID}/reject", respH.Reject)

		r.Get("/api/requests/{requestID}/channels/{donorID}", chatH.GetForRequest)
		r.Get("/api/channels/{channelID}/messages", chatH.History)
		r.Post("/api/channels/{channelID}/messages", chatH.Send)
		r.Post("/api/channels/{channelID}/read", chatH.MarkRead)
		r.Get("/api/channels/{channelID}/unread", chatH.Unread)

		if pushH != nil {
			r.Post("/api/push/subscribe", pushH.Subscribe)
			r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		} else {
			r.Post("/api/push/subscribe", pushUnavailable)
			r.Delete("/api/push/subscribe", pushUnavailable)
		}

		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	sweepCancel()
	sweepWg.Wait()
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

func pushUnavailable(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "push not configured"})
}

// seedDevSession installs a fixed session so -dev works without an identity
// service: X-Session-Id: dev-session.
func seedDevSession(sessions storage.SessionStore) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sessions.SetSession(ctx, "dev-session", "00000000-0000-0000-0000-000000000001"); err != nil {
		logger.Errorf("seed dev session: %v", err)
		return
	}
	logger.Info("dev session seeded: X-Session-Id: dev-session")
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		logger.Errorf("read migrations: %v", err)
		os.Exit(1)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			logger.Errorf("read migration %s: %v", name, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", name, err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "bloodconnect"
		password = "bloodconnect_secret"
		database = "bloodconnect"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
