package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketchat/internal/config"
	"github.com/marketchat/internal/handler"
	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/middleware"
	"github.com/marketchat/internal/repository"
	"github.com/marketchat/internal/startup"
	"github.com/marketchat/internal/storage"
	"github.com/marketchat/internal/storage/memory"
	"github.com/marketchat/internal/ws"
	"github.com/marketchat/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-memory relay (no external DB/Redis required)")
	issueToken := flag.String("issue-token", "", "print a bearer token for the given user id and exit")
	flag.Parse()

	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	if *issueToken != "" {
		fmt.Println(middleware.IssueToken([]byte(cfg.TokenSecret), *issueToken))
		return
	}
	logger.Info("starting API service")

	if *dev {
		embeddedDB, err := startEmbeddedPostgres(cfg)
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
	poolCfg.MinConns = 2

	pool, err := startup.ConnectDB(context.Background(), poolCfg, startup.DefaultBackoff)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	defer pool.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = migrations.Apply(migrateCtx, pool)
	migrateCancel()
	if err != nil {
		logger.Errorf("migrations: %v", err)
		os.Exit(1)
	}
	logger.Info("database connected, migrations applied")
	if *migrate && !*dev {
		return
	}

	userRepo := repository.NewUserRepository(pool)
	convRepo := repository.NewConversationRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)

	resetCtx, resetCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := userRepo.ResetOnline(resetCtx); err != nil {
		logger.Errorf("reset online status: %v", err)
	}
	resetCancel()

	// Шина relay: Redis, если задан REDIS_URL (несколько инстансов API), иначе в памяти процесса.
	var store storage.RelayStore
	if cfg.Redis.URL != "" && !*dev {
		bus, err := startup.ConnectRelayBus(context.Background(), cfg.Redis.URL, startup.DefaultBackoff)
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		store = bus
		logger.Info("relay bus: redis")
	} else {
		store = memory.New()
		logger.Info("relay bus: in-memory")
	}
	defer store.Close()

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(store, convRepo, userRepo, ws.Options{
		ChannelSecret:  []byte(cfg.ChannelSecret),
		MaxConns:       cfg.MaxWSConnections,
		SendBufSize:    cfg.WSSendBufferSize,
		WriteWait:      cfg.WSWriteTimeout,
		PongWait:       cfg.WSPongTimeout,
		MaxMessageSize: cfg.WSMaxMessageSize,
	})
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	convH := handler.NewConversationHandler(convRepo, userRepo)
	msgH := handler.NewMessageHandler(convRepo, msgRepo, userRepo, store, hub, handler.MessageLimits{
		MaxLength:      cfg.MaxMessageLength,
		MaxAttachments: cfg.MaxAttachments,
	})
	presenceH := handler.NewPresenceHandler(userRepo, hub)
	realtimeH := handler.NewRealtimeHandler(convRepo, []byte(cfg.ChannelSecret))
	userH := handler.NewUserHandler(userRepo, []byte(cfg.TokenSecret))
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
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
	r.Use(middleware.RateLimitIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		fmt.Fprintf(w, `{"status":"ok","connections":%d}`, hub.Connections())
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.InternalOnly)
		r.Post("/users", userH.Create)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.TokenAuth([]byte(cfg.TokenSecret)))
		r.Use(middleware.RateLimitUser)
		r.Get("/api/users/me", userH.Me)
		r.Get("/api/conversations", convH.List)
		r.Post("/api/conversations", convH.GetOrCreate)
		r.Get("/api/conversations/{id}/messages", msgH.GetMessages)
		r.Post("/api/conversations/{id}/read", msgH.MarkAsRead)
		r.Post("/api/messages", msgH.Send)
		r.Put("/api/presence", presenceH.Update)
		r.Post("/api/realtime/auth", realtimeH.Auth)
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
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "marketchat"
		password = "marketchat_secret"
		database = "marketchat"
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
