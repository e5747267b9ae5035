package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tableforge/server/internal/assets"
	"github.com/tableforge/server/internal/config"
	"github.com/tableforge/server/internal/events"
	"github.com/tableforge/server/internal/infra"
	"github.com/tableforge/server/internal/middleware"
	"github.com/tableforge/server/internal/monitoring"
	"github.com/tableforge/server/internal/session"
	"github.com/tableforge/server/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	// .env is a dev convenience; absence is fine.
	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	fileStore, err := storage.NewFileStore(cfg.Storage.Root)
	if err != nil {
		slog.Error("storage init failed", "root", cfg.Storage.Root, "error", err)
		os.Exit(1)
	}

	var characters storage.CharacterStore = fileStore
	if cfg.Storage.PostgresDSN != "" {
		pg, err := storage.NewPGCharacterStore(cfg.Storage.PostgresDSN)
		if err != nil {
			slog.Error("postgres init failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		characters = pg
		slog.Info("character store: postgres")
	} else {
		slog.Info("character store: file", "root", cfg.Storage.Root)
	}

	var bus events.Bus = events.NewLocalBus()
	if cfg.Redis.Addr != "" {
		redis, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Warn("redis unavailable, using in-memory event bus", "error", err)
		} else {
			defer redis.Close()
			bus = events.NewRedisBus(redis, "")
			trackPresence(bus, redis)
		}
	}
	defer bus.Close()

	var presigner assets.Presigner = assets.DisabledPresigner{}
	if cfg.S3.Bucket != "" {
		p, err := assets.NewS3Presigner(context.Background(), assets.S3Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})
		if err != nil {
			slog.Error("s3 presigner init failed", "error", err)
			os.Exit(1)
		}
		presigner = p
		slog.Info("blob store ready", "bucket", cfg.S3.Bucket)
	} else {
		slog.Warn("no blob store configured, asset transfers disabled")
	}

	metrics := monitoring.NewMetrics()
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxMessagesPerMinute: cfg.Limits.MaxMessagesPerMinute,
	})

	cm := session.NewConnectionManager(session.ManagerConfig{
		TableStore:     fileStore,
		CharacterStore: characters,
		Assets:         assets.NewManager(presigner),
		Bus:            bus,
		Metrics:        metrics,
		Limiter:        limiter,
		SaveDebounce:   cfg.Limits.SaveDebounce(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	router := mux.NewRouter()
	router.HandleFunc("/ws/{session_code}", cm.HandleWebSocket)
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "healthy",
			"service": "tableforge-server",
		})
	}).Methods("GET")
	router.HandleFunc("/api/sessions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cm.Sessions())
	}).Methods("GET")

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.TCPAddr != "" {
		l, err := net.Listen("tcp", cfg.Server.TCPAddr)
		if err != nil {
			slog.Error("tcp listen failed", "addr", cfg.Server.TCPAddr, "error", err)
			os.Exit(1)
		}
		defer l.Close()
		go cm.ServeTCP(l)
	}

	go func() {
		slog.Info("server listening", "port", cfg.Server.Port, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	cm.Shutdown(ctx)
	slog.Info("shutdown complete")
}

// trackPresence mirrors session rosters into Redis presence sets so other
// pods and operators can see who is connected without asking each broker.
func trackPresence(bus events.Bus, redis *infra.GoRedisAdapter) {
	bus.Subscribe(events.EventClientJoined, func(ctx context.Context, e *events.Event) error {
		clientID, _ := e.Payload["client_id"].(string)
		return redis.AddPresence(ctx, e.SessionCode, clientID)
	})
	bus.Subscribe(events.EventClientLeft, func(ctx context.Context, e *events.Event) error {
		clientID, _ := e.Payload["client_id"].(string)
		return redis.RemovePresence(ctx, e.SessionCode, clientID)
	})
}
