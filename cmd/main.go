package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Vovarama1992/go-utils/httputil"
	"github.com/Vovarama1992/go-utils/logger"

	"github.com/Vovarama1992/voice_answer/internal/capture"
	"github.com/Vovarama1992/voice_answer/internal/config"
	"github.com/Vovarama1992/voice_answer/internal/delivery"
	"github.com/Vovarama1992/voice_answer/internal/dispatch"
	"github.com/Vovarama1992/voice_answer/internal/error_notificator"
	"github.com/Vovarama1992/voice_answer/internal/infra"
	"github.com/Vovarama1992/voice_answer/internal/metrics"
	"github.com/Vovarama1992/voice_answer/internal/orchestrator"
	"github.com/Vovarama1992/voice_answer/internal/poller"
	"github.com/Vovarama1992/voice_answer/internal/ports"
	"github.com/Vovarama1992/voice_answer/internal/remote"
	"github.com/Vovarama1992/voice_answer/internal/sessions"
	"github.com/Vovarama1992/voice_answer/internal/speech"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {

	// =========================================================================
	// ENV / CONFIG
	// =========================================================================

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	baseLogger, _ := zap.NewProduction()
	defer baseLogger.Sync()
	zl := logger.NewZapLogger(baseLogger.Sugar())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// =========================================================================
	// BACKEND / ARTIFACTS
	// =========================================================================

	backend, err := remote.NewClient(remote.Config{
		BaseURL: cfg.Backend.BaseURL,
		Token:   cfg.Backend.Token,
		Timeout: cfg.Backend.Timeout,
	}, baseLogger)
	if err != nil {
		log.Fatalf("failed to init backend client: %v", err)
	}
	dispatcher := dispatch.New(backend, baseLogger, m)

	var artifacts ports.ArtifactStore = backend
	if cfg.S3.Enabled {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		s3, err := infra.NewS3Artifacts(initCtx, infra.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Secure:    cfg.S3.Secure,
			KeyPrefix: cfg.S3.KeyPrefix,
		})
		cancel()
		if err != nil {
			log.Fatalf("failed to init s3: %v", err)
		}
		artifacts = s3
	}

	// =========================================================================
	// ARCHIVE (optional)
	// =========================================================================

	var archive ports.Archive
	if cfg.Postgres.DSN != "" {
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			log.Fatalf("db ping failed: %v", err)
		}
		defer db.Close()
		archive = infra.NewRecordRepo(db)
	}

	// =========================================================================
	// ERROR NOTIFICATION
	// =========================================================================

	var alerts orchestrator.Alerter
	if cfg.AlertsEnabled() {
		errInfra, err := error_notificator.NewTelegramInfra(cfg.Alerts.TelegramToken, cfg.Alerts.AdminChatIDs, baseLogger)
		if err != nil {
			log.Fatalf("failed to init telegram alerts: %v", err)
		}
		alerts = error_notificator.NewService(errInfra, cfg.Alerts.Quiet)
	}

	// =========================================================================
	// SESSIONS
	// =========================================================================

	dial := speech.WebsocketDialer(10 * time.Second)
	speechCfg := speech.Config{
		APIKey:   cfg.Deepgram.APIKey,
		URL:      cfg.Deepgram.URL,
		Model:    cfg.Deepgram.Model,
		Language: cfg.Deepgram.Language,
	}
	pollCfg := poller.Config{
		GraceDelay:   cfg.Poll.GraceDelay,
		Interval:     cfg.Poll.Interval,
		MaxAttempts:  cfg.Poll.MaxAttempts,
		ProbeTimeout: cfg.Poll.ProbeTimeout,
	}

	build := func(id string, device *capture.PushDevice, publish func(orchestrator.Event)) *orchestrator.Orchestrator {
		deps := orchestrator.Deps{
			Dispatcher: dispatcher,
			Artifacts:  artifacts,
			Device:     device,
			Alerts:     alerts,
			Archive:    archive,
			Logger:     baseLogger,
			Metrics:    m,
		}
		if speechCfg.APIKey != "" {
			deps.Recognizer = speech.NewDeepgramRecognizer(speechCfg, device, dial, baseLogger)
		}
		return orchestrator.New(deps, orchestrator.Options{
			SessionID:    id,
			Poll:         pollCfg,
			NoticeTTL:    cfg.Sessions.NoticeTTL,
			FlushTimeout: cfg.Sessions.FlushTimeout,
			Language:     cfg.Sessions.Language,
			OnEvent:      publish,
		})
	}

	registry := sessions.NewRegistry(build, nil, cfg.Sessions.IdleTTL, baseLogger, m)
	defer registry.CloseAll()

	// =========================================================================
	// HTTP ROUTER
	// =========================================================================

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.HTTP.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	// HANDLERS
	sessionHandler := delivery.NewSessionHandler(registry, zl)
	eventsHandler := delivery.NewEventsHandler(registry, zl, cfg.HTTP.CORSOrigins)

	// ROUTES
	delivery.RegisterRoutes(
		r,
		sessionHandler,
		eventsHandler,
		cfg.HTTP.Token,
		cfg.HTTP.RateLimit,
	)

	r.With(httputil.RecoverMiddleware).Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("pong"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// =========================================================================
	// BACKGROUND JOBS
	// =========================================================================

	if cfg.Sessions.IdleTTL > 0 {
		go registry.Run(ctx, cfg.Sessions.ReapEvery)
	}

	// =========================================================================
	// START SERVER
	// =========================================================================

	addr := ":" + cfg.HTTP.Port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zl.Log(logger.LogEntry{
		Level:   "info",
		Message: "listening at " + addr,
		Service: "voice_answer",
	})

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}
