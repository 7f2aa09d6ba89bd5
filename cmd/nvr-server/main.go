package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgewatch/nvr-server/internal/config"
	"github.com/edgewatch/nvr-server/internal/http/handler"
	mw "github.com/edgewatch/nvr-server/internal/http/middleware"
	"github.com/edgewatch/nvr-server/internal/infrastructure/encoderproc"
	"github.com/edgewatch/nvr-server/internal/platform/metrics"
	"github.com/edgewatch/nvr-server/internal/retention"
	"github.com/edgewatch/nvr-server/internal/status"
	"github.com/edgewatch/nvr-server/internal/storagepath"
	"github.com/edgewatch/nvr-server/internal/supervisor"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultConfigPath = "nvr-server.yaml"

func init() {
	// Handle version display
	handleVersion()
}

func main() {
	// Read env
	isDev := os.Getenv("ENV") == "dev"

	// Load config; configPath is the file Load actually read, which the
	// retention watcher reuses below.
	cfg, configPath, err := config.Load(defaultConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Create Zap logger
	log := buildLogger()
	defer log.Sync()
	log = log.Named("main")

	cameras, err := cfg.CameraSet()
	if err != nil {
		log.Fatal("camera set construction failed", zap.Error(err))
	}

	// Core components. Everything is constructed here and passed by
	// reference; no package holds server state of its own.
	layout := storagepath.New(cfg.StorageRoot, cfg.HTTP.PublicBaseURL, cameras)
	registry := status.NewRegistry()
	mtr := metrics.New()
	logmngr := encoderproc.NewLogManager()
	launcher := encoderproc.NewLauncher(log, logmngr, cfg.Supervisor.StopGrace.D())

	sup := supervisor.New(log, supervisor.Options{
		Cameras:  cameras,
		Layout:   layout,
		Registry: registry,
		Metrics:  mtr,
		Launcher: supervisor.LauncherFunc(func(slotKey string, argv []string) (supervisor.Handle, error) {
			return launcher.Launch(slotKey, argv)
		}),

		EncoderBinary:   cfg.Encoder.Binary,
		SegmentDuration: cfg.Encoder.SegmentDuration.D(),
		LiveWindowSize:  cfg.Encoder.LiveWindowSize,
		MinSegmentBytes: cfg.Encoder.MinSegmentBytes,

		HealthInterval:   cfg.Supervisor.HealthInterval.D(),
		StallMultiplier:  cfg.Supervisor.StallMultiplier,
		ExitRestartCap:   cfg.Supervisor.ExitRestartCap,
		HealthRestartCap: cfg.Supervisor.HealthRestartCap,
		RestartCooldown:  cfg.Supervisor.RestartCooldown.D(),
		BackoffBase:      cfg.Supervisor.BackoffBase.D(),
		BackoffMax:       cfg.Supervisor.BackoffMax.D(),
		StopGrace:        cfg.Supervisor.StopGrace.D(),
		ShutdownDeadline: cfg.Supervisor.ShutdownDeadline.D(),
	})

	engine := retention.NewEngine(log, retention.Options{
		Layout:   layout,
		Cameras:  cameras,
		Recorder: sup,
		Metrics:  mtr,
	})

	// Root context cancelled on SIGINT/SIGTERM; drives the background loops.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Hot-reload retention policies on config edits. Non-fatal: a broken
	// watch just means edits need a restart.
	if err := config.WatchRetention(ctx, log, configPath, engine.ApplyPolicies); err != nil {
		log.Warn("retention policy watcher unavailable", zap.Error(err))
	}

	// Create Gin router
	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer() // Configure Gin's logger to use Zap
	r := gin.New()

	// Apply Gin middlewares
	{
		r.Use(gin.Recovery()) // Recovery first (outermost)
		r.Use(mw.RequestID()) // Attach request ID for tracing; early in the chain so it's available everywhere

		if isDev { // Enable CORS for local Vite dev
			r.Use(cors.New(cors.Config{
				AllowOrigins:     []string{"http://localhost:5173", "http://localhost:4173", "http://localhost:3000", "http://127.0.0.1:3000"},
				AllowMethods:     []string{"GET", "POST", "OPTIONS"},
				AllowHeaders:     []string{"X-Request-ID", "Content-Type"},
				ExposeHeaders:    []string{"X-Request-ID", "X-Total-Count"},
				AllowCredentials: false,
				MaxAge:           12 * time.Hour,
			}))
		} else { // Behind Nginx + TLS
			r.SetTrustedProxies([]string{"127.0.0.1"})
			r.Use(secure.New(secure.Config{
				SSLProxyHeaders: map[string]string{
					"X-Forwarded-Proto": "https",
				},
			}))
		}

		r.Use(accessLog(log))

		r.Use(func(c *gin.Context) {
			// Enforce a hard 1MB max request body; the API takes no payloads
			// beyond trivial JSON.
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
			c.Next()
		})
	}

	// Register route handlers
	{
		r.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })

		{
			streamshndlr := handler.NewStreamsHandler(log, sup, registry, logmngr)

			// --- Stream collection ---
			r.GET("/api/streams", streamshndlr.GetStreamList) // get list

			// --- Stream resource ---
			r.GET("/api/streams/:camera/:kind", streamshndlr.GetStream)           // get one
			r.GET("/api/streams/:camera/:kind/logs", streamshndlr.GetStreamLogs)  // get one (logs)
			r.POST("/api/streams/:camera/:kind/start", streamshndlr.StartStream)  // launch encoder
			r.POST("/api/streams/:camera/:kind/stop", streamshndlr.StopStream)    // graceful stop
			r.POST("/api/streams/:camera/:kind/restart", streamshndlr.RestartStream) // cycle encoder
		}

		{
			retentionhndlr := handler.NewRetentionHandler(log, engine)

			// --- Retention ---
			r.POST("/api/cleanup", retentionhndlr.TriggerCleanup)        // purge + quota, immediate
			r.POST("/api/cleanup/orphans", retentionhndlr.ReclaimOrphans) // naming-grammar sweep

			// --- Storage ---
			r.GET("/api/storage/stats", retentionhndlr.GetStorageStats)
			r.GET("/api/storage/stats/:camera", retentionhndlr.GetCameraStorageStats)
		}

		// --- Observability ---
		r.GET("/metrics", gin.WrapH(mtr.Handler(func() {
			mtr.SetActiveStreams(registry.RunningCount())
		})))

		if isDev {
			debughndlr := handler.NewDebugHandler(registry, engine, cameras)
			r.GET("/api/debug/state", debughndlr.DumpState)
		}

		// --- Media tree (segments + manifests), served verbatim ---
		r.Static(cfg.HTTP.PublicBaseURL, cfg.StorageRoot)
	}

	// Background loops
	sup.StartAll()
	go sup.Run(ctx)
	go engine.Run(ctx, cfg.Retention.PurgeInterval.D(), cfg.Retention.QuotaInterval.D())

	httpsrv := &http.Server{
		Addr:              cfg.HTTP.Address + ":" + cfg.HTTP.Port,
		Handler:           r,
		ReadHeaderTimeout: 2 * time.Second,  // kills header-drip Slowloris
		ReadTimeout:       10 * time.Second, // full request read (incl. body)
		WriteTimeout:      30 * time.Second, // segment downloads can be chunky
		IdleTimeout:       60 * time.Second, // keep-alive cap
		MaxHeaderBytes:    1 << 20,          // 1MB cap
	}

	go func() {
		log.Info("running HTTP server", zap.String("addr", httpsrv.Addr))
		if err := httpsrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	// HTTP first so no request observes half-stopped streams, then the
	// supervisor's bounded encoder teardown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.ShutdownDeadline.D())
	defer cancel()
	if err := httpsrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	sup.Shutdown()
	log.Info("server closed")
}

// handleVersion prints build metadata and exits when -v/--version is provided.
func handleVersion() {
	v := flag.Bool("v", false, "print version and exit")
	flag.BoolVar(v, "version", false, "print version and exit")
	flag.Parse()

	if *v {
		fmt.Printf("nvr-server %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}
}

// accessLog is a Gin middleware that records HTTP request/response details with Zap after handling.
func accessLog(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		// collect all errors from Gin context
		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		// errors.Join returns nil if errs is empty
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", latency),
			zap.String("request_id", mw.GetRequestID(c)),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// helpers

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.Level.SetLevel(zap.DebugLevel)
	return zap.Must(logConfig.Build())
}
