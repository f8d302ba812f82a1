package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/drummonds/docpages/blobstore"
	"github.com/drummonds/docpages/config"
	"github.com/drummonds/docpages/database"
	_ "github.com/drummonds/docpages/docs"
	"github.com/drummonds/docpages/engine"
	"github.com/drummonds/docpages/engine/pdfrenderer"
	"github.com/drummonds/docpages/queue"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger

// injectGlobals injects all of our globals into their packages
func injectGlobals(logger *slog.Logger) {
	Logger = logger
	database.Logger = Logger
	config.Logger = Logger
	engine.Logger = Logger
	pdfrenderer.Logger = Logger
	blobstore.Logger = Logger
	queue.Logger = Logger
}

// @title docpages API
// @version 1.0
// @description Document page rasterization service. Uploads are stored, split into page images and tracked
// @description through a processing status that can be polled or streamed.

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8000
// @BasePath /api
// @schemes http https

// @tag.name Documents
// @tag.description Document ingest

// @tag.name Processing
// @tag.description Processing status and progress

// @tag.name Pages
// @tag.description Rendered pages

// @tag.name Files
// @tag.description Stored blobs

// server is everything main starts, kept together so tests can build the same wiring
type server struct {
	echo     *echo.Echo
	db       *database.BunDB
	local    *engine.LocalExecutor
	queue    *queue.Client
	schedule *cron.Cron
	closers  []func() error
}

// newServer wires the repository, blob store, rasterizer and the executor selected by the
// configuration, then registers the routes. Local tasks stop when ctx ends.
func newServer(ctx context.Context, serverConfig config.ServerConfig) (*server, error) {
	s := &server{}

	Logger.Info("Setting up database", "type", serverConfig.DatabaseType)
	db, err := database.NewRepository(serverConfig)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	s.db = db
	s.closers = append(s.closers, db.Close)

	blobs, err := blobstore.New(ctx, serverConfig.BlobConfig)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("blob store: %w", err)
	}
	s.closers = append(s.closers, blobs.Close)

	rasterizer, err := pdfrenderer.NewRasterizer(serverConfig.Rasterizer, serverConfig.WorkerConcurrency)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("rasterizer: %w", err)
	}
	s.closers = append(s.closers, rasterizer.Close)

	messages := engine.NewMessages(serverConfig.StatusLocale)
	eng := engine.NewEngine(db, blobs, rasterizer, messages)

	mode := serverConfig.ExecutionMode()
	var (
		delegated *engine.DelegatedExecutor
		channel   engine.StatusChannel
	)
	if mode == config.ExecutionDelegated {
		client, err := queue.New(ctx, serverConfig.QueueConfig)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.queue = client
		s.closers = append(s.closers, client.Close)
		delegated = engine.NewDelegatedExecutor(db, client, messages)
		channel = client
	} else {
		s.local = engine.NewLocalExecutor(ctx, db, eng, serverConfig.WorkerConcurrency)
	}
	executor, err := engine.NewSelector(mode, s.local, delegated)
	if err != nil {
		s.Close()
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	s.echo = e

	// Custom 404 handler for API endpoints
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
		}

		if code == http.StatusNotFound && strings.HasPrefix(c.Request().URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, map[string]string{
				"error":   "Not Found",
				"message": "The requested API endpoint does not exist",
				"path":    c.Request().URL.Path,
			})
			return
		}

		// For other errors, use default handler
		e.DefaultHTTPErrorHandler(err, c)
	}

	serverHandler := &engine.ServerHandler{
		DB:           db,
		Echo:         e,
		ServerConfig: serverConfig,
		Blobs:        blobs,
		Ingestor:     &engine.Ingestor{DB: db, Blobs: blobs, Executor: executor},
		Observer:     &engine.Observer{DB: db, Channel: channel, Mode: mode, Messages: messages},
		Engine:       eng,
		Local:        s.local,
	}
	if err := serverHandler.StartupChecks(); err != nil {
		s.Close()
		return nil, fmt.Errorf("startup checks: %w", err)
	}

	// the sweeper only owns local runs, delegated ones are the worker's
	if s.local != nil {
		sweeper := &engine.Sweeper{DB: db, StaleAfter: serverConfig.StaleProcessingAfter, Running: s.local.Running}
		s.schedule, err = engine.InitializeSchedules(ctx, sweeper, serverConfig.SweepInterval)
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	serverHandler.RegisterRoutes()
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	// regenerate with: swag init -g main.go --parseDependency --parseInternal --output ./docs
	e.GET("/swagger", func(c echo.Context) error {
		return c.Redirect(http.StatusMovedPermanently, "/swagger/index.html")
	})
	e.GET("/swagger/*", echo.WrapHandler(httpSwagger.WrapHandler))
	e.GET("/api/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
			"mode":   string(mode),
		})
	})
	return s, nil
}

// Close waits for local runs and releases everything newServer opened
func (s *server) Close() error {
	if s.schedule != nil {
		<-s.schedule.Stop().Done()
	}
	if s.local != nil {
		s.local.Wait()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func main() {
	serverConfig, logger := config.SetupServer()
	injectGlobals(logger) //inject the logger into all of the packages

	// Show info banner if using ephemeral database
	if serverConfig.DatabaseType == "ephemeral" {
		fmt.Println("\n" + strings.Repeat("=", 50))
		fmt.Println("🚀  EPHEMERAL DATABASE MODE")
		fmt.Println(strings.Repeat("=", 50))
		fmt.Println("• Database will be destroyed on exit")
		fmt.Println("• Processing status is lost on restart")
		fmt.Println(strings.Repeat("=", 50) + "\n")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := newServer(ctx, serverConfig)
	if err != nil {
		Logger.Error("Server setup failed", "error", err)
		os.Exit(1)
	}

	if serverConfig.ListenAddrIP == "" {
		Logger.Info("No Ip Addr set, binding on ALL addresses")
	}
	addr := fmt.Sprintf("%s:%s", serverConfig.ListenAddrIP, serverConfig.ListenAddrPort)
	go func() {
		Logger.Info("Starting HTTP server", "address", addr, "mode", serverConfig.ExecutionMode())
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Error("Server failed to start", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	Logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		Logger.Error("HTTP shutdown failed", "error", err)
	}
	if err := s.Close(); err != nil {
		Logger.Error("Cleanup failed", "error", err)
	}
}
