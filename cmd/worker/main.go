package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/drummonds/docpages/blobstore"
	"github.com/drummonds/docpages/config"
	"github.com/drummonds/docpages/database"
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

func main() {
	// Parse command-line flags
	concurrency := flag.Int("concurrency", 0, "Jobs processed at once, defaults to WORKER_CONCURRENCY")
	flag.Parse()

	fmt.Println("\n" + strings.Repeat("=", 50))
	fmt.Println("🔧  docpages delegated worker")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println("• Claims jobs from the task queue")
	fmt.Println("• Reports status to the store and the queue channel")
	fmt.Println(strings.Repeat("=", 50) + "\n")

	serverConfig, logger := config.SetupServer()
	injectGlobals(logger) //inject the logger into all of the packages
	if *concurrency > 0 {
		serverConfig.WorkerConcurrency = *concurrency
	}
	if serverConfig.ExecutionMode() != config.ExecutionDelegated {
		Logger.Error("The worker needs QUEUE_REDIS_ADDR, local deployments render inside the server")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, serverConfig); err != nil {
		Logger.Error("Worker stopped", "error", err)
		os.Exit(1)
	}
	Logger.Info("Worker shut down cleanly")
}

func run(ctx context.Context, serverConfig config.ServerConfig) error {
	repo, err := database.NewRepository(serverConfig)
	if err != nil {
		return err
	}
	defer repo.Close()

	blobs, err := blobstore.New(ctx, serverConfig.BlobConfig)
	if err != nil {
		return err
	}
	defer blobs.Close()
	rasterizer, err := pdfrenderer.NewRasterizer(serverConfig.Rasterizer, serverConfig.WorkerConcurrency)
	if err != nil {
		return err
	}
	defer rasterizer.Close()

	client, err := queue.New(ctx, serverConfig.QueueConfig)
	if err != nil {
		return err
	}
	defer client.Close()

	messages := engine.NewMessages(serverConfig.StatusLocale)
	jobs := &engine.JobHandlers{
		DB:        repo,
		Blobs:     blobs,
		Engine:    engine.NewEngine(repo, blobs, rasterizer, messages),
		Queue:     client,
		Converter: engine.NewConverterClient(serverConfig.ConverterURL),
		Messages:  messages,
	}

	Logger.Info("Starting worker", "concurrency", serverConfig.WorkerConcurrency, "rasterizer", rasterizer.Name(), "namespace", serverConfig.QueueNamespace)
	worker := queue.NewWorker(client, jobs.Handlers(), serverConfig.WorkerConcurrency, serverConfig.QueuePollInterval)
	return worker.Run(ctx)
}
