package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"segdl/internal/api"
	"segdl/internal/config"
	"segdl/internal/fetch"
	"segdl/internal/logger"
	"segdl/internal/progress"
	"segdl/internal/session"
)

func main() {
	// 1. Parse command-line arguments
	serve := flag.Bool("serve", false, "Run the download API server instead of a single download")
	listenAddr := flag.String("l", "", "HTTP listen address (overrides config)")
	logLevel := flag.String("L", "info", "Log level (error, warn, info, debug)")
	configFile := flag.String("c", "", "Path to the JSON config file")
	output := flag.String("o", "", "Output file name in the output directory, '-' writes to stdout")
	quality := flag.String("q", "", "Stream quality (best, worst, 720p, 800k)")
	flag.Parse()

	// 2. Initialize logger; stdout may carry the stream, so logs go to stderr
	log := logger.NewLoggerTo(os.Stderr, *logLevel)

	// 3. Load configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *quality != "" {
		cfg.Quality = *quality
	}

	client := fetch.NewClient(cfg, log)
	manager := session.NewManager(cfg, client, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *serve {
		os.Exit(runServer(ctx, cfg, manager, log))
	}

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] URL\n       %s -serve [flags]\n", os.Args[0], os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}
	url := flag.Arg(0)

	if *output == "-" {
		os.Exit(runStdout(ctx, client, url, cfg, log))
	}
	os.Exit(runDownload(ctx, manager, url, *output, log))
}

// runStdout streams url to stdout.
func runStdout(ctx context.Context, client *fetch.Client, url string, cfg *config.Options, log logger.Logger) int {
	stream, err := session.Open(ctx, client, url, cfg, log)
	if err != nil {
		log.Errorf("Failed to open stream: %v", err)
		return 1
	}
	defer stream.Close()
	stopClose := context.AfterFunc(ctx, func() { stream.Close() })
	defer stopClose()

	if _, err := io.Copy(os.Stdout, stream); err != nil && ctx.Err() == nil {
		log.Errorf("Stream failed: %v", err)
		return 1
	}
	return 0
}

// runDownload saves url to a file, printing progress to stderr.
func runDownload(ctx context.Context, manager *session.Manager, url, name string, log logger.Logger) int {
	d, err := manager.Start(url, name, func(r progress.Report) {
		fmt.Fprintf(os.Stderr, "\r[%s] %s", r.State, r)
	})
	if err != nil {
		log.Errorf("Failed to start download: %v", err)
		return 1
	}

	select {
	case <-d.Done():
	case <-ctx.Done():
		manager.Cancel(d.ID)
		<-d.Done()
	}
	fmt.Fprintln(os.Stderr)
	if err := d.Err(); err != nil && ctx.Err() == nil {
		log.Errorf("Download failed: %v", err)
		return 1
	}
	log.Infof("Saved to %s", d.Path)
	return 0
}

// runServer exposes the download manager over HTTP until ctx is cancelled.
func runServer(ctx context.Context, cfg *config.Options, manager *session.Manager, log logger.Logger) int {
	addr := cfg.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{
		Addr:    addr,
		Handler: api.New(manager, log),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Server starting on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		log.Errorf("Could not listen on %s: %v", addr, err)
		return 1
	case <-ctx.Done():
	}
	log.Infof("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Stop running downloads before the listener
	manager.Stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server shutdown failed: %v", err)
		return 1
	}
	log.Infof("Server exited gracefully")
	return 0
}
