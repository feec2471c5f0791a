// Package main implements a self-hosted stand-in for the Tailscale control
// plane API: it issues auth keys into a sqlite ledger and keeps each
// tailnet's policy file in git.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mischa-dev/bootstrap/internal/gitstore"
)

var (
	history = flag.String("history", "", "Git repository URL or local path for policy files (required)")
	dbPath  = flag.String("db", "controlplane.db", "Path to the key ledger database")
	port    = flag.String("port", "8080", "Server port")
	apiKey  = flag.String("api-key", "", "API key clients must present as a bearer token (required)")
)

func main() {
	flag.Parse()

	if *history == "" {
		log.Fatal("-history is required")
	}
	if *apiKey == "" {
		log.Fatal("-api-key is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	store, err := gitstore.New(ctx, *history)
	if err != nil {
		cancel() // Cancel context before fatal exit
		log.Fatalf("[ERROR] Failed to initialize git store: %v", err)
	}
	ledger, err := OpenLedger(ctx, *dbPath)
	if err != nil {
		cancel()
		log.Fatalf("[ERROR] Failed to open key ledger: %v", err)
	}
	defer cancel()
	defer func() { _ = ledger.Close() }() //nolint:errcheck // exiting anyway

	log.Printf("[INFO] Policy history in %s", store.Path())
	log.Printf("[INFO] Retry configuration: max_retries=%d, initial_backoff=%v, max_backoff=%v",
		maxRetries, initialBackoff, maxBackoff)

	server := NewServer(store, ledger, *apiKey)
	srv := &http.Server{
		Addr:           ":" + *port,
		Handler:        server.Handler(),
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: 1 << 16, // 64KB max header size
	}

	go func() {
		log.Printf("[INFO] Server starting on port %s", *port)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[ERROR] Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("[INFO] Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ERROR] Server shutdown error: %v", err)
	} else {
		log.Println("[INFO] Server shutdown complete")
	}
}
