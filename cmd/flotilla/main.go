package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/flotillahq/flotilla/internal/dispatch"
	"github.com/flotillahq/flotilla/internal/namespace"
	"github.com/flotillahq/flotilla/internal/registry"
	"github.com/flotillahq/flotilla/internal/server"
	"github.com/flotillahq/flotilla/internal/signing"
	"github.com/flotillahq/flotilla/internal/storage"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	dataDir := os.Getenv("FLOTILLA_DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}

	secret := os.Getenv("FLOTILLA_SECRET")
	if secret == "" {
		log.Fatal("FLOTILLA_SECRET environment variable is required")
	}

	heartbeatTimeout := envDuration("FLOTILLA_HEARTBEAT_TIMEOUT", 15*time.Second)
	dispatchTimeout := envDuration("FLOTILLA_DISPATCH_TIMEOUT", 10*time.Second)

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	db, err := storage.NewDB(dataDir + "/flotilla.db")
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	reg := registry.New(heartbeatTimeout)
	shards, err := db.ListShards()
	if err != nil {
		log.Fatalf("Failed to load shards: %v", err)
	}
	reg.Load(shards)
	log.Printf("[main] loaded %d paired shards", len(shards))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ns := namespace.NewService(db, reg)
	disp := dispatch.NewDispatcher(ns, dispatch.Config{AckTimeout: dispatchTimeout})
	disp.StartLoops(ctx, 30*time.Second)

	srv := server.New(db, reg, ns, disp, signing.NewTokenCodec(secret))

	httpSrv := &http.Server{Addr: ":" + port, Handler: srv}

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		httpSrv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("Flotilla coordinator running on http://localhost:%s\n", port)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

// envDuration reads a duration environment variable given in seconds.
func envDuration(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		log.Fatalf("%s must be a positive number of seconds", name)
	}
	return time.Duration(secs) * time.Second
}
