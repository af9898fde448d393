package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"datapass.org/internal/grant"
	"datapass.org/internal/httpapi"
	"datapass.org/internal/obs"
	"datapass.org/internal/store/pg"
	"datapass.org/internal/stream"
	"datapass.org/internal/wallet"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	addr := os.Getenv("DATAPASS_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	directory := os.Getenv("DATAPASS_DIRECTORY_SUBJECT")
	if directory == "" {
		directory = "directory"
	}

	wallets := wallet.NewInMemory()
	events := stream.New()

	// Pg when a DSN is configured, process-local engine otherwise. The
	// wallet stays in memory either way; settlement happens through the
	// same Settler in both modes.
	var (
		grants grant.Service
		probe  httpapi.ReadyProbe
	)
	if dsn := os.Getenv("DATAPASS_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn, wallets, directory)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		defer store.Close()
		grants = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		grants = grant.NewInMemory(wallets, directory)
	}

	api := httpapi.New(probe, version, grants,
		httpapi.WithWallets(wallets),
		httpapi.WithEvents(events))

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting datapass-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
