package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"medilink.org/internal/auth"
	"medilink.org/internal/config"
	"medilink.org/internal/httpapi"
	"medilink.org/internal/identity"
	"medilink.org/internal/obs"
	"medilink.org/internal/session"
	"medilink.org/internal/session/remote"
	"medilink.org/internal/store/pg"
	"medilink.org/internal/token"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	codec, err := token.NewCodec(cfg.TokenSecret)
	if err != nil {
		log.Fatalf("token codec: %v", err)
	}

	// Pick the session store backend. Exactly one of PGDSN and StoreURL is
	// set in production; neither means an ephemeral in-memory store for dev.
	var (
		store  session.Store
		dir    identity.Directory
		ready  httpapi.ReadyProbe
		closer func() error
	)
	switch {
	case cfg.PGDSN != "":
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		store, dir, ready = pgStore, pgStore, httpapi.ReadyProbe{Pinger: pgStore}
		closer = pgStore.Close
	case cfg.StoreURL != "":
		remoteStore, err := remote.New(cfg.StoreURL, codec,
			remote.WithTimeout(cfg.StoreTimeout),
			remote.WithServiceTokenTTL(cfg.ServiceTTL))
		if err != nil {
			log.Fatalf("remote store: %v", err)
		}
		store, dir, ready = remoteStore, remoteStore, httpapi.ReadyProbe{Pinger: remoteStore}
	default:
		obs.Warn("no store configured, using in-memory store", nil)
		mem := session.NewInMemory()
		store, dir = mem, identity.NewStatic(nil)
	}

	svc, err := auth.NewService(store, dir, codec,
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithSessionTTL(cfg.SessionTTL),
		auth.WithStoreTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	api := httpapi.New(svc, codec,
		httpapi.WithVersion(version),
		httpapi.WithReadyProbe(ready),
		httpapi.WithStoreBackend(store, dir),
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec),
	)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting medilink-auth %s on %s", version, srv.Addr)

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
	if closer != nil {
		_ = closer()
	}
	log.Println("Stopped")
}
