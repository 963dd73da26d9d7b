// Command scout runs the Scout Sampler (C4) behind its HTTP surface
// (§6). It is meant to be invoked frequently and cheaply by an external
// scheduler; see cmd/worker for the rarer, more expensive tier.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mac923/offpeak-ev-controller/internal/config"
	"github.com/mac923/offpeak-ev-controller/internal/log"
	"github.com/mac923/offpeak-ev-controller/internal/proxy"
	"github.com/mac923/offpeak-ev-controller/internal/scout"
	"github.com/mac923/offpeak-ev-controller/internal/scoutserver"
	"github.com/mac923/offpeak-ev-controller/internal/secretstore"
	"github.com/mac923/offpeak-ev-controller/internal/store"
	"github.com/mac923/offpeak-ev-controller/internal/token"
	"github.com/mac923/offpeak-ev-controller/internal/vehicle"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	log.Init(cfg.LogLevel, cfg.LogTextFormat)

	canonical := secretstore.NewRESTStore(cfg.SecretStoreURL, cfg.SecretStoreKey)
	reader := token.NewReader(canonical, "fleet-tokens", "/tmp/offpeak-scout-tokens.json")

	// Scout never signs commands and never forces the proxy up; it only
	// needs a readiness probe, which an always-down stub satisfies when
	// no proxy is reachable from Scout's runtime.
	px := proxy.New(proxy.Config{
		BinaryPath:     cfg.Proxy.BinaryPath,
		PrivateKeyPath: cfg.Proxy.PrivateKeyPath,
		TLSDir:         cfg.Proxy.TLSDir,
		Host:           cfg.Proxy.ProxyHost,
		Port:           cfg.Proxy.ProxyPort,
	})

	gw := vehicle.New(vehicle.Config{BaseURL: cfg.VehicleAPIURL, Timeout: 30 * time.Second}, reader, nil, px)

	st, err := newStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		os.Exit(1)
	}

	sampler := scout.New(cfg.VIN, cfg.WorkerURL, reader, gw, st, cfg.HomeLatitude, cfg.HomeLongitude, cfg.HomeRadiusDeg)
	srv := scoutserver.New(sampler, reader, cfg.VIN)

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	if err := srv.Run(addr); err != nil {
		fmt.Fprintln(os.Stderr, "scout server:", err)
		os.Exit(1)
	}
}

func newStore() (store.Store, error) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		return store.NewGormStore(dsn)
	}
	return store.NewMemoryStore(), nil
}
