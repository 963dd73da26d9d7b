// Command worker runs the Worker Dispatcher (C10) behind its HTTP
// surface (§6), along with the Off-Peak Reconciler (C7) and
// Special-Charging Planner (C8) it drives. In Continuous mode it also
// runs its own internal cron scheduler (§4.10) instead of waiting for
// an external invoker.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mac923/offpeak-ev-controller/internal/config"
	"github.com/mac923/offpeak-ev-controller/internal/jobs"
	"github.com/mac923/offpeak-ev-controller/internal/log"
	"github.com/mac923/offpeak-ev-controller/internal/offpeak"
	"github.com/mac923/offpeak-ev-controller/internal/pricing"
	"github.com/mac923/offpeak-ev-controller/internal/proxy"
	"github.com/mac923/offpeak-ev-controller/internal/secretstore"
	"github.com/mac923/offpeak-ev-controller/internal/sheets"
	"github.com/mac923/offpeak-ev-controller/internal/special"
	"github.com/mac923/offpeak-ev-controller/internal/store"
	"github.com/mac923/offpeak-ev-controller/internal/token"
	"github.com/mac923/offpeak-ev-controller/internal/vehicle"
	"github.com/mac923/offpeak-ev-controller/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	log.Init(cfg.LogLevel, cfg.LogTextFormat)

	canonical := secretstore.NewRESTStore(cfg.SecretStoreURL, cfg.SecretStoreKey)
	legacy := secretstore.NewRESTStore(cfg.SecretStoreURL, cfg.SecretStoreKey)
	exchanger := vehicle.NewOAuthExchanger(
		cfg.VehicleAPIURL+"/oauth2/v3/token",
		os.Getenv("VEHICLE_CLIENT_ID"),
		os.Getenv("VEHICLE_CLIENT_SECRET"),
		cfg.VehicleAPIURL,
		30*time.Second,
	)
	tokens := token.NewWriter(canonical, legacy, exchanger, "fleet-tokens", "/tmp/offpeak-worker-tokens.json")

	px := proxy.New(proxy.Config{
		BinaryPath:      cfg.Proxy.BinaryPath,
		PrivateKeyPath:  cfg.Proxy.PrivateKeyPath,
		TLSDir:          cfg.Proxy.TLSDir,
		Host:            cfg.Proxy.ProxyHost,
		Port:            cfg.Proxy.ProxyPort,
		StartupTimeout:  cfg.Proxy.StartupTimeout,
		ShutdownTimeout: cfg.Proxy.ShutdownTimeout,
	})

	vehicleGateway := vehicle.New(vehicle.Config{BaseURL: cfg.VehicleAPIURL, Timeout: 30 * time.Second}, tokens, tokens, px)
	gatewayAdapter := special.GatewayAdapter{Gateway: vehicleGateway}

	st, err := newStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		os.Exit(1)
	}
	loc := cfg.Location()

	plannerClient := pricing.New(cfg.OffPeak.PlannerURL, cfg.OffPeak.PlannerAPIKey, cfg.OffPeak.PlannerTimeout)
	reconciler := offpeak.New(cfg.OffPeak, plannerClient, offpeak.GatewayAdapter{Gateway: vehicleGateway}, px, st, loc, cfg.HomeLatitude, cfg.HomeLongitude, cfg.HomeRadiusDeg)

	sheetsClient := sheets.New(cfg.Special.SheetsURL, cfg.Special.SheetsAPIKey, 30*time.Second)
	registrar := jobs.NewRegistrar(cfg.JobInvokerURL, cfg.JobInvokerToken, cfg.JobInvokerToken, 15*time.Second)
	planner := special.New(cfg.Special, loc, cfg.VIN, cfg.HomeLatitude, cfg.HomeLongitude, gatewayAdapter, px, sheetsClient, st, registrar, cfg.WorkerURL)

	dispatcherCfg := worker.Config{
		VIN:             cfg.VIN,
		PrivateKeyPath:  cfg.Proxy.PrivateKeyPath,
		HomeLatitude:    cfg.HomeLatitude,
		HomeLongitude:   cfg.HomeLongitude,
		HomeRadiusDeg:   cfg.HomeRadiusDeg,
		ChargeRateKW:    cfg.Special.ChargeRateKW,
		PackCapacityKWh: cfg.Special.PackCapacityKWh,
	}
	dispatcher := worker.New(dispatcherCfg, tokens, px, gatewayAdapter, reconciler, planner, st)

	if cfg.ContinuousMode {
		startContinuousScheduler(dispatcher)
	}

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	if err := dispatcher.Run(addr); err != nil {
		fmt.Fprintln(os.Stderr, "worker server:", err)
		os.Exit(1)
	}
}

func newStore() (store.Store, error) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		return store.NewGormStore(dsn)
	}
	return store.NewMemoryStore(), nil
}

// startContinuousScheduler wires §4.10's internal cron cadence into the
// Dispatcher's Trigger* methods (the direct-call path, not the HTTP
// handlers), in place of the external one-shot job invoker Continuous
// mode doesn't need.
func startContinuousScheduler(d *worker.Dispatcher) {
	sched := jobs.NewContinuousScheduler()

	runCycle := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		d.TriggerRunCycle(ctx)
	}

	if err := sched.AddDaytimeCycle(runCycle); err != nil {
		log.Errorf("schedule daytime cycle: %v", err)
	}
	if err := sched.AddOvernightCycle(runCycle); err != nil {
		log.Errorf("schedule overnight cycle: %v", err)
	}
	if err := sched.AddMidnightWake(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		d.TriggerMidnightWake(ctx)
	}); err != nil {
		log.Errorf("schedule midnight wake: %v", err)
	}
	if err := sched.AddDailySpecialCheck(6, 30, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		d.TriggerDailyCheck(ctx)
	}); err != nil {
		log.Errorf("schedule daily special check: %v", err)
	}
	sched.Start()
}
