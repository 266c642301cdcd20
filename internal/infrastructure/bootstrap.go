package infrastructure

import (
	"context"
	"log/slog"

	"creditledger/internal/cache"
	"creditledger/internal/config"
	"creditledger/internal/ledger"
	"creditledger/internal/reservation"
	"creditledger/internal/store/postgres"
	transportHTTP "creditledger/internal/transport/http"
	transportNATS "creditledger/internal/transport/nats"
	"creditledger/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the
// application. Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	store, err := postgres.New(ctx, cfg.DSN())
	if err != nil {
		return nil, nil, err
	}
	store.LockTimeout = cfg.LockTimeout

	rdb, err := connectRedis(cfg.RedisAddr())
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, func() {
		store.Close()
		_ = rdb.Close()
	})

	var bus ledger.MessageBus
	nc, err := connectNats(cfg.NatsAddr())
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	if nc != nil {
		bus = transportNATS.NewBus(nc)
		cleanupFns = append(cleanupFns, nc.Close)
	} else {
		slog.Info("NATS not configured, event bus disabled")
	}

	processor := ledger.NewProcessor(store, cache.NewRedis(rdb), bus)
	coordinator := reservation.NewCoordinator(processor, store)
	coordinator.StaleAfter = cfg.ReservationStale
	coordinator.OpTimeout = cfg.ExternalOpTimeout

	servers := []Server{
		worker.NewRecovery(coordinator, store, cfg.RecoveryInterval),
		worker.NewPurge(store, cfg.PurgeInterval),
	}
	if nc != nil {
		servers = append(servers, transportNATS.NewHandler(processor, nc))
	}
	if addr, apiErr := cfg.ApiAddr(); apiErr == nil {
		servers = append(servers, transportHTTP.NewServer(addr, processor))
	}

	return NewApp(servers), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions
// in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
