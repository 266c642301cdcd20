// Package worker contains the ledger's periodic background sweeps. Both
// run on a timer and are single-flight cluster-wide: a store lease makes
// sure only one instance of each sweep is active at a time.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"creditledger/internal/ledger"
	"creditledger/internal/reservation"
)

const recoveryLease = "reservation_recovery"

var recoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ledger_reservations_recovered_total",
	Help: "Stale reservations resolved by the recovery sweep",
})

// Recovery periodically resolves reservations stuck in the debited
// state past the coordinator's staleness threshold.
type Recovery struct {
	coordinator *reservation.Coordinator
	store       ledger.Store
	interval    time.Duration
}

func NewRecovery(coordinator *reservation.Coordinator, store ledger.Store, interval time.Duration) *Recovery {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Recovery{coordinator: coordinator, store: store, interval: interval}
}

// Start runs the sweep loop until ctx is cancelled.
func (r *Recovery) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("reservation recovery sweep is running", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Recovery) Stop(ctx context.Context) error { return nil }

func (r *Recovery) sweep(ctx context.Context) {
	release, ok, err := r.store.AcquireSweepLease(ctx, recoveryLease)
	if err != nil {
		slog.Error("recovery sweep lease failed", "error", err)
		return
	}
	if !ok {
		return
	}
	defer release()

	resolved, err := r.coordinator.Recover(ctx)
	if err != nil {
		slog.Error("recovery sweep failed", "error", err)
		return
	}
	if resolved > 0 {
		recoveredTotal.Add(float64(resolved))
		slog.Info("recovery sweep resolved stale reservations", "count", resolved)
	}
}
