package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"creditledger/internal/ledger"
)

const purgeLease = "idempotency_purge"

var purgedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ledger_idempotency_records_purged_total",
	Help: "Expired idempotency records removed by the purge sweep",
})

// Purge removes expired idempotency records. Dropping them is safe: the
// unique constraint on ledger entry external references outlives the
// cache and keeps replays from double-crediting.
type Purge struct {
	store    ledger.Store
	interval time.Duration
}

func NewPurge(store ledger.Store, interval time.Duration) *Purge {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Purge{store: store, interval: interval}
}

func (p *Purge) Start(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("idempotency purge sweep is running", "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Purge) Stop(ctx context.Context) error { return nil }

func (p *Purge) sweep(ctx context.Context) {
	release, ok, err := p.store.AcquireSweepLease(ctx, purgeLease)
	if err != nil {
		slog.Error("purge sweep lease failed", "error", err)
		return
	}
	if !ok {
		return
	}
	defer release()

	n, err := p.store.PurgeIdempotency(ctx, time.Now())
	if err != nil {
		slog.Error("purge sweep failed", "error", err)
		return
	}
	if n > 0 {
		purgedTotal.Add(float64(n))
		slog.Info("purge sweep removed expired idempotency records", "count", n)
	}
}
