package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerAppends counts committed ledger rows by entry type.
	LedgerAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_appends_total",
		Help: "Number of ledger entries appended, by entry type.",
	}, []string{"entry_type"})

	// SettlementBatches counts committed settlement batches.
	SettlementBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_batches_total",
		Help: "Number of surebet settlement batches committed.",
	})

	// FXFallbacks counts fundings/settlements that used the fallback FX rate.
	FXFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fx_fallback_total",
		Help: "Number of operations that fell back to the default FX rate.",
	})
)

type HealthFunc func(ctx context.Context) error

// StartServer runs a lightweight HTTP server for /metrics and /healthz on
// its own port, in its own goroutine.
func StartServer(port string, healthFn HealthFunc) *http.Server {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()

		if err := healthFn(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(fmt.Sprintf("unhealthy: %v", err)))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	go func() {
		_ = srv.ListenAndServe()
	}()

	return srv
}
