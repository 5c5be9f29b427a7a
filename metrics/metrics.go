package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for the coordination engine. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Transfers       *prometheus.CounterVec
	ForcedTakeovers prometheus.Counter
	Fenced          *prometheus.CounterVec
	Generation      prometheus.Gauge
	SessionState    *prometheus.GaugeVec
	PairingResults  *prometheus.CounterVec
	Events          *prometheus.CounterVec
	PeersKnown      prometheus.Gauge
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mirage",
			Name:      "ownership_transfers_total",
			Help:      "Ownership transfers by outcome.",
		}, []string{"outcome"}),
		ForcedTakeovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mirage",
			Name:      "forced_takeovers_total",
			Help:      "Ownership taken after the grace period expired.",
		}),
		Fenced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mirage",
			Name:      "fenced_messages_total",
			Help:      "Messages rejected for carrying a stale generation.",
		}, []string{"component"}),
		Generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mirage",
			Name:      "session_generation",
			Help:      "Current ownership generation of the active session.",
		}),
		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mirage",
			Name:      "session_state",
			Help:      "1 for the current session state, 0 otherwise.",
		}, []string{"state"}),
		PairingResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mirage",
			Name:      "pairing_results_total",
			Help:      "Pairing attempts by result.",
		}, []string{"result"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mirage",
			Name:      "input_events_total",
			Help:      "Input events by routing decision.",
		}, []string{"decision"}),
		PeersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mirage",
			Name:      "discovered_peers",
			Help:      "Peers currently in the discovery table.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Transfers,
			m.ForcedTakeovers,
			m.Fenced,
			m.Generation,
			m.SessionState,
			m.PairingResults,
			m.Events,
			m.PeersKnown,
		)
	}
	return m
}

// TransferOutcome counts one finished transfer attempt.
func (m *Metrics) TransferOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Transfers.WithLabelValues(outcome).Inc()
}

// ForcedTakeover counts a takeover after grace expiry.
func (m *Metrics) ForcedTakeover() {
	if m == nil {
		return
	}
	m.ForcedTakeovers.Inc()
}

// FencedMessage counts a stale-generation rejection.
func (m *Metrics) FencedMessage(component string) {
	if m == nil {
		return
	}
	m.Fenced.WithLabelValues(component).Inc()
}

// SetSession publishes the current state and generation.
func (m *Metrics) SetSession(state string, generation uint64) {
	if m == nil {
		return
	}
	m.SessionState.Reset()
	m.SessionState.WithLabelValues(state).Set(1)
	m.Generation.Set(float64(generation))
}

// PairingResult counts a pairing outcome.
func (m *Metrics) PairingResult(result string) {
	if m == nil {
		return
	}
	m.PairingResults.WithLabelValues(result).Inc()
}

// Event counts a routing decision for one input event.
func (m *Metrics) Event(decision string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(decision).Inc()
}

// SetPeers publishes the discovery table size.
func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.PeersKnown.Set(float64(n))
}

// Serve exposes gatherer on address under /metrics until ctx is cancelled.
func Serve(ctx context.Context, address string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
