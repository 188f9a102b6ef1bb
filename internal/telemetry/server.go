package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func speakerAttr(name string) attribute.KeyValue {
	return attribute.String("speaker", name)
}

// StatusSnapshot is served as JSON at GET /status for humans without a
// Prometheus scraper.
type StatusSnapshot struct {
	SessionID string          `json:"session_id"`
	UptimeS   float64         `json:"uptime_seconds"`
	State     string          `json:"state"`
	Speakers  []SpeakerStatus `json:"speakers"`
}

// SpeakerStatus is one speaker's entry in StatusSnapshot.
type SpeakerStatus struct {
	Name    string  `json:"name"`
	State   string  `json:"state"`
	TCoil   float64 `json:"t_coil"`
	TMagnet float64 `json:"t_magnet"`
	GainDB  float64 `json:"gain_db"`
}

// StatusFunc produces the current status snapshot on demand.
type StatusFunc func() StatusSnapshot

// Server serves /metrics (Prometheus scrape) and /status (JSON) on
// addr. It is not safety-critical: a bind failure or handler panic
// must never affect the control loop, which runs on a separate
// goroutine (see internal/supervisor).
type Server struct {
	http   *http.Server
	reader *sdkmetric.MeterProvider
}

// NewServer builds an OTel meter provider backed by a Prometheus
// exporter, creates a Metrics instance against it, and wires
// /metrics and /status behind a gorilla/mux router bound to addr.
func NewServer(addr string, status StatusFunc) (*Server, *Metrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	met, err := New(mp)
	if err != nil {
		return nil, nil, err
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status())
	}).Methods(http.MethodGet)

	return &Server{
		http:   &http.Server{Addr: addr, Handler: router},
		reader: mp,
	}, met, nil
}

// Serve blocks until the listener fails or ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.http.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.http.Shutdown(shutdownCtx)
		s.reader.Shutdown(shutdownCtx)
		return nil
	case err := <-errc:
		return err
	}
}
