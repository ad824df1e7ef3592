// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stats

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/ingressmeter/internal/errors"
	"grimm.is/ingressmeter/internal/logging"
)

// Exporter serves collector samples over HTTP: Prometheus text on /metrics
// and a JSON snapshot on /stats.
type Exporter struct {
	collector *Collector
	gatherer  prometheus.Gatherer
	config    ExportConfig
	logger    *logging.Logger

	server   *http.Server
	listener net.Listener
}

// ExportConfig configuration for statistics export
type ExportConfig struct {
	Listen          string        `json:"listen"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// DefaultExportConfig returns default export configuration
func DefaultExportConfig() ExportConfig {
	return ExportConfig{
		Listen:          "127.0.0.1:9464",
		ShutdownTimeout: 5 * time.Second,
	}
}

// NewExporter creates a new statistics exporter. A nil gatherer serves the
// default Prometheus registry.
func NewExporter(collector *Collector, gatherer prometheus.Gatherer, config ExportConfig, logger *logging.Logger) *Exporter {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = logging.WithComponent("exporter")
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	return &Exporter{
		collector: collector,
		gatherer:  gatherer,
		config:    config,
		logger:    logger,
	}
}

// Handler returns the exporter's HTTP routes.
func (e *Exporter) Handler() http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(e.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/stats", e.handleStats).Methods("GET")
	router.HandleFunc("/stats/{key:[0-9]+}", e.handleCounter).Methods("GET")
	return router
}

// Start binds the listen address and serves until ctx is done.
func (e *Exporter) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.config.Listen)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "listen on %s", e.config.Listen)
	}
	e.listener = ln
	e.server = &http.Server{
		Handler:           e.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		e.logger.Info("Metrics endpoint listening", "addr", ln.Addr().String())
		if err := e.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			e.logger.Error("Metrics server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), e.config.ShutdownTimeout)
		defer cancel()
		if err := e.server.Shutdown(shutdownCtx); err != nil {
			e.logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address once Start has succeeded.
func (e *Exporter) Addr() string {
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

type counterJSON struct {
	Key       string   `json:"key"`
	ID        uint32   `json:"id"`
	Total     uint64   `json:"total"`
	TotalText string   `json:"total_human"`
	Delta     uint64   `json:"delta"`
	PerCPU    []uint64 `json:"per_cpu"`
	Rate      float64  `json:"rate"`
}

type statsJSON struct {
	Source    string        `json:"source"`
	Timestamp int64         `json:"timestamp"`
	Counters  []counterJSON `json:"counters"`
}

// handleStats serves the last collector round as JSON
func (e *Exporter) handleStats(w http.ResponseWriter, r *http.Request) {
	out := statsJSON{
		Source:    e.collector.SourceName(),
		Timestamp: e.collector.GetLastUpdate().Unix(),
		Counters:  []counterJSON{},
	}
	for _, s := range e.collector.Last() {
		out.Counters = append(out.Counters, toCounterJSON(s))
	}
	writeJSON(w, out)
}

// handleCounter serves the last sample of one key
func (e *Exporter) handleCounter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["key"], 10, 32)
	if err != nil {
		http.Error(w, "invalid key", http.StatusBadRequest)
		return
	}
	for _, s := range e.collector.Last() {
		if uint64(s.Key) == id {
			writeJSON(w, toCounterJSON(s))
			return
		}
	}
	http.Error(w, "no sample for key "+strconv.FormatUint(id, 10), http.StatusNotFound)
}

func toCounterJSON(s Sample) counterJSON {
	return counterJSON{
		Key:       s.Key.String(),
		ID:        uint32(s.Key),
		Total:     s.Total,
		TotalText: humanize.IBytes(s.Total),
		Delta:     s.Delta,
		PerCPU:    s.PerCPU,
		Rate:      s.Rate,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
