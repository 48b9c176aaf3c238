package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Presence metrics
	PresenceEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicetime_presence_events_total",
			Help: "Total presence transitions received, by kind",
		},
		[]string{"kind"},
	)

	FeedErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicetime_feed_errors_total",
			Help: "Presence feed messages that could not be decoded or delivered",
		},
		[]string{"source"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voicetime_active_sessions",
			Help: "Number of open voice sessions",
		},
	)

	// Ledger metrics
	CommittedSeconds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicetime_committed_seconds_total",
			Help: "Total seconds committed to the ledger",
		},
		[]string{"group"},
	)

	CommitFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voicetime_commit_failures_total",
			Help: "Ledger commits that failed and were queued for retry",
		},
	)

	PendingEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voicetime_pending_entries",
			Help: "Ledger entries waiting to be retried",
		},
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voicetime_flush_duration_seconds",
			Help:    "Duration of periodic ledger flushes",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	ResetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voicetime_resets_total",
			Help: "Total group resets",
		},
	)

	PrunedEntries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voicetime_pruned_entries_total",
			Help: "Ledger day entries removed by retention",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicetime_api_requests_total",
			Help: "Total API requests processed",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voicetime_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		PresenceEventsTotal,
		FeedErrorsTotal,
		ActiveSessions,
		CommittedSeconds,
		CommitFailures,
		PendingEntries,
		FlushDuration,
		ResetsTotal,
		PrunedEntries,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
