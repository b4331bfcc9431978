// Package server is the query façade: it translates external request shapes
// into aggregation engine calls, validates and defaults arguments, and shapes
// responses. It owns no aggregation state of its own.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/hervehildenbrand/threat-radar/pkg/database"
	"github.com/hervehildenbrand/threat-radar/pkg/engine"
	"github.com/hervehildenbrand/threat-radar/pkg/geo"
	"github.com/hervehildenbrand/threat-radar/pkg/logging"
	"github.com/hervehildenbrand/threat-radar/pkg/metrics"
	"github.com/hervehildenbrand/threat-radar/pkg/models"
	"github.com/hervehildenbrand/threat-radar/pkg/store"
)

// Argument clamping bounds.
const (
	DefaultWindowMinutes = 15
	DefaultMetricsWindow = 60
	DefaultLimit         = 200
	MaxLimit             = 1000
	maxPointMembers      = 100
)

// ScenarioSwitcher lets the façade redirect the synthetic producer.
type ScenarioSwitcher interface {
	SetScenario(name string) error
	Scenario() string
}

// Config wires the façade's collaborators. Archiver, Metrics, Simulator and
// Hub are optional.
type Config struct {
	Store     *store.Store
	Engine    *engine.Engine
	Resolver  geo.Resolver
	Hub       *Hub
	Archiver  *database.Archiver
	Metrics   *metrics.Metrics
	Simulator ScenarioSwitcher
}

// Server handles the external HTTP contract.
type Server struct {
	store     *store.Store
	engine    *engine.Engine
	resolver  geo.Resolver
	hub       *Hub
	archiver  *database.Archiver
	metrics   *metrics.Metrics
	simulator ScenarioSwitcher
}

// New creates the façade.
func New(cfg Config) *Server {
	return &Server{
		store:     cfg.Store,
		engine:    cfg.Engine,
		resolver:  cfg.Resolver,
		hub:       cfg.Hub,
		archiver:  cfg.Archiver,
		metrics:   cfg.Metrics,
		simulator: cfg.Simulator,
	}
}

// IngestEvent normalizes and stores one event, then fans it out to the live
// stream and the archive sink. Geo fields missing from the event are resolved
// from the source address.
func (s *Server) IngestEvent(e models.Event) (uint64, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Geo == (models.GeoPath{}) && s.resolver != nil {
		if loc, ok := s.resolver.Resolve(e.SrcIP); ok {
			e.Geo = loc.Path()
			if !e.HasCoords {
				e.Lat, e.Lon, e.HasCoords = loc.Lat, loc.Lon, true
			}
		}
	}

	id, err := s.store.Append(e)
	if err != nil {
		if s.metrics != nil {
			s.metrics.EventsIngested.WithLabelValues("rejected").Inc()
		}
		return 0, err
	}
	if s.metrics != nil {
		s.metrics.EventsIngested.WithLabelValues("accepted").Inc()
		s.metrics.StoreSize.Set(float64(s.store.Len()))
	}

	e.ID = id
	if s.hub != nil {
		s.hub.Broadcast(e)
	}
	if s.archiver != nil {
		s.archiver.Archive(e)
	}
	return id, nil
}

// SetSimulator attaches the scenario switcher. The simulator's sink is the
// server's own ingest path, so it cannot be part of the initial Config.
func (s *Server) SetSimulator(sim ScenarioSwitcher) {
	s.simulator = sim
}

// Router builds the chi router with the full endpoint set.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Post("/ingest", s.instrument("ingest", s.handleIngest))
	r.Get("/data", s.instrument("data", s.handleData))
	r.Get("/metrics", s.instrument("metrics", s.handleMetrics))
	r.Get("/alerts", s.instrument("alerts", s.handleAlerts))
	r.Get("/ipinfo", s.instrument("ipinfo", s.handleIPInfo))
	r.Get("/vulnerabilities", s.instrument("vulnerabilities", s.handleVulnerabilities))
	r.Get("/export", s.instrument("export", s.handleExport))
	r.Get("/simulate", s.instrument("simulate", s.handleSimulate))
	if s.hub != nil {
		r.Get("/stream", s.hub.ServeHTTP)
	}

	return r
}

// instrument observes per-endpoint latency and outcome.
func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next(ww, r)
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		status := "ok"
		if ww.Status() >= 400 {
			status = "error"
		}
		s.metrics.Queries.WithLabelValues(endpoint, status).Inc()
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}
