// threat-radar - In-memory security event monitor with geo rollups, risk
// scoring and a live dashboard stream.
//
// Usage:
//
//	threat-radar -addr=:8080 -retention=60 -geoip=GeoLite2-City.mmdb
//
// Environment variables (alternative to flags):
//
//	THREAT_RADAR_ADDR          - HTTP listen address
//	THREAT_RADAR_METRICS_ADDR  - Prometheus listen address
//	THREAT_RADAR_REDIS         - Redis URL (shared intel set)
//	THREAT_RADAR_DATABASE      - PostgreSQL URL (event archive)
//	THREAT_RADAR_GEOIP         - Path to a MaxMind City mmdb file
//	THREAT_RADAR_GEO_DATA      - Path to a prefix,lat,lon,... CSV file
//	THREAT_RADAR_INTEL         - Path to a known-malicious IP list
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hervehildenbrand/threat-radar/pkg/database"
	"github.com/hervehildenbrand/threat-radar/pkg/engine"
	"github.com/hervehildenbrand/threat-radar/pkg/geo"
	"github.com/hervehildenbrand/threat-radar/pkg/intel"
	"github.com/hervehildenbrand/threat-radar/pkg/logging"
	"github.com/hervehildenbrand/threat-radar/pkg/metrics"
	"github.com/hervehildenbrand/threat-radar/pkg/server"
	"github.com/hervehildenbrand/threat-radar/pkg/simulator"
	"github.com/hervehildenbrand/threat-radar/pkg/store"
)

var (
	addrFlag        = flag.String("addr", "", "HTTP listen address (default :8080)")
	metricsAddrFlag = flag.String("metrics-addr", "", "Prometheus listen address (default :9100)")
	redisURLFlag    = flag.String("redis", "", "Redis URL (optional, e.g., redis://localhost:6379)")
	databaseURLFlag = flag.String("database", "", "PostgreSQL URL (optional, event archive)")
	geoipFlag       = flag.String("geoip", "", "Path to MaxMind City mmdb file (optional)")
	geoDataFlag     = flag.String("geo-data", "", "Path to prefix CSV geo table (optional)")
	intelFlag       = flag.String("intel", "", "Path to known-malicious IP list (optional)")
	homePrefixes    = flag.String("home-prefixes", "", "Comma-separated prefixes treated as home network")
	retention       = flag.Int("retention", store.DefaultRetentionMinutes, "Event retention window in minutes")
	maxEvents       = flag.Int("max-events", store.DefaultMaxEvents, "Event capacity ceiling")
	simulate        = flag.Bool("simulate", false, "Generate synthetic traffic")
	simRate         = flag.Float64("sim-rate", 5, "Synthetic events per second")
	environment     = flag.String("env", "development", "Environment (development|production)")
	logLevel        = flag.String("log-level", "info", "Log level (debug|info|warn|error)")
	statsInterval   = flag.Duration("stats", 30*time.Second, "Stats logging interval")
)

// getEnvOrFlag returns the flag value if set, otherwise the environment variable, otherwise the default.
func getEnvOrFlag(flagVal *string, envName, defaultVal string) string {
	if *flagVal != "" {
		return *flagVal
	}
	if env := os.Getenv(envName); env != "" {
		return env
	}
	return defaultVal
}

func main() {
	godotenv.Load()
	flag.Parse()

	logging.Init(*environment, *logLevel)
	defer logging.Sync()
	logging.Info("threat-radar starting")

	addr := getEnvOrFlag(addrFlag, "THREAT_RADAR_ADDR", ":8080")
	metricsAddr := getEnvOrFlag(metricsAddrFlag, "THREAT_RADAR_METRICS_ADDR", ":9100")
	redisURL := getEnvOrFlag(redisURLFlag, "THREAT_RADAR_REDIS", "")
	databaseURL := getEnvOrFlag(databaseURLFlag, "THREAT_RADAR_DATABASE", "")
	geoipPath := getEnvOrFlag(geoipFlag, "THREAT_RADAR_GEOIP", "")
	geoDataPath := getEnvOrFlag(geoDataFlag, "THREAT_RADAR_GEO_DATA", "")
	intelPath := getEnvOrFlag(intelFlag, "THREAT_RADAR_INTEL", "")

	// Connect to Redis (optional)
	var redisClient *redis.Client
	if redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			logging.Warn("invalid Redis URL", zap.Error(err))
		} else {
			redisClient = redis.NewClient(opt)
			if err := redisClient.Ping(context.Background()).Err(); err != nil {
				logging.Warn("Redis connection failed", zap.Error(err))
				redisClient = nil
			} else {
				logging.Info("connected to Redis", zap.String("url", redisURL))
			}
		}
	}

	// Geo resolver priority: mmdb > CSV file > built-in static table
	var resolver geo.Resolver = geo.NewStaticResolver()
	if geoipPath != "" {
		mmdb, err := geo.NewMMDBResolver(geoipPath)
		if err != nil {
			logging.Warn("failed to open mmdb", zap.String("path", geoipPath), zap.Error(err))
		} else {
			resolver = mmdb
			logging.Info("using MaxMind geo resolver", zap.String("path", geoipPath))
		}
	} else if geoDataPath != "" {
		fileResolver, err := geo.NewFileResolver(geoDataPath)
		if err != nil {
			logging.Warn("failed to load geo CSV", zap.String("path", geoDataPath), zap.Error(err))
		} else {
			resolver = fileResolver
			logging.Info("using file geo resolver",
				zap.String("path", geoDataPath), zap.Int("prefixes", resolver.Count()))
		}
	}
	resolver.Start()

	// Intel service with optional extra malicious addresses
	var prefixes []string
	if *homePrefixes != "" {
		for _, p := range strings.Split(*homePrefixes, ",") {
			prefixes = append(prefixes, strings.TrimSpace(p))
		}
	}
	intelSvc := intel.New(redisClient, prefixes)
	if intelPath != "" {
		if err := intelSvc.LoadMaliciousFile(intelPath); err != nil {
			logging.Warn("failed to load intel list", zap.String("path", intelPath), zap.Error(err))
		} else {
			logging.Info("loaded intel list", zap.Int("addresses", intelSvc.Count()))
		}
	}

	// Archive sink (optional)
	var archiver *database.Archiver
	if databaseURL != "" {
		var err error
		archiver, err = database.NewArchiver(databaseURL)
		if err != nil {
			logging.Warn("database connection failed", zap.Error(err))
			archiver = nil
		} else {
			archiver.Start()
		}
	}

	m := metrics.New()
	st := store.New(*retention, *maxEvents)
	eng := engine.New(st, intelSvc)
	hub := server.NewHub(m)

	srv := server.New(server.Config{
		Store:    st,
		Engine:   eng,
		Resolver: resolver,
		Hub:      hub,
		Archiver: archiver,
		Metrics:  m,
	})

	// Synthetic traffic (optional)
	var sim *simulator.Simulator
	if *simulate {
		sim = simulator.New(srv.IngestEvent, *simRate)
		srv.SetSimulator(sim)
		sim.Start()
	}

	httpSrv := &http.Server{Addr: addr, Handler: srv.Router()}
	go func() {
		logging.Info("HTTP listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	metricsSrv := &http.Server{Addr: metricsAddr, Handler: metrics.Handler()}
	go func() {
		logging.Info("Prometheus listening", zap.String("addr", metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Warn("metrics server failed", zap.Error(err))
		}
	}()

	done := make(chan struct{})

	// Background eviction keeps the window fresh between appends.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := st.EvictExpired(); n > 0 {
					m.EventsEvicted.Add(float64(n))
					m.StoreSize.Set(float64(st.Len()))
				}
			case <-done:
				return
			}
		}
	}()

	// Periodic stats logging
	go func() {
		ticker := time.NewTicker(*statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fields := []zap.Field{
					zap.Any("store", st.Stats()),
					zap.Any("stream", hub.Stats()),
				}
				if archiver != nil {
					fields = append(fields, zap.Any("archive", archiver.Stats()))
				}
				if sim != nil {
					fields = append(fields, zap.Any("simulator", sim.Stats()))
				}
				logging.Info("stats", fields...)
			case <-done:
				return
			}
		}
	}()

	// Wait for interrupt
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logging.Info("shutting down")
	close(done)

	if sim != nil {
		sim.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(ctx)
	metricsSrv.Shutdown(ctx)

	hub.Stop()
	if archiver != nil {
		archiver.Stop()
	}
	resolver.Stop()

	logging.Info("final stats", zap.Any("store", st.Stats()))
}
