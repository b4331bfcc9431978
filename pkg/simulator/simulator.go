// Package simulator generates synthetic security events for demos and load
// testing. Scenarios shape the traffic mix; the active scenario can be
// switched at runtime.
package simulator

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hervehildenbrand/threat-radar/pkg/logging"
	"github.com/hervehildenbrand/threat-radar/pkg/models"
)

// Sink receives each generated event. The store's append path is the usual
// sink; tests substitute their own.
type Sink func(models.Event) (uint64, error)

// Scenario names
const (
	ScenarioNormal     = "normal"
	ScenarioBruteforce = "bruteforce"
	ScenarioWebExploit = "webexploit"
	ScenarioMalware    = "malware"
)

// signatureProfile is one weighted signature choice within a scenario.
type signatureProfile struct {
	weight      int
	signature   string
	signatureID int
	severity    models.Severity
	proto       string
	destPort    int
	blockRate   float64 // probability the event is blocked
}

type scenarioProfile struct {
	signatures []signatureProfile
	// attackerBias shifts traffic toward the hostile source pool.
	attackerBias float64
}

var scenarios = map[string]scenarioProfile{
	ScenarioNormal: {
		attackerBias: 0.15,
		signatures: []signatureProfile{
			{40, "ET POLICY HTTP GET to external host", 2101001, models.SeverityLow, "TCP", 80, 0.02},
			{30, "ET POLICY TLS handshake", 2101002, models.SeverityLow, "TCP", 443, 0.01},
			{15, "ET DNS query for suspicious TLD", 2101003, models.SeverityLow, "UDP", 53, 0.10},
			{10, "ET SCAN Nmap TCP scan", 2101004, models.SeverityMedium, "TCP", 22, 0.60},
			{5, "ET POLICY SMTP outbound", 2101005, models.SeverityLow, "TCP", 25, 0.05},
		},
	},
	ScenarioBruteforce: {
		attackerBias: 0.75,
		signatures: []signatureProfile{
			{45, "ET SCAN SSH brute force login attempt", 2201001, models.SeverityHigh, "TCP", 22, 0.85},
			{25, "ET SCAN RDP brute force attempt", 2201002, models.SeverityHigh, "TCP", 3389, 0.85},
			{15, "ET WEB_SERVER WordPress login brute forcing", 2201003, models.SeverityMedium, "TCP", 443, 0.70},
			{10, "ET SCAN FTP brute force login", 2201004, models.SeverityMedium, "TCP", 21, 0.75},
			{5, "ET POLICY HTTP GET to external host", 2101001, models.SeverityLow, "TCP", 80, 0.02},
		},
	},
	ScenarioWebExploit: {
		attackerBias: 0.65,
		signatures: []signatureProfile{
			{30, "ET WEB_SERVER SQL injection attempt in URI", 2301001, models.SeverityHigh, "TCP", 443, 0.80},
			{25, "ET WEB_SERVER Cross-site scripting attempt", 2301002, models.SeverityMedium, "TCP", 443, 0.70},
			{20, "ET WEB_SERVER Path traversal attempt", 2301003, models.SeverityMedium, "TCP", 80, 0.75},
			{15, "ET EXPLOIT Apache log4j RCE attempt", 2301004, models.SeverityHigh, "TCP", 8080, 0.90},
			{10, "ET POLICY HTTP GET to external host", 2101001, models.SeverityLow, "TCP", 80, 0.02},
		},
	},
	ScenarioMalware: {
		attackerBias: 0.55,
		signatures: []signatureProfile{
			{35, "ET MALWARE C2 beacon detected", 2401001, models.SeverityHigh, "TCP", 443, 0.90},
			{25, "ET TROJAN DNS query for known C2 domain", 2401002, models.SeverityHigh, "UDP", 53, 0.80},
			{20, "ET MALWARE ransomware checkin", 2401003, models.SeverityHigh, "TCP", 8443, 0.95},
			{15, "ET POLICY executable download", 2401004, models.SeverityMedium, "TCP", 80, 0.50},
			{5, "ET POLICY TLS handshake", 2101002, models.SeverityLow, "TCP", 443, 0.01},
		},
	},
}

// homeSources are benign internal prefixes; a random host octet is appended.
var homeSources = []string{"10.0.0.", "10.77.1.", "192.168.1.", "172.16.4."}

// attackerSources lean on the hostile external pool, known-bad addresses
// included so intel scoring has something to find.
var attackerSources = []string{
	"185.220.101.45",
	"45.155.205.233",
	"103.251.167.20",
	"91.240.118.172",
	"194.165.16.98",
	"203.0.113.66",
	"201.48.22.17",
	"180.101.88.240",
}

// Simulator drives a Sink with scenario-shaped events at a fixed rate.
type Simulator struct {
	sink     Sink
	interval time.Duration
	rng      *rand.Rand

	mu       sync.RWMutex
	scenario string

	done    chan struct{}
	wg      sync.WaitGroup
	running bool

	// Stats
	generated uint64
	failed    uint64
}

// New creates a simulator producing eventsPerSecond events into sink.
func New(sink Sink, eventsPerSecond float64) *Simulator {
	if eventsPerSecond <= 0 {
		eventsPerSecond = 5
	}
	return &Simulator{
		sink:     sink,
		interval: time.Duration(float64(time.Second) / eventsPerSecond),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		scenario: ScenarioNormal,
		done:     make(chan struct{}),
	}
}

// Scenarios lists the valid scenario names, sorted.
func Scenarios() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetScenario switches the traffic mix. Unknown names are rejected and the
// current scenario keeps running.
func (s *Simulator) SetScenario(name string) error {
	if _, ok := scenarios[name]; !ok {
		return fmt.Errorf("unknown scenario %q", name)
	}
	s.mu.Lock()
	s.scenario = name
	s.mu.Unlock()
	logging.Info("simulator: scenario set", zap.String("scenario", name))
	return nil
}

// Scenario returns the active scenario name.
func (s *Simulator) Scenario() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scenario
}

// Start begins generating events in the background.
func (s *Simulator) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runLoop()
	logging.Info("simulator: started",
		zap.String("scenario", s.Scenario()),
		zap.Duration("interval", s.interval))
}

// Stop halts generation and waits for the loop to exit.
func (s *Simulator) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	logging.Info("simulator: stopped",
		zap.Uint64("generated", atomic.LoadUint64(&s.generated)),
		zap.Uint64("failed", atomic.LoadUint64(&s.failed)))
}

func (s *Simulator) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e := s.Generate()
			if _, err := s.sink(e); err != nil {
				atomic.AddUint64(&s.failed, 1)
				continue
			}
			atomic.AddUint64(&s.generated, 1)
		case <-s.done:
			return
		}
	}
}

// Generate produces one event from the active scenario's mix.
func (s *Simulator) Generate() models.Event {
	s.mu.RLock()
	profile := scenarios[s.scenario]
	s.mu.RUnlock()

	sig := s.pickSignature(profile.signatures)

	var srcIP string
	if s.rng.Float64() < profile.attackerBias {
		srcIP = attackerSources[s.rng.Intn(len(attackerSources))]
	} else {
		srcIP = fmt.Sprintf("%s%d", homeSources[s.rng.Intn(len(homeSources))], 2+s.rng.Intn(250))
	}

	return models.Event{
		Timestamp:   time.Now().UTC(),
		SrcIP:       srcIP,
		SrcPort:     1024 + s.rng.Intn(64000),
		DestIP:      fmt.Sprintf("10.0.0.%d", 2+s.rng.Intn(20)),
		DestPort:    sig.destPort,
		Proto:       sig.proto,
		Signature:   sig.signature,
		SignatureID: sig.signatureID,
		Severity:    sig.severity,
		Blocked:     s.rng.Float64() < sig.blockRate,
	}
}

func (s *Simulator) pickSignature(pool []signatureProfile) signatureProfile {
	total := 0
	for _, p := range pool {
		total += p.weight
	}
	n := s.rng.Intn(total)
	for _, p := range pool {
		if n < p.weight {
			return p
		}
		n -= p.weight
	}
	return pool[len(pool)-1]
}

// Stats returns simulator statistics.
func (s *Simulator) Stats() map[string]interface{} {
	return map[string]interface{}{
		"scenario":  s.Scenario(),
		"generated": atomic.LoadUint64(&s.generated),
		"failed":    atomic.LoadUint64(&s.failed),
	}
}
