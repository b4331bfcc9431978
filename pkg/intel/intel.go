// Package intel scores source addresses against threat context: a known
// malicious address list, signature behavior within the query window, and
// origin relative to the monitored network's home ranges.
package intel

import (
	"bufio"
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hervehildenbrand/threat-radar/pkg/logging"
	"github.com/hervehildenbrand/threat-radar/pkg/models"
)

// Risk score weights and thresholds.
const (
	weightFailedLogins     = 30 // three or more blocked login/brute attempts
	weightInternational    = 20 // source outside the home prefixes
	weightManySignatures   = 25 // three or more distinct signature IDs
	weightKnownMalicious   = 40 // on the known-bad list
	thresholdHigh          = 70
	thresholdMedium        = 35
	failedLoginMinimum     = 3
	distinctSignatureFloor = 3
)

const redisMaliciousKey = "threatradar:intel:malicious"

// defaultMalicious seeds the known-bad list. Addresses drawn from public Tor
// exit and abuse feeds.
var defaultMalicious = []string{
	"185.220.101.182", "93.95.230.253", "104.244.72.115", "192.42.116.16",
	"198.98.51.189", "185.220.101.195", "109.70.100.24", "198.96.155.3",
	"185.220.102.8", "185.220.101.40", "185.220.101.186", "109.70.100.23",
}

// defaultHomePrefixes are the ranges treated as local, non-international
// traffic when scoring.
var defaultHomePrefixes = []string{
	"129.25.", "172.16.", "172.17.", "172.18.", "172.19.", "172.20.", "172.21.",
	"192.168.", "10.",
}

// ispHint maps an address prefix to provider context for ip lookups.
type ispHint struct {
	prefix string
	isp    string
	asn    string
}

var ispHints = []ispHint{
	{"129.25.", "Stetson University", "AS7018 (STETSON-AS)"},
	{"185.", "European ISP", "AS12345 (EU-PROVIDER)"},
	{"93.", "European ISP", "AS12345 (EU-PROVIDER)"},
	{"109.", "European ISP", "AS12345 (EU-PROVIDER)"},
	{"13.", "Amazon Web Services", "AS16509 (AMAZON-02)"},
	{"52.", "Amazon Web Services", "AS16509 (AMAZON-02)"},
	{"54.", "Amazon Web Services", "AS16509 (AMAZON-02)"},
}

// Service answers reputation questions about source addresses. The optional
// Redis client shares the malicious list between processes; a nil client
// degrades to the local set.
type Service struct {
	redis *redis.Client
	ctx   context.Context

	mu           sync.RWMutex
	malicious    map[string]struct{}
	homePrefixes []string

	// Cache of positive Redis membership answers.
	seen sync.Map
}

// New creates an intel service seeded with the built-in malicious list. Empty
// homePrefixes selects the defaults.
func New(redisClient *redis.Client, homePrefixes []string) *Service {
	if len(homePrefixes) == 0 {
		homePrefixes = defaultHomePrefixes
	}
	s := &Service{
		redis:        redisClient,
		ctx:          context.Background(),
		malicious:    make(map[string]struct{}, len(defaultMalicious)),
		homePrefixes: homePrefixes,
	}
	for _, ip := range defaultMalicious {
		s.malicious[ip] = struct{}{}
	}
	return s
}

// LoadMaliciousFile merges addresses from a file (one per line, '#' comments)
// into the known-bad list, and into Redis when configured.
func (s *Service) LoadMaliciousFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	added := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		ip := strings.TrimSpace(scanner.Text())
		if ip == "" || strings.HasPrefix(ip, "#") {
			continue
		}
		s.AddMalicious(ip)
		added++
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	logging.Info("intel: loaded malicious addresses",
		zap.Int("added", added), zap.String("path", path))
	return nil
}

// AddMalicious marks an address as known-bad locally and in Redis.
func (s *Service) AddMalicious(ip string) {
	s.mu.Lock()
	s.malicious[ip] = struct{}{}
	s.mu.Unlock()

	if s.redis != nil {
		if err := s.redis.SAdd(s.ctx, redisMaliciousKey, ip).Err(); err != nil {
			logging.Warn("intel: redis SAdd failed", zap.Error(err))
		}
	}
}

// IsMalicious reports whether an address is on the known-bad list. Checks the
// local set first, then Redis; positive Redis answers are cached locally.
func (s *Service) IsMalicious(ip string) bool {
	s.mu.RLock()
	_, ok := s.malicious[ip]
	s.mu.RUnlock()
	if ok {
		return true
	}

	if _, ok := s.seen.Load(ip); ok {
		return true
	}
	if s.redis != nil && s.redis.SIsMember(s.ctx, redisMaliciousKey, ip).Val() {
		s.seen.Store(ip, time.Now())
		return true
	}
	return false
}

// IsHome reports whether an address falls inside the home prefixes.
func (s *Service) IsHome(ip string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, prefix := range s.homePrefixes {
		if strings.HasPrefix(ip, prefix) {
			return true
		}
	}
	return false
}

// ProviderHint returns static ISP/ASN context for an address.
func (s *Service) ProviderHint(ip string) (isp, asn string) {
	for _, h := range ispHints {
		if strings.HasPrefix(ip, h.prefix) {
			return h.isp, h.asn
		}
	}
	return "Unknown ISP", "Unknown ASN"
}

// Score computes the risk score and threat level for an address from its
// events within the caller's window. Pure over its inputs (given a fixed
// malicious list), so repeated calls against an unchanged snapshot agree.
func (s *Service) Score(ip string, events []models.Event) (int, models.Severity) {
	score := 0

	failedLogins := 0
	signatures := make(map[int]struct{})
	seen := false
	for _, e := range events {
		if e.SrcIP != ip {
			continue
		}
		seen = true
		if e.SignatureID != 0 {
			signatures[e.SignatureID] = struct{}{}
		}
		if e.Blocked && isLoginSignature(e.Signature) {
			failedLogins++
		}
	}
	if !seen {
		return 0, models.SeverityLow
	}

	if failedLogins >= failedLoginMinimum {
		score += weightFailedLogins
	}
	if !s.IsHome(ip) {
		score += weightInternational
	}
	if len(signatures) >= distinctSignatureFloor {
		score += weightManySignatures
	}
	if s.IsMalicious(ip) {
		score += weightKnownMalicious
	}

	switch {
	case score >= thresholdHigh:
		return score, models.SeverityHigh
	case score >= thresholdMedium:
		return score, models.SeverityMedium
	default:
		return score, models.SeverityLow
	}
}

func isLoginSignature(signature string) bool {
	sig := strings.ToLower(signature)
	return strings.Contains(sig, "ssh") ||
		strings.Contains(sig, "login") ||
		strings.Contains(sig, "brute")
}

// Count returns the size of the local malicious list.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.malicious)
}
