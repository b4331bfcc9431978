// Package engine is the read path: on-demand rollups, KPI metrics, alert
// listings and address lookups over a caller-specified time window.
//
// Every operation works on a single store snapshot and sorts with explicit
// tie-breaks, so two calls with identical arguments against an unchanged
// store return identical results.
package engine

import (
	"sort"
	"time"

	"github.com/hervehildenbrand/threat-radar/pkg/geo"
	"github.com/hervehildenbrand/threat-radar/pkg/intel"
	"github.com/hervehildenbrand/threat-radar/pkg/models"
	"github.com/hervehildenbrand/threat-radar/pkg/store"
)

// DefaultTopK caps rollup results when the caller does not say otherwise.
const DefaultTopK = 200

// topSignatureCount bounds the metrics top_signatures list.
const topSignatureCount = 5

// topVulnerabilityCount bounds the vulnerabilities list.
const topVulnerabilityCount = 10

// maliciousRatioThreshold marks an IP malicious-in-window when its blocked
// ratio strictly exceeds it.
const maliciousRatioThreshold = 0.5

// InvalidArgumentError reports an out-of-range query parameter.
type InvalidArgumentError struct {
	Param  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return "invalid argument: " + e.Param + ": " + e.Reason
}

// StatusFilter restricts an operation to blocked or allowed events.
type StatusFilter string

// Status filters
const (
	StatusAll     StatusFilter = "all"
	StatusAllowed StatusFilter = "allowed"
	StatusBlocked StatusFilter = "blocked"
)

// SortKey selects alert ordering. All orderings are stable so that repeated
// dashboard polls do not flicker rows with equal keys.
type SortKey string

// Alert sort keys
const (
	SortTimeAsc  SortKey = "time_asc"
	SortTimeDesc SortKey = "time_desc"
	SortIP       SortKey = "ip"
	SortSeverity SortKey = "severity"
	SortCount    SortKey = "count"
)

// Engine computes aggregations over the store's current window.
type Engine struct {
	store *store.Store
	intel *intel.Service
}

// New creates an aggregation engine over a store.
func New(st *store.Store, in *intel.Service) *Engine {
	return &Engine{store: st, intel: in}
}

// Rollup groups the window's events at the requested hierarchy level and
// returns the topK buckets by count descending, ties broken lexicographically
// by label. Requesting more buckets than exist returns them all, no padding.
func (e *Engine) Rollup(windowMinutes int, level geo.Level, topK int, status StatusFilter) ([]*geo.Bucket, error) {
	if windowMinutes <= 0 {
		return nil, &InvalidArgumentError{Param: "minutes", Reason: "must be positive"}
	}
	if topK <= 0 {
		return nil, &InvalidArgumentError{Param: "top_k", Reason: "must be a positive integer"}
	}
	if level.Depth() == 0 && level != geo.LevelPoint {
		return nil, &InvalidArgumentError{Param: "level", Reason: "unknown hierarchy level"}
	}

	events := e.window(windowMinutes, status)
	buckets := geo.GroupByLevel(events, level)

	sort.SliceStable(buckets, func(i, j int) bool {
		if buckets[i].Count != buckets[j].Count {
			return buckets[i].Count > buckets[j].Count
		}
		return buckets[i].Label < buckets[j].Label
	})
	if len(buckets) > topK {
		buckets = buckets[:topK]
	}
	return buckets, nil
}

// ThreatLevels counts window IPs per threat level.
type ThreatLevels struct {
	High   int `json:"High"`
	Medium int `json:"Medium"`
	Low    int `json:"Low"`
}

// SignatureCount is one ranked signature entry.
type SignatureCount struct {
	Signature string `json:"sig"`
	Count     int    `json:"count"`
}

// Summary is the KPI rollup for the dashboard header.
type Summary struct {
	TotalEvents     int              `json:"total_events"`
	BlockedEvents   int              `json:"blocked_events"`
	UniqueSourceIPs int              `json:"unique_source_ips"`
	ThreatLevels    ThreatLevels     `json:"threat_levels"`
	TopSignatures   []SignatureCount `json:"top_signatures"`
	MaliciousIPs    []string         `json:"malicious_ips"`
}

// Metrics computes the KPI summary for the window. Threat levels are counted
// per unique source IP, not per event.
func (e *Engine) Metrics(windowMinutes int) (*Summary, error) {
	if windowMinutes <= 0 {
		return nil, &InvalidArgumentError{Param: "minutes", Reason: "must be positive"}
	}

	events := e.store.Snapshot(windowMinutes)

	s := &Summary{
		TopSignatures: []SignatureCount{},
		MaliciousIPs:  []string{},
	}
	bySig := make(map[string]int)
	perIP := make(map[string]*ipTally)

	for _, ev := range events {
		s.TotalEvents++
		if ev.Blocked {
			s.BlockedEvents++
		}
		if ev.Signature != "" {
			bySig[ev.Signature]++
		}
		t := perIP[ev.SrcIP]
		if t == nil {
			t = &ipTally{}
			perIP[ev.SrcIP] = t
		}
		t.count++
		if ev.Blocked {
			t.blocked++
		}
	}
	s.UniqueSourceIPs = len(perIP)

	for _, ip := range sortedIPs(perIP) {
		_, level := e.intel.Score(ip, events)
		switch level {
		case models.SeverityHigh:
			s.ThreatLevels.High++
		case models.SeverityMedium:
			s.ThreatLevels.Medium++
		default:
			s.ThreatLevels.Low++
		}

		t := perIP[ip]
		if float64(t.blocked)/float64(t.count) > maliciousRatioThreshold {
			s.MaliciousIPs = append(s.MaliciousIPs, ip)
		}
	}
	// Rank malicious IPs by event count, ties lexicographic.
	sort.SliceStable(s.MaliciousIPs, func(i, j int) bool {
		a, b := s.MaliciousIPs[i], s.MaliciousIPs[j]
		if perIP[a].count != perIP[b].count {
			return perIP[a].count > perIP[b].count
		}
		return a < b
	})

	s.TopSignatures = rankSignatures(bySig, topSignatureCount)
	return s, nil
}

// Alert is one raw alert row: the event plus its source's in-window risk.
type Alert struct {
	models.Event
	RiskScore   int             `json:"risk_score"`
	ThreatLevel models.Severity `json:"threat_level"`
}

// IPAlert is one aggregated alert row per distinct source IP.
type IPAlert struct {
	IP          string          `json:"ip"`
	Count       int             `json:"count"`
	Blocked     int             `json:"blocked"`
	Allowed     int             `json:"allowed"`
	Signature   string          `json:"signature"` // dominant
	Severity    models.Severity `json:"severity"`  // dominant
	LastSeen    time.Time       `json:"last_seen"`
	Lat         float64         `json:"lat"`
	Lon         float64         `json:"lon"`
	City        string          `json:"city,omitempty"`
	RiskScore   int             `json:"risk_score"`
	ThreatLevel models.Severity `json:"threat_level"`
}

// AlertQuery parameterizes Alerts.
type AlertQuery struct {
	WindowMinutes int
	Limit         int
	Sort          SortKey
	Severity      models.Severity // empty means all severities
	AggregateByIP bool
}

// AlertsResult carries either raw rows or per-IP rows, matching the query.
type AlertsResult struct {
	Rows []Alert   `json:"rows,omitempty"`
	IPs  []IPAlert `json:"ips,omitempty"`
}

// Alerts lists the window's events, optionally aggregated per source IP.
func (e *Engine) Alerts(q AlertQuery) (*AlertsResult, error) {
	if q.WindowMinutes <= 0 {
		return nil, &InvalidArgumentError{Param: "minutes", Reason: "must be positive"}
	}
	if q.Limit <= 0 {
		return nil, &InvalidArgumentError{Param: "limit", Reason: "must be a positive integer"}
	}
	switch q.Sort {
	case SortTimeAsc, SortTimeDesc, SortIP, SortSeverity, SortCount:
	default:
		return nil, &InvalidArgumentError{Param: "sort", Reason: "unknown sort key"}
	}
	if q.Severity != "" {
		if _, err := models.ParseSeverity(string(q.Severity)); err != nil {
			return nil, &InvalidArgumentError{Param: "severity", Reason: "unknown severity"}
		}
	}

	events := e.store.Snapshot(q.WindowMinutes)
	if q.Severity != "" {
		filtered := events[:0:0]
		for _, ev := range events {
			if ev.Severity == q.Severity {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}

	if q.AggregateByIP {
		return &AlertsResult{IPs: e.aggregateAlerts(events, q)}, nil
	}
	return &AlertsResult{Rows: e.rawAlerts(events, q)}, nil
}

func (e *Engine) rawAlerts(events []models.Event, q AlertQuery) []Alert {
	scores := make(map[string]Alert, 64)
	rows := make([]Alert, 0, len(events))
	for _, ev := range events {
		cached, ok := scores[ev.SrcIP]
		if !ok {
			score, level := e.intel.Score(ev.SrcIP, events)
			cached = Alert{RiskScore: score, ThreatLevel: level}
			scores[ev.SrcIP] = cached
		}
		rows = append(rows, Alert{Event: ev, RiskScore: cached.RiskScore, ThreatLevel: cached.ThreatLevel})
	}

	// Rows start in insertion order; stable sorts preserve it on equal keys.
	switch q.Sort {
	case SortTimeAsc:
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp.Before(rows[j].Timestamp) })
	case SortTimeDesc:
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp.After(rows[j].Timestamp) })
	case SortIP:
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].SrcIP < rows[j].SrcIP })
	case SortSeverity:
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Severity.Rank() > rows[j].Severity.Rank() })
	case SortCount:
		// Every raw row counts one; the stable sort keeps insertion order.
	}

	if len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows
}

func (e *Engine) aggregateAlerts(events []models.Event, q AlertQuery) []IPAlert {
	type agg struct {
		row       IPAlert
		bySig     map[string]int
		bySev     map[models.Severity]int
		hasCoords bool
	}
	byIP := make(map[string]*agg)

	for _, ev := range events {
		a := byIP[ev.SrcIP]
		if a == nil {
			a = &agg{
				row:   IPAlert{IP: ev.SrcIP},
				bySig: make(map[string]int),
				bySev: make(map[models.Severity]int),
			}
			byIP[ev.SrcIP] = a
		}
		a.row.Count++
		if ev.Blocked {
			a.row.Blocked++
		} else {
			a.row.Allowed++
		}
		a.bySig[ev.Signature]++
		a.bySev[ev.Severity]++
		if ev.Timestamp.After(a.row.LastSeen) {
			a.row.LastSeen = ev.Timestamp
		}
		if !a.hasCoords && ev.HasCoords {
			a.row.Lat, a.row.Lon = ev.Lat, ev.Lon
			a.row.City = ev.Geo.City
			a.hasCoords = true
		}
	}

	ips := make([]string, 0, len(byIP))
	for ip := range byIP {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	rows := make([]IPAlert, 0, len(byIP))
	for _, ip := range ips {
		a := byIP[ip]
		a.row.Signature = dominantKey(a.bySig)
		a.row.Severity = dominantSeverity(a.bySev)
		a.row.RiskScore, a.row.ThreatLevel = e.intel.Score(ip, events)
		rows = append(rows, a.row)
	}

	// Base order is IP-lexicographic, so every stable sort below has a
	// deterministic tie-break.
	switch q.Sort {
	case SortTimeAsc:
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].LastSeen.Before(rows[j].LastSeen) })
	case SortTimeDesc:
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].LastSeen.After(rows[j].LastSeen) })
	case SortIP:
	case SortSeverity:
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Severity.Rank() > rows[j].Severity.Rank() })
	case SortCount:
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Count > rows[j].Count })
	}

	if len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows
}

// Vulnerability is one ranked blocked-signature entry.
type Vulnerability struct {
	Signature  string  `json:"signature"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// Vulnerabilities ranks signatures among the window's blocked events, with
// each signature's share of the blocked total. Ordering matches the metrics
// top_signatures rules.
func (e *Engine) Vulnerabilities(windowMinutes int) ([]Vulnerability, int, error) {
	if windowMinutes <= 0 {
		return nil, 0, &InvalidArgumentError{Param: "minutes", Reason: "must be positive"}
	}

	events := e.store.Snapshot(windowMinutes)
	bySig := make(map[string]int)
	total := 0
	for _, ev := range events {
		if ev.Blocked && ev.Signature != "" {
			bySig[ev.Signature]++
			total++
		}
	}

	ranked := rankSignatures(bySig, topVulnerabilityCount)
	out := make([]Vulnerability, 0, len(ranked))
	for _, sc := range ranked {
		pct := 0.0
		if total > 0 {
			pct = float64(sc.Count) / float64(total) * 100
			pct = float64(int(pct*10+0.5)) / 10 // one decimal place
		}
		out = append(out, Vulnerability{Signature: sc.Signature, Count: sc.Count, Percentage: pct})
	}
	return out, total, nil
}

// IPInfo is the enrichment record for a single address.
type IPInfo struct {
	IP               string          `json:"ip"`
	Found            bool            `json:"found"`
	ISP              string          `json:"isp"`
	ASN              string          `json:"asn"`
	City             string          `json:"city,omitempty"`
	Region           string          `json:"region,omitempty"`
	Country          string          `json:"country,omitempty"`
	Lat              float64         `json:"latitude"`
	Lon              float64         `json:"longitude"`
	RiskScore        int             `json:"risk_score"`
	ThreatLevel      models.Severity `json:"threat_level"`
	IsMalicious      bool            `json:"is_malicious"`
	TotalEvents      int             `json:"total_events"`
	BlockedEvents    int             `json:"blocked"`
	AllowedEvents    int             `json:"allowed"`
	UniqueSignatures int             `json:"unique_signatures"`
	LastSeen         time.Time       `json:"last_seen,omitempty"`
}

// IPLookup enriches one address from the window's events plus the static
// intel context. An address with no events yields Found=false with whatever
// static context applies, never an error.
func (e *Engine) IPLookup(ip string, windowMinutes int) (*IPInfo, error) {
	if ip == "" {
		return nil, &InvalidArgumentError{Param: "ip", Reason: "missing"}
	}
	if windowMinutes <= 0 {
		return nil, &InvalidArgumentError{Param: "minutes", Reason: "must be positive"}
	}

	events := e.store.Snapshot(windowMinutes)

	info := &IPInfo{
		IP:          ip,
		IsMalicious: e.intel.IsMalicious(ip),
		ThreatLevel: models.SeverityLow,
	}
	info.ISP, info.ASN = e.intel.ProviderHint(ip)

	signatures := make(map[int]struct{})
	var last *models.Event
	for i, ev := range events {
		if ev.SrcIP != ip {
			continue
		}
		info.Found = true
		info.TotalEvents++
		if ev.Blocked {
			info.BlockedEvents++
		} else {
			info.AllowedEvents++
		}
		if ev.SignatureID != 0 {
			signatures[ev.SignatureID] = struct{}{}
		}
		if last == nil || !ev.Timestamp.Before(last.Timestamp) {
			last = &events[i]
		}
	}
	if !info.Found {
		return info, nil
	}

	info.UniqueSignatures = len(signatures)
	info.LastSeen = last.Timestamp
	info.City = last.Geo.City
	info.Region = last.Geo.Region
	info.Country = last.Geo.Country
	if last.HasCoords {
		info.Lat, info.Lon = last.Lat, last.Lon
	}
	info.RiskScore, info.ThreatLevel = e.intel.Score(ip, events)
	return info, nil
}

type ipTally struct {
	count   int
	blocked int
}

func (e *Engine) window(windowMinutes int, status StatusFilter) []models.Event {
	events := e.store.Snapshot(windowMinutes)
	if status == "" || status == StatusAll {
		return events
	}
	filtered := events[:0:0]
	for _, ev := range events {
		if (status == StatusBlocked) == ev.Blocked {
			filtered = append(filtered, ev)
		}
	}
	return filtered
}

// rankSignatures orders signature counts descending, ties lexicographic, and
// truncates to n.
func rankSignatures(bySig map[string]int, n int) []SignatureCount {
	out := make([]SignatureCount, 0, len(bySig))
	for sig, count := range bySig {
		out = append(out, SignatureCount{Signature: sig, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Signature < out[j].Signature
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func sortedIPs(m map[string]*ipTally) []string {
	ips := make([]string, 0, len(m))
	for ip := range m {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

func dominantKey(m map[string]int) string {
	best, bestCount := "", -1
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if m[k] > bestCount {
			best, bestCount = k, m[k]
		}
	}
	return best
}

func dominantSeverity(m map[models.Severity]int) models.Severity {
	best := models.SeverityLow
	bestCount := -1
	for _, sev := range []models.Severity{models.SeverityLow, models.SeverityMedium, models.SeverityHigh} {
		if c := m[sev]; c >= bestCount && c > 0 {
			best, bestCount = sev, c
		}
	}
	return best
}
