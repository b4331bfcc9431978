// Package geo groups events into hierarchical location buckets and resolves
// source addresses to locations.
package geo

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/hervehildenbrand/threat-radar/pkg/models"
)

// Level selects the hierarchy depth a rollup groups at.
type Level string

// Hierarchy levels, coarsest first.
const (
	LevelContinent Level = "continent"
	LevelCountry   Level = "country"
	LevelState     Level = "state"
	LevelCity      Level = "city"
	LevelPoint     Level = "point"
)

// PathDelimiter joins geo-path segments in bucket labels.
const PathDelimiter = " / "

// pointPrecision is the coordinate-equality tolerance at point level:
// coordinates are equal when they match to 6 decimal places.
const pointPrecision = 1e6

// ParseLevel parses a hierarchy level string.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelContinent:
		return LevelContinent, nil
	case LevelCountry:
		return LevelCountry, nil
	case LevelState:
		return LevelState, nil
	case LevelCity:
		return LevelCity, nil
	case LevelPoint:
		return LevelPoint, nil
	}
	return "", fmt.Errorf("unknown level %q", s)
}

// Depth returns how many geo-path segments the level spans. Point has no
// prefix depth; it groups by exact coordinate instead.
func (l Level) Depth() int {
	switch l {
	case LevelContinent:
		return 1
	case LevelCountry:
		return 2
	case LevelState:
		return 3
	case LevelCity:
		return 4
	}
	return 0
}

// Bucket is an ephemeral grouping of events sharing a geo-label prefix at one
// level. Buckets reference events for the duration of one aggregation pass
// and are never persisted.
type Bucket struct {
	Label   string
	Lat     float64 // centroid
	Lon     float64
	Count   int
	Blocked int
	Allowed int

	// Members is populated at point level only, to support client fan-out.
	Members []models.Event

	ipCounts  map[string]int
	sevCounts map[models.Severity]int
	sumLat    float64
	sumLon    float64
	numCoords int
}

func (b *Bucket) add(e models.Event, keepMember bool) {
	b.Count++
	if e.Blocked {
		b.Blocked++
	} else {
		b.Allowed++
	}
	b.ipCounts[e.SrcIP]++
	b.sevCounts[e.Severity]++
	if e.HasCoords {
		b.sumLat += e.Lat
		b.sumLon += e.Lon
		b.numCoords++
	}
	if keepMember {
		b.Members = append(b.Members, e)
	}
}

// TopIPs returns the n most frequent source IPs, count descending, ties
// lexicographic.
func (b *Bucket) TopIPs(n int) []string {
	ips := make([]string, 0, len(b.ipCounts))
	for ip := range b.ipCounts {
		ips = append(ips, ip)
	}
	sort.Slice(ips, func(i, j int) bool {
		if b.ipCounts[ips[i]] != b.ipCounts[ips[j]] {
			return b.ipCounts[ips[i]] > b.ipCounts[ips[j]]
		}
		return ips[i] < ips[j]
	})
	if n > 0 && len(ips) > n {
		ips = ips[:n]
	}
	return ips
}

// DominantSeverity returns the most frequent member severity; ties resolve to
// the more severe.
func (b *Bucket) DominantSeverity() models.Severity {
	best := models.SeverityLow
	bestCount := -1
	for _, sev := range []models.Severity{models.SeverityLow, models.SeverityMedium, models.SeverityHigh} {
		if c := b.sevCounts[sev]; c >= bestCount && c > 0 {
			best, bestCount = sev, c
		}
	}
	return best
}

// GroupByLevel buckets events by their geo-label prefix truncated to the
// requested level. Two events share a bucket iff their prefixes are equal
// through the level inclusive. Events missing a segment required by the level
// fall into an explicit Unknown position, never silently dropped.
//
// The result is ordered by label for deterministic output; ranking is the
// engine's job.
func GroupByLevel(events []models.Event, level Level) []*Bucket {
	byKey := make(map[string]*Bucket)
	point := level == LevelPoint

	for _, e := range events {
		key, label := bucketKey(e, level)
		b, ok := byKey[key]
		if !ok {
			b = &Bucket{
				Label:     label,
				ipCounts:  make(map[string]int),
				sevCounts: make(map[models.Severity]int),
			}
			byKey[key] = b
		}
		b.add(e, point)
	}

	out := make([]*Bucket, 0, len(byKey))
	for _, b := range byKey {
		if b.numCoords > 0 {
			b.Lat = b.sumLat / float64(b.numCoords)
			b.Lon = b.sumLon / float64(b.numCoords)
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

func bucketKey(e models.Event, level Level) (key, label string) {
	if level == LevelPoint {
		if !e.HasCoords {
			return "point:unknown", models.Unknown
		}
		lat := math.Round(e.Lat*pointPrecision) / pointPrecision
		lon := math.Round(e.Lon*pointPrecision) / pointPrecision
		label = fmt.Sprintf("%.6f, %.6f", lat, lon)
		return "point:" + label, label
	}

	segs := e.Geo.Segments()
	parts := make([]string, level.Depth())
	for i := range parts {
		if segs[i] != "" {
			parts[i] = segs[i]
		} else {
			parts[i] = models.Unknown
		}
	}
	label = strings.Join(parts, PathDelimiter)
	return label, label
}
