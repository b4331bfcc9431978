// Package models defines the normalized security event shape shared by the
// store, the aggregation engine and the query façade.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Clock-skew tolerance for event timestamps relative to the ingestion clock.
// Arrival order is only guaranteed to match timestamp order within this bound.
const (
	MaxTimestampLag  = 2 * time.Minute
	MaxTimestampLead = 10 * time.Second
)

// Severity classifies an event's threat severity.
type Severity string

// Severity levels
const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ParseSeverity parses a severity string (case-insensitive).
// Unrecognized values are rejected, never coerced.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityLow:
		return SeverityLow, nil
	case SeverityMedium:
		return SeverityMedium, nil
	case SeverityHigh:
		return SeverityHigh, nil
	}
	return "", &ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", s)}
}

// Rank orders severities for sorting: low < medium < high.
func (s Severity) Rank() int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	}
	return 0
}

// Unknown is the label used when a geo segment is missing at a requested level.
const Unknown = "Unknown"

// GeoPath is an ordered hierarchical location path. Segments are optional from
// the leaf inward: a path may carry only continent+country, but never a city
// without a country.
type GeoPath struct {
	Continent string `json:"continent,omitempty"`
	Country   string `json:"country,omitempty"`
	Region    string `json:"region,omitempty"`
	City      string `json:"city,omitempty"`
}

// Segments returns the path in hierarchy order, outermost first.
func (g GeoPath) Segments() [4]string {
	return [4]string{g.Continent, g.Country, g.Region, g.City}
}

// Validate checks that no segment follows a gap (e.g. a city with no country).
func (g GeoPath) Validate() error {
	segs := g.Segments()
	names := [4]string{"continent", "country", "region", "city"}
	gap := -1
	for i, s := range segs {
		if s == "" {
			if gap < 0 {
				gap = i
			}
			continue
		}
		if gap >= 0 {
			return &ValidationError{
				Field:  "geo." + names[i],
				Reason: fmt.Sprintf("segment set but %s is empty", names[gap]),
			}
		}
	}
	return nil
}

// Event is a normalized security event. Immutable once stored; the store is
// the only writer of ID.
type Event struct {
	ID          uint64    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	SrcIP       string    `json:"src_ip"`
	SrcPort     int       `json:"src_port,omitempty"`
	DestIP      string    `json:"dest_ip,omitempty"`
	DestPort    int       `json:"dest_port,omitempty"`
	Proto       string    `json:"proto,omitempty"`
	Signature   string    `json:"signature"`
	SignatureID int       `json:"signature_id,omitempty"`
	Severity    Severity  `json:"severity"`
	Blocked     bool      `json:"blocked"`
	Geo         GeoPath   `json:"geo"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	HasCoords   bool      `json:"has_coords"`
}

// Validate checks the required fields against the ingestion clock `now`.
// A failing event is dropped as a whole, never partially stored.
func (e *Event) Validate(now time.Time) error {
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "missing"}
	}
	if e.Timestamp.Before(now.Add(-MaxTimestampLag)) {
		return &ValidationError{Field: "timestamp", Reason: "older than clock-skew tolerance"}
	}
	if e.Timestamp.After(now.Add(MaxTimestampLead)) {
		return &ValidationError{Field: "timestamp", Reason: "ahead of clock-skew tolerance"}
	}
	if strings.TrimSpace(e.SrcIP) == "" {
		return &ValidationError{Field: "src_ip", Reason: "missing"}
	}
	if _, err := ParseSeverity(string(e.Severity)); err != nil {
		return err
	}
	return e.Geo.Validate()
}

// ValidationError reports a malformed or missing event field at ingestion.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid event: " + e.Field + ": " + e.Reason
}
