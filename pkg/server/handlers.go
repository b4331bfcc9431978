package server

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hervehildenbrand/threat-radar/pkg/engine"
	"github.com/hervehildenbrand/threat-radar/pkg/geo"
	"github.com/hervehildenbrand/threat-radar/pkg/logging"
	"github.com/hervehildenbrand/threat-radar/pkg/models"
)

const maxIngestBody = 4 << 20

// ingestEvent is the wire shape accepted by POST /ingest. Pointer fields
// distinguish absent from zero; blocked in particular is required and is
// never inferred.
type ingestEvent struct {
	Timestamp   string          `json:"timestamp"`
	SrcIP       string          `json:"src_ip"`
	SrcPort     int             `json:"src_port"`
	DestIP      string          `json:"dest_ip"`
	DestPort    int             `json:"dest_port"`
	Proto       string          `json:"proto"`
	Signature   string          `json:"signature"`
	SignatureID int             `json:"signature_id"`
	Severity    string          `json:"severity"`
	Blocked     *bool           `json:"blocked"`
	Geo         *models.GeoPath `json:"geo"`
	Lat         *float64        `json:"lat"`
	Lon         *float64        `json:"lon"`
}

func (p *ingestEvent) toEvent() (models.Event, error) {
	if p.Blocked == nil {
		return models.Event{}, &models.ValidationError{Field: "blocked", Reason: "missing"}
	}
	e := models.Event{
		SrcIP:       p.SrcIP,
		SrcPort:     p.SrcPort,
		DestIP:      p.DestIP,
		DestPort:    p.DestPort,
		Proto:       p.Proto,
		Signature:   p.Signature,
		SignatureID: p.SignatureID,
		Severity:    models.Severity(p.Severity),
		Blocked:     *p.Blocked,
	}
	if p.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, p.Timestamp)
		if err != nil {
			return models.Event{}, &models.ValidationError{Field: "timestamp", Reason: "not RFC 3339"}
		}
		e.Timestamp = ts.UTC()
	}
	if p.Geo != nil {
		e.Geo = *p.Geo
	}
	if p.Lat != nil && p.Lon != nil {
		e.Lat, e.Lon, e.HasCoords = *p.Lat, *p.Lon, true
	}
	return e, nil
}

type ingestError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// handleIngest accepts a single event object or an array of them. Each event
// is accepted or rejected independently.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	var payloads []ingestEvent
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(body, &payloads); err != nil {
			writeError(w, http.StatusBadRequest, "malformed JSON array")
			return
		}
	} else {
		var one ingestEvent
		if err := json.Unmarshal(body, &one); err != nil {
			writeError(w, http.StatusBadRequest, "malformed JSON object")
			return
		}
		payloads = []ingestEvent{one}
	}

	ingested, rejected := 0, 0
	var errs []ingestError
	for i, p := range payloads {
		e, err := p.toEvent()
		if err == nil {
			_, err = s.IngestEvent(e)
		}
		if err != nil {
			rejected++
			if len(errs) < 20 {
				errs = append(errs, ingestError{Index: i, Error: err.Error()})
			}
			continue
		}
		ingested++
	}

	status := http.StatusOK
	if ingested == 0 && rejected > 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]interface{}{
		"ingested": ingested,
		"rejected": rejected,
		"errors":   errs,
	})
}

// handleData serves the map rollup as a GeoJSON FeatureCollection.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	minutes, err := s.windowParam(r, "minutes", DefaultWindowMinutes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	topK, err := clampedParam(r, "top_k", DefaultLimit, 1, MaxLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	level := geo.LevelCountry
	if v := r.URL.Query().Get("level"); v != "" {
		level, err = geo.ParseLevel(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown level")
			return
		}
	}
	status := engine.StatusAll
	switch v := r.URL.Query().Get("status"); v {
	case "", "all":
	case "allowed":
		status = engine.StatusAllowed
	case "blocked":
		status = engine.StatusBlocked
	default:
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	buckets, err := s.engine.Rollup(minutes, level, topK, status)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	features := make([]map[string]interface{}, 0, len(buckets))
	for _, b := range buckets {
		ratio := 0.0
		if b.Count > 0 {
			ratio = float64(b.Allowed) / float64(b.Count)
			ratio = float64(int(ratio*1000+0.5)) / 1000
		}
		props := map[string]interface{}{
			"label":         b.Label,
			"count":         b.Count,
			"blocked":       b.Blocked,
			"allowed":       b.Allowed,
			"allowed_ratio": ratio,
			"top_ips":       b.TopIPs(3),
			"severity":      b.DominantSeverity(),
		}
		if level == geo.LevelPoint && len(b.Members) > 0 {
			members := b.Members
			if len(members) > maxPointMembers {
				members = members[len(members)-maxPointMembers:]
			}
			summaries := make([]map[string]interface{}, 0, len(members))
			for _, m := range members {
				summaries = append(summaries, map[string]interface{}{
					"ip":        m.SrcIP,
					"lat":       m.Lat,
					"lon":       m.Lon,
					"signature": m.Signature,
					"severity":  m.Severity,
					"blocked":   m.Blocked,
					"time":      m.Timestamp,
				})
			}
			props["members"] = summaries
		}
		features = append(features, map[string]interface{}{
			"type": "Feature",
			"geometry": map[string]interface{}{
				"type":        "Point",
				"coordinates": []float64{b.Lon, b.Lat},
			},
			"properties": props,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"type":     "FeatureCollection",
		"features": features,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	minutes, err := s.windowParam(r, "minutes", DefaultMetricsWindow)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.engine.Metrics(minutes)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	minutes, err := s.windowParam(r, "minutes", DefaultWindowMinutes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := clampedParam(r, "limit", DefaultLimit, 1, MaxLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	query := engine.AlertQuery{
		WindowMinutes: minutes,
		Limit:         limit,
		Sort:          engine.SortTimeDesc,
		AggregateByIP: q.Get("aggregate") == "ip",
	}
	if v := q.Get("sort"); v != "" {
		query.Sort = engine.SortKey(v)
	}
	if v := q.Get("severity"); v != "" {
		query.Severity = models.Severity(v)
	}

	result, err := s.engine.Alerts(query)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	resp := map[string]interface{}{"timeframe_minutes": minutes}
	if query.AggregateByIP {
		resp["alerts"] = result.IPs
		resp["count"] = len(result.IPs)
	} else {
		resp["alerts"] = result.Rows
		resp["count"] = len(result.Rows)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIPInfo(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	minutes, err := s.windowParam(r, "minutes", DefaultMetricsWindow)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := s.engine.IPLookup(ip, minutes)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleVulnerabilities(w http.ResponseWriter, r *http.Request) {
	minutes, err := s.windowParam(r, "minutes", DefaultMetricsWindow)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	vulns, total, err := s.engine.Vulnerabilities(minutes)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"vulnerabilities":   vulns,
		"total_attacks":     total,
		"timeframe_minutes": minutes,
	})
}

// handleExport dumps the window's raw events as JSON or CSV.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	minutes, err := s.windowParam(r, "minutes", s.store.RetentionMinutes())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events := s.store.Snapshot(minutes)

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"events":            events,
			"count":             len(events),
			"timeframe_minutes": minutes,
		})
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="events.csv"`)
		cw := csv.NewWriter(w)
		cw.Write([]string{
			"id", "timestamp", "src_ip", "src_port", "dest_ip", "dest_port",
			"proto", "signature", "signature_id", "severity", "blocked",
			"continent", "country", "region", "city", "lat", "lon",
		})
		for _, e := range events {
			cw.Write([]string{
				strconv.FormatUint(e.ID, 10),
				e.Timestamp.UTC().Format(time.RFC3339),
				e.SrcIP,
				strconv.Itoa(e.SrcPort),
				e.DestIP,
				strconv.Itoa(e.DestPort),
				e.Proto,
				e.Signature,
				strconv.Itoa(e.SignatureID),
				string(e.Severity),
				strconv.FormatBool(e.Blocked),
				e.Geo.Continent,
				e.Geo.Country,
				e.Geo.Region,
				e.Geo.City,
				strconv.FormatFloat(e.Lat, 'f', 6, 64),
				strconv.FormatFloat(e.Lon, 'f', 6, 64),
			})
		}
		cw.Flush()
	default:
		writeError(w, http.StatusBadRequest, "unknown export format")
	}
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	if s.simulator == nil {
		writeError(w, http.StatusServiceUnavailable, "simulator not enabled")
		return
	}
	scenario := r.URL.Query().Get("scenario")
	if scenario == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"scenario": s.simulator.Scenario()})
		return
	}
	if err := s.simulator.SetScenario(scenario); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logging.Info("scenario switched", zap.String("scenario", scenario))
	writeJSON(w, http.StatusOK, map[string]interface{}{"scenario": scenario})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"events":            s.store.Len(),
		"retention_minutes": s.store.RetentionMinutes(),
	})
}

// windowParam reads a minutes parameter and clamps it to [1, retention].
func (s *Server) windowParam(r *http.Request, name string, def int) (int, error) {
	v, err := clampedParam(r, name, def, 1, s.store.RetentionMinutes())
	if err != nil {
		return 0, err
	}
	return v, nil
}

// clampedParam reads an integer query parameter. Out-of-range values clamp;
// non-numeric values are rejected.
func clampedParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		if def > hi {
			return hi, nil
		}
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: not an integer", name)
	}
	if v < lo {
		return lo, nil
	}
	if v > hi {
		return hi, nil
	}
	return v, nil
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var invalid *engine.InvalidArgumentError
	var validation *models.ValidationError
	switch {
	case errors.As(err, &invalid), errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logging.Error("query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("response encode failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
