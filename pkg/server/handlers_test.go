package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hervehildenbrand/threat-radar/pkg/engine"
	"github.com/hervehildenbrand/threat-radar/pkg/geo"
	"github.com/hervehildenbrand/threat-radar/pkg/intel"
	"github.com/hervehildenbrand/threat-radar/pkg/store"
)

func newTestServer() *Server {
	st := store.New(60, 0)
	in := intel.New(nil, nil)
	return New(Config{
		Store:    st,
		Engine:   engine.New(st, in),
		Resolver: geo.NewStaticResolver(),
	})
}

func doRequest(srv *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, bytes.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func ingestBody(ip, signature string, blocked bool) []byte {
	return []byte(fmt.Sprintf(
		`{"timestamp":%q,"src_ip":%q,"signature":%q,"severity":"medium","blocked":%t}`,
		time.Now().UTC().Format(time.RFC3339), ip, signature, blocked))
}

func TestIngestSingleEvent(t *testing.T) {
	srv := newTestServer()

	w := doRequest(srv, http.MethodPost, "/ingest", ingestBody("203.0.113.5", "ET SCAN Nmap", true))
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, float64(1), body["ingested"])
	assert.Equal(t, float64(0), body["rejected"])
	assert.Equal(t, 1, srv.store.Len())
}

func TestIngestArrayMixedValidity(t *testing.T) {
	srv := newTestServer()

	now := time.Now().UTC().Format(time.RFC3339)
	payload := fmt.Sprintf(`[
		{"timestamp":%q,"src_ip":"203.0.113.5","signature":"a","severity":"low","blocked":false},
		{"timestamp":%q,"src_ip":"","signature":"b","severity":"low","blocked":true},
		{"timestamp":%q,"src_ip":"203.0.113.6","signature":"c","severity":"bogus","blocked":true},
		{"timestamp":%q,"src_ip":"203.0.113.7","signature":"d","severity":"high","blocked":true}
	]`, now, now, now, now)

	w := doRequest(srv, http.MethodPost, "/ingest", []byte(payload))
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, float64(2), body["ingested"])
	assert.Equal(t, float64(2), body["rejected"])

	errs, ok := body["errors"].([]interface{})
	require.True(t, ok)
	require.Len(t, errs, 2)
	first := errs[0].(map[string]interface{})
	assert.Equal(t, float64(1), first["index"])
	assert.Contains(t, first["error"], "src_ip")
}

func TestIngestMissingBlockedRejected(t *testing.T) {
	srv := newTestServer()

	payload := fmt.Sprintf(`{"timestamp":%q,"src_ip":"203.0.113.5","signature":"x","severity":"low"}`,
		time.Now().UTC().Format(time.RFC3339))
	w := doRequest(srv, http.MethodPost, "/ingest", []byte(payload))

	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(0), body["ingested"])
	errs := body["errors"].([]interface{})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].(map[string]interface{})["error"], "blocked")
}

func TestIngestMalformedJSON(t *testing.T) {
	srv := newTestServer()
	w := doRequest(srv, http.MethodPost, "/ingest", []byte(`{not json`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestResolvesGeoFromSource(t *testing.T) {
	srv := newTestServer()

	w := doRequest(srv, http.MethodPost, "/ingest", ingestBody("185.200.1.2", "probe", true))
	require.Equal(t, http.StatusOK, w.Code)

	events := srv.store.Snapshot(60)
	require.Len(t, events, 1)
	assert.Equal(t, "United Kingdom", events[0].Geo.Country)
	assert.Equal(t, "London", events[0].Geo.City)
	assert.True(t, events[0].HasCoords)
}

func TestDataGeoJSONShape(t *testing.T) {
	srv := newTestServer()

	for i := 0; i < 3; i++ {
		w := doRequest(srv, http.MethodPost, "/ingest", ingestBody("203.0.113.5", "scan", true))
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := doRequest(srv, http.MethodPost, "/ingest", ingestBody("201.10.0.9", "scan", false))
	require.Equal(t, http.StatusOK, w.Code)

	resp := doRequest(srv, http.MethodGet, "/data?level=country&minutes=15", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	body := decodeBody(t, resp)
	assert.Equal(t, "FeatureCollection", body["type"])
	features := body["features"].([]interface{})
	require.Len(t, features, 2)

	// Ranked by count descending, so Canada (3 events) comes first.
	first := features[0].(map[string]interface{})
	props := first["properties"].(map[string]interface{})
	assert.Equal(t, "North America / Canada", props["label"])
	assert.Equal(t, float64(3), props["count"])
	assert.Equal(t, float64(3), props["blocked"])
	assert.Equal(t, float64(0), props["allowed_ratio"])

	geom := first["geometry"].(map[string]interface{})
	assert.Equal(t, "Point", geom["type"])
	coords := geom["coordinates"].([]interface{})
	require.Len(t, coords, 2)
	assert.InDelta(t, -79.3832, coords[0].(float64), 0.001)
	assert.InDelta(t, 43.6532, coords[1].(float64), 0.001)

	second := features[1].(map[string]interface{})
	sprops := second["properties"].(map[string]interface{})
	assert.Equal(t, "South America / Brazil", sprops["label"])
	assert.Equal(t, float64(1), sprops["allowed_ratio"])
}

func TestDataPointLevelMembers(t *testing.T) {
	srv := newTestServer()

	w := doRequest(srv, http.MethodPost, "/ingest", ingestBody("203.0.113.5", "scan", true))
	require.Equal(t, http.StatusOK, w.Code)

	resp := doRequest(srv, http.MethodGet, "/data?level=point", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	body := decodeBody(t, resp)
	features := body["features"].([]interface{})
	require.Len(t, features, 1)
	props := features[0].(map[string]interface{})["properties"].(map[string]interface{})
	members := props["members"].([]interface{})
	require.Len(t, members, 1)
	assert.Equal(t, "203.0.113.5", members[0].(map[string]interface{})["ip"])
}

func TestDataRejectsBadArguments(t *testing.T) {
	srv := newTestServer()

	for _, target := range []string{
		"/data?level=galaxy",
		"/data?minutes=abc",
		"/data?status=maybe",
		"/data?top_k=ten",
	} {
		w := doRequest(srv, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func TestDataClampsOutOfRangeValues(t *testing.T) {
	srv := newTestServer()

	w := doRequest(srv, http.MethodPost, "/ingest", ingestBody("203.0.113.5", "scan", true))
	require.Equal(t, http.StatusOK, w.Code)

	// minutes above retention and top_k above the cap clamp, not error.
	resp := doRequest(srv, http.MethodGet, "/data?minutes=99999&top_k=99999", nil)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = doRequest(srv, http.MethodGet, "/data?minutes=-5&top_k=0", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestMetricsEmptyWindow(t *testing.T) {
	srv := newTestServer()

	w := doRequest(srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, float64(0), body["total_events"])
	assert.Equal(t, float64(0), body["unique_source_ips"])

	// Empty lists stay lists, never null.
	sigs, ok := body["top_signatures"].([]interface{})
	require.True(t, ok)
	assert.Empty(t, sigs)
	ips, ok := body["malicious_ips"].([]interface{})
	require.True(t, ok)
	assert.Empty(t, ips)
}

func TestAlertsRawAndAggregated(t *testing.T) {
	srv := newTestServer()

	for i := 0; i < 2; i++ {
		w := doRequest(srv, http.MethodPost, "/ingest", ingestBody("203.0.113.5", "brute force", true))
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := doRequest(srv, http.MethodPost, "/ingest", ingestBody("201.10.0.9", "probe", false))
	require.Equal(t, http.StatusOK, w.Code)

	resp := doRequest(srv, http.MethodGet, "/alerts?minutes=15", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(3), body["count"])

	resp = doRequest(srv, http.MethodGet, "/alerts?minutes=15&aggregate=ip&sort=count", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body = decodeBody(t, resp)
	require.Equal(t, float64(2), body["count"])

	rows := body["alerts"].([]interface{})
	top := rows[0].(map[string]interface{})
	assert.Equal(t, "203.0.113.5", top["ip"])
	assert.Equal(t, float64(2), top["count"])
	assert.Equal(t, float64(2), top["blocked"])
}

func TestAlertsRejectsBadSortAndSeverity(t *testing.T) {
	srv := newTestServer()

	w := doRequest(srv, http.MethodGet, "/alerts?sort=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(srv, http.MethodGet, "/alerts?severity=catastrophic", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIPInfoFoundAndNotFound(t *testing.T) {
	srv := newTestServer()

	w := doRequest(srv, http.MethodPost, "/ingest", ingestBody("203.0.113.5", "scan", true))
	require.Equal(t, http.StatusOK, w.Code)

	resp := doRequest(srv, http.MethodGet, "/ipinfo?ip=203.0.113.5", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["found"])
	assert.Equal(t, float64(1), body["total_events"])

	// Unknown address is a 200 with found=false, not an error.
	resp = doRequest(srv, http.MethodGet, "/ipinfo?ip=198.51.100.99", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body = decodeBody(t, resp)
	assert.Equal(t, false, body["found"])

	resp = doRequest(srv, http.MethodGet, "/ipinfo", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestVulnerabilitiesCountsBlockedOnly(t *testing.T) {
	srv := newTestServer()

	for i := 0; i < 3; i++ {
		w := doRequest(srv, http.MethodPost, "/ingest", ingestBody("203.0.113.5", "SQL injection", true))
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := doRequest(srv, http.MethodPost, "/ingest", ingestBody("203.0.113.5", "XSS", true))
	require.Equal(t, http.StatusOK, w.Code)
	w = doRequest(srv, http.MethodPost, "/ingest", ingestBody("203.0.113.5", "benign", false))
	require.Equal(t, http.StatusOK, w.Code)

	resp := doRequest(srv, http.MethodGet, "/vulnerabilities?minutes=15", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(4), body["total_attacks"])

	vulns := body["vulnerabilities"].([]interface{})
	require.Len(t, vulns, 2)
	first := vulns[0].(map[string]interface{})
	assert.Equal(t, "SQL injection", first["signature"])
	assert.Equal(t, float64(75), first["percentage"])
}

func TestExportJSONAndCSV(t *testing.T) {
	srv := newTestServer()

	w := doRequest(srv, http.MethodPost, "/ingest", ingestBody("203.0.113.5", "scan", true))
	require.Equal(t, http.StatusOK, w.Code)

	resp := doRequest(srv, http.MethodGet, "/export", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["count"])

	resp = doRequest(srv, http.MethodGet, "/export?format=csv", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "text/csv", resp.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(resp.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "id,timestamp,src_ip"))
	assert.Contains(t, lines[1], "203.0.113.5")

	resp = doRequest(srv, http.MethodGet, "/export?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

type fakeSwitcher struct {
	scenario string
}

func (f *fakeSwitcher) SetScenario(name string) error {
	if name == "bogus" {
		return fmt.Errorf("unknown scenario %q", name)
	}
	f.scenario = name
	return nil
}

func (f *fakeSwitcher) Scenario() string { return f.scenario }

func TestSimulateSwitchesScenario(t *testing.T) {
	srv := newTestServer()
	srv.simulator = &fakeSwitcher{scenario: "normal"}

	w := doRequest(srv, http.MethodGet, "/simulate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "normal", decodeBody(t, w)["scenario"])

	w = doRequest(srv, http.MethodGet, "/simulate?scenario=bruteforce", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bruteforce", decodeBody(t, w)["scenario"])

	w = doRequest(srv, http.MethodGet, "/simulate?scenario=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSimulateDisabled(t *testing.T) {
	srv := newTestServer()
	w := doRequest(srv, http.MethodGet, "/simulate?scenario=normal", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer()
	w := doRequest(srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(60), body["retention_minutes"])
}

func TestQueryIdempotence(t *testing.T) {
	srv := newTestServer()

	for i := 0; i < 10; i++ {
		ip := fmt.Sprintf("203.0.113.%d", i%3)
		w := doRequest(srv, http.MethodPost, "/ingest", ingestBody(ip, "scan", i%2 == 0))
		require.Equal(t, http.StatusOK, w.Code)
	}

	first := doRequest(srv, http.MethodGet, "/alerts?minutes=15&aggregate=ip&sort=count", nil)
	second := doRequest(srv, http.MethodGet, "/alerts?minutes=15&aggregate=ip&sort=count", nil)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
}
