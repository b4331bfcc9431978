package geo

import (
	"bufio"
	"encoding/csv"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"

	"github.com/hervehildenbrand/threat-radar/pkg/logging"
	"github.com/hervehildenbrand/threat-radar/pkg/models"

	"go.uber.org/zap"
)

// Location is a resolved source position.
type Location struct {
	Lat       float64
	Lon       float64
	City      string
	Region    string
	Country   string
	Continent string
}

// Path returns the location as a geo hierarchy path.
func (l Location) Path() models.GeoPath {
	return models.GeoPath{
		Continent: l.Continent,
		Country:   l.Country,
		Region:    l.Region,
		City:      l.City,
	}
}

// Resolver maps source IPs to locations. Used at ingestion for events that
// arrive without geo fields.
type Resolver interface {
	// Resolve returns the location for an IP. ok is false when the address
	// matched nothing; the zero Location is returned in that case.
	Resolve(ip string) (loc Location, ok bool)
	// Count returns the number of entries backing the resolver.
	Count() int
	// Start begins any background operations.
	Start()
	// Stop releases resolver resources.
	Stop()
}

// prefixEntry maps an IP prefix to a representative location.
type prefixEntry struct {
	prefix string
	loc    Location
}

// staticEntries is the built-in fallback table used when neither a GeoLite2
// database nor a CSV mapping is configured. First matching prefix wins.
var staticEntries = []prefixEntry{
	{"129.25.", Location{29.0283, -81.3031, "DeLand", "Florida", "United States", "North America"}},
	{"10.77.", Location{29.0283, -81.3031, "DeLand", "Florida", "United States", "North America"}},
	{"10.20", Location{52.5200, 13.4050, "Berlin", "Berlin", "Germany", "Europe"}},
	{"10.0.", Location{28.5383, -81.3792, "Orlando", "Florida", "United States", "North America"}},
	{"192.168.", Location{27.9506, -82.4572, "Tampa", "Florida", "United States", "North America"}},
	{"172.16.", Location{40.7128, -74.0060, "New York", "New York", "United States", "North America"}},
	{"172.17.", Location{37.7749, -122.4194, "San Francisco", "California", "United States", "North America"}},
	{"172.18.", Location{29.7604, -95.3698, "Houston", "Texas", "United States", "North America"}},
	{"172.19.", Location{47.6062, -122.3321, "Seattle", "Washington", "United States", "North America"}},
	{"172.20.", Location{41.8781, -87.6298, "Chicago", "Illinois", "United States", "North America"}},
	{"172.21.", Location{33.7490, -84.3880, "Atlanta", "Georgia", "United States", "North America"}},
	{"172.30.", Location{19.0760, 72.8777, "Mumbai", "Maharashtra", "India", "Asia"}},
	{"172.31.", Location{35.6762, 139.6503, "Tokyo", "Tokyo", "Japan", "Asia"}},
	{"185.200.", Location{51.5074, -0.1278, "London", "England", "United Kingdom", "Europe"}},
	{"203.", Location{43.6532, -79.3832, "Toronto", "Ontario", "Canada", "North America"}},
	{"201.", Location{-23.5505, -46.6333, "São Paulo", "São Paulo", "Brazil", "South America"}},
	{"200.", Location{-12.0464, -77.0428, "Lima", "Lima", "Peru", "South America"}},
	{"180.", Location{1.3521, 103.8198, "Singapore", "Singapore", "Singapore", "Asia"}},
}

// StaticResolver resolves against the built-in prefix table.
type StaticResolver struct {
	entries []prefixEntry
}

// NewStaticResolver creates a resolver backed by the built-in table.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{entries: staticEntries}
}

func (r *StaticResolver) Resolve(ip string) (Location, bool) {
	for _, e := range r.entries {
		if strings.HasPrefix(ip, e.prefix) {
			return e.loc, true
		}
	}
	return Location{}, false
}

func (r *StaticResolver) Count() int { return len(r.entries) }
func (r *StaticResolver) Start()     {}
func (r *StaticResolver) Stop()      {}

// FileResolver loads prefix-to-location mappings from a CSV file.
// Expected format: prefix,lat,lon,city,region,country,continent
type FileResolver struct {
	filePath string
	entries  []prefixEntry
	mu       sync.RWMutex
}

// NewFileResolver creates a resolver that loads mappings from a CSV file.
func NewFileResolver(filePath string) (*FileResolver, error) {
	r := &FileResolver{filePath: filePath}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileResolver) load() error {
	file, err := os.Open(r.filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := csv.NewReader(bufio.NewReader(file))
	reader.FieldsPerRecord = -1

	var entries []prefixEntry
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		if len(record) < 7 {
			continue
		}
		lat, latErr := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
		lon, lonErr := strconv.ParseFloat(strings.TrimSpace(record[2]), 64)
		if latErr != nil || lonErr != nil {
			// Header row or malformed line
			continue
		}
		entries = append(entries, prefixEntry{
			prefix: strings.TrimSpace(record[0]),
			loc: Location{
				Lat:       lat,
				Lon:       lon,
				City:      strings.TrimSpace(record[3]),
				Region:    strings.TrimSpace(record[4]),
				Country:   strings.TrimSpace(record[5]),
				Continent: strings.TrimSpace(record[6]),
			},
		})
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()

	logging.Info("FileResolver: loaded prefix mappings",
		zap.Int("entries", len(entries)), zap.String("path", r.filePath))
	return nil
}

func (r *FileResolver) Resolve(ip string) (Location, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if strings.HasPrefix(ip, e.prefix) {
			return e.loc, true
		}
	}
	return Location{}, false
}

func (r *FileResolver) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *FileResolver) Start() {}
func (r *FileResolver) Stop()  {}

// MMDBResolver resolves against a MaxMind GeoLite2-City database, falling
// back to the static prefix table for addresses the database cannot place
// (private ranges in particular).
type MMDBResolver struct {
	reader   *geoip2.Reader
	fallback Resolver
}

// NewMMDBResolver opens a GeoLite2-City database file.
func NewMMDBResolver(path string) (*MMDBResolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &MMDBResolver{reader: reader, fallback: NewStaticResolver()}, nil
}

func (r *MMDBResolver) Resolve(ip string) (Location, bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Location{}, false
	}
	record, err := r.reader.City(parsed)
	if err != nil || record.Location.Latitude == 0 && record.Location.Longitude == 0 {
		return r.fallback.Resolve(ip)
	}

	loc := Location{
		Lat:       record.Location.Latitude,
		Lon:       record.Location.Longitude,
		City:      record.City.Names["en"],
		Country:   record.Country.Names["en"],
		Continent: record.Continent.Names["en"],
	}
	if len(record.Subdivisions) > 0 {
		loc.Region = record.Subdivisions[0].Names["en"]
	}
	return loc, true
}

func (r *MMDBResolver) Count() int { return 0 }
func (r *MMDBResolver) Start()     {}

func (r *MMDBResolver) Stop() {
	if err := r.reader.Close(); err != nil {
		logging.Warn("MMDBResolver: close failed", zap.Error(err))
	}
}
