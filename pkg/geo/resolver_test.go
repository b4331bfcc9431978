package geo

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver()

	tests := []struct {
		name    string
		ip      string
		country string
		ok      bool
	}{
		{"campus range", "129.25.10.254", "United States", true},
		{"uk range", "185.200.14.7", "United Kingdom", true},
		{"singapore range", "180.1.2.3", "Singapore", true},
		{"unmatched", "8.8.8.8", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, ok := r.Resolve(tt.ip)
			if ok != tt.ok {
				t.Fatalf("Resolve(%s) ok = %v, want %v", tt.ip, ok, tt.ok)
			}
			if loc.Country != tt.country {
				t.Errorf("Resolve(%s) country = %q, want %q", tt.ip, loc.Country, tt.country)
			}
		})
	}

	if r.Count() == 0 {
		t.Error("StaticResolver.Count() = 0, want built-in entries")
	}

	// These should not panic
	r.Start()
	r.Stop()
}

func TestStaticResolver_PrefixOrder(t *testing.T) {
	r := NewStaticResolver()

	// 10.77. must win over the broader 10.0. style prefixes.
	loc, ok := r.Resolve("10.77.1.1")
	if !ok || loc.City != "DeLand" {
		t.Errorf("Resolve(10.77.1.1) = %+v, want DeLand entry", loc)
	}
}

func TestFileResolver(t *testing.T) {
	tmpDir := t.TempDir()
	csvPath := filepath.Join(tmpDir, "geo_prefixes.csv")

	csvContent := `prefix,lat,lon,city,region,country,continent
91.121.,48.8566,2.3522,Paris,Ile-de-France,France,Europe
41.79.,6.5244,3.3792,Lagos,Lagos,Nigeria,Africa
`
	if err := os.WriteFile(csvPath, []byte(csvContent), 0644); err != nil {
		t.Fatalf("Failed to write test CSV: %v", err)
	}

	r, err := NewFileResolver(csvPath)
	if err != nil {
		t.Fatalf("NewFileResolver() error = %v", err)
	}

	if got := r.Count(); got != 2 {
		t.Errorf("FileResolver.Count() = %d, want 2", got)
	}

	loc, ok := r.Resolve("91.121.33.7")
	if !ok {
		t.Fatal("Resolve(91.121.33.7) ok = false, want true")
	}
	if loc.City != "Paris" || loc.Continent != "Europe" || loc.Lat != 48.8566 {
		t.Errorf("Resolve(91.121.33.7) = %+v, want Paris entry", loc)
	}

	if _, ok := r.Resolve("8.8.8.8"); ok {
		t.Error("Resolve(8.8.8.8) ok = true, want false")
	}
}

func TestFileResolver_NoHeader(t *testing.T) {
	tmpDir := t.TempDir()
	csvPath := filepath.Join(tmpDir, "geo_prefixes.csv")

	csvContent := `91.121.,48.8566,2.3522,Paris,Ile-de-France,France,Europe
`
	if err := os.WriteFile(csvPath, []byte(csvContent), 0644); err != nil {
		t.Fatalf("Failed to write test CSV: %v", err)
	}

	r, err := NewFileResolver(csvPath)
	if err != nil {
		t.Fatalf("NewFileResolver() error = %v", err)
	}
	if got := r.Count(); got != 1 {
		t.Errorf("FileResolver.Count() = %d, want 1", got)
	}
}

func TestFileResolver_InvalidFile(t *testing.T) {
	_, err := NewFileResolver("/nonexistent/path/file.csv")
	if err == nil {
		t.Error("Expected error for nonexistent file")
	}
}

func TestResolverInterface(t *testing.T) {
	var _ Resolver = (*StaticResolver)(nil)
	var _ Resolver = (*FileResolver)(nil)
	var _ Resolver = (*MMDBResolver)(nil)
}
