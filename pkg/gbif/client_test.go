package gbif

import (
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/devvyn/herbarium-specimen-tools/pkg/config"
)

func testConfig(serverURL string) config.GBIF {
	return config.GBIF{
		Enabled:                  true,
		SpeciesMatchEndpoint:     serverURL + "/species/match",
		ReverseGeocodeEndpoint:   serverURL + "/geocode/reverse",
		SuggestEndpoint:          serverURL + "/species/suggest",
		OccurrenceSearchEndpoint: serverURL + "/occurrence/search",
		TimeoutSeconds:           2,
		RetryAttempts:            1,
		BackoffFactor:            0.01,
		CacheSize:                10,
		MinConfidenceScore:       0.80,
	}
}

func TestVerifyTaxonomyExactMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("name"); got != "Carex praegracilis" {
			t.Errorf("wrong name parameter: %q", got)
		}
		w.Write([]byte(`{
			"matchType": "EXACT", "confidence": 99, "usageKey": 2727245,
			"scientificName": "Carex praegracilis W.Boott", "rank": "SPECIES",
			"kingdom": "Plantae", "family": "Cyperaceae", "genus": "Carex",
			"species": "Carex praegracilis"
		}`))
	}))
	defer server.Close()
	client, err := NewClient(testConfig(server.URL))
	if err != nil {
		t.Fatal(err)
	}

	result := client.VerifyTaxonomy(map[string]string{"scientificName": "Carex praegracilis"})
	if result == nil {
		t.Fatal("expected a verification result")
	}
	if !result.Verified {
		t.Errorf("expected a verified match: %+v", result)
	}
	if result.Fields["taxonKey"] != "2727245" {
		t.Errorf("expected the taxon key copied through, got %q", result.Fields["taxonKey"])
	}
	if result.Fields["family"] != "Cyperaceae" {
		t.Errorf("expected the family copied through, got %q", result.Fields["family"])
	}
	if result.Metadata["match_type"] != "EXACT" {
		t.Errorf("wrong match type metadata: %q", result.Metadata["match_type"])
	}
}

func TestVerifyTaxonomyFuzzyGate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"matchType": "FUZZY", "confidence": 95, "usageKey": 1, "scientificName": "Carex praegracilis W.Boott"}`))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	result := client.VerifyTaxonomy(map[string]string{"scientificName": "Carex pragracilis"})
	if result == nil || result.Verified {
		t.Errorf("a fuzzy match must not verify with fuzzy matching disabled: %+v", result)
	}

	cfg.EnableFuzzyMatching = true
	client, err = NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	result = client.VerifyTaxonomy(map[string]string{"scientificName": "Carex pragracilis"})
	if result == nil || !result.Verified {
		t.Fatalf("a fuzzy match should verify with fuzzy matching enabled: %+v", result)
	}
	if diff := cmp.Diff([]string{"fuzzy_match"}, result.Issues); diff != "" {
		t.Errorf("issues differ: %s", diff)
	}
}

func TestVerifyTaxonomyLowConfidence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"matchType": "EXACT", "confidence": 50, "usageKey": 1}`))
	}))
	defer server.Close()
	client, err := NewClient(testConfig(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	result := client.VerifyTaxonomy(map[string]string{"scientificName": "Carex praegracilis"})
	if result == nil || result.Verified {
		t.Errorf("expected low confidence to block verification: %+v", result)
	}
	found := false
	for _, issue := range result.Issues {
		if issue == "low_confidence" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a low_confidence issue, got %v", result.Issues)
	}
}

func TestVerifyTaxonomyNoMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"matchType": "NONE", "confidence": 100}`))
	}))
	defer server.Close()
	client, err := NewClient(testConfig(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	result := client.VerifyTaxonomy(map[string]string{"scientificName": "Nonexistus fabricatus"})
	if result == nil || result.Verified {
		t.Errorf("NONE must not verify: %+v", result)
	}
}

func TestVerifyTaxonomyServerDownReturnsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()
	client, err := NewClient(testConfig(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	if result := client.VerifyTaxonomy(map[string]string{"scientificName": "Carex praegracilis"}); result != nil {
		t.Errorf("expected nil on final failure, got %+v", result)
	}
}

func TestResponsesAreCachedByURL(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Write([]byte(`{"matchType": "EXACT", "confidence": 99, "usageKey": 1, "scientificName": "Carex praegracilis W.Boott"}`))
	}))
	defer server.Close()
	client, err := NewClient(testConfig(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if result := client.VerifyTaxonomy(map[string]string{"scientificName": "Carex praegracilis"}); result == nil {
			t.Fatal("expected a result")
		}
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("expected one upstream call, got %d", got)
	}
}

func TestVerifyLocality(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"type": "Country", "title": "Canada", "isoCountryCode2Digit": "CA"},
			{"type": "StateProvince", "title": "Saskatchewan"}
		]`))
	}))
	defer server.Close()
	client, err := NewClient(testConfig(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	result := client.VerifyLocality(map[string]string{
		"decimalLatitude":  "52.13",
		"decimalLongitude": "-106.67",
	})
	if result == nil || !result.Verified {
		t.Fatalf("expected a verified locality: %+v", result)
	}
	if result.Fields["country"] != "Canada" || result.Fields["countryCode"] != "CA" {
		t.Errorf("country not copied through: %v", result.Fields)
	}
	if result.Fields["stateProvince"] != "Saskatchewan" {
		t.Errorf("stateProvince not copied through: %v", result.Fields)
	}
	if result.Metadata["gbif_coordinate_valid"] != "true" || result.Metadata["gbif_locality_verified"] != "true" {
		t.Errorf("expected validity metadata: %v", result.Metadata)
	}
}

func TestVerifyLocalityRangeChecks(t *testing.T) {
	client, err := NewClient(testConfig("http://unused"))
	if err != nil {
		t.Fatal(err)
	}
	testCases := []struct {
		name string
		lat  string
		lon  string
		want string
	}{
		{name: "latitude out of range", lat: "91", lon: "0", want: "invalid_latitude"},
		{name: "longitude out of range", lat: "0", lon: "181", want: "invalid_longitude"},
		{name: "latitude not a number", lat: "52°08'N", lon: "0", want: "invalid_latitude_format"},
		{name: "longitude not a number", lat: "0", lon: "west", want: "invalid_longitude_format"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := client.VerifyLocality(map[string]string{
				"decimalLatitude":  tc.lat,
				"decimalLongitude": tc.lon,
			})
			if result == nil || result.Verified {
				t.Fatalf("expected a failed range check: %+v", result)
			}
			found := false
			for _, issue := range result.Issues {
				if issue == tc.want {
					found = true
				}
			}
			if !found {
				t.Errorf("expected issue %s, got %v", tc.want, result.Issues)
			}
		})
	}
}

func TestHaversineSaskatoonDistance(t *testing.T) {
	// 0.2 degrees of latitude is about 22.2 km
	distance := Haversine(52.0, -106.0, 52.2, -106.0)
	if math.Abs(distance-22.24) > 0.1 {
		t.Errorf("expected roughly 22.24 km, got %f", distance)
	}
}

func TestCheckCoordinateDiscrepancy(t *testing.T) {
	issue, flagged := CheckCoordinateDiscrepancy(52.0, -106.0, 52.2, -106.0)
	if !flagged {
		t.Fatal("expected a discrepancy beyond 10 km to flag")
	}
	if issue != "coordinate_discrepancy_22.2km" {
		t.Errorf("wrong issue string: %s", issue)
	}
	if _, flagged := CheckCoordinateDiscrepancy(52.0, -106.0, 52.01, -106.0); flagged {
		t.Error("a small discrepancy must not flag")
	}
}

func TestValidateOccurrence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "20" {
			t.Errorf("wrong limit: %q", got)
		}
		w.Write([]byte(`{"count": 42, "results": [{"key": 1}, {"key": 2}]}`))
	}))
	defer server.Close()
	client, err := NewClient(testConfig(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	result := client.ValidateOccurrence("Carex praegracilis", 52.13, -106.67)
	if result == nil || !result.Verified {
		t.Fatalf("expected verification: %+v", result)
	}
	if result.Metadata["similar_occurrences"] != "42" {
		t.Errorf("wrong count metadata: %v", result.Metadata)
	}
}

func TestValidateOccurrenceEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"count": 0, "results": []}`))
	}))
	defer server.Close()
	client, err := NewClient(testConfig(server.URL))
	if err != nil {
		t.Fatal(err)
	}
	result := client.ValidateOccurrence("Carex praegracilis", 52.13, -106.67)
	if result == nil || result.Verified {
		t.Fatalf("expected no verification: %+v", result)
	}
	if diff := cmp.Diff([]string{"no_similar_occurrences"}, result.Issues); diff != "" {
		t.Errorf("issues differ: %s", diff)
	}
}

func TestNameCacheRoundTripAndTTL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "names.json")
	cache := OpenNameCache(path, time.Hour)
	verification := &Verification{Verified: true, Fields: map[string]string{"taxonKey": "1"}}
	if err := cache.Put("Carex  praegracilis", verification); err != nil {
		t.Fatal(err)
	}

	// canonical key: lowercase, whitespace folded
	got, ok := cache.Get("carex praegracilis")
	if !ok || !got.Verified {
		t.Fatalf("expected a cached verification, got ok=%t", ok)
	}

	reopened := OpenNameCache(path, time.Hour)
	if _, ok := reopened.Get("Carex praegracilis"); !ok {
		t.Error("expected the cache to persist across reopen")
	}

	reopened.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, ok := reopened.Get("Carex praegracilis"); ok {
		t.Error("expected the entry to expire after TTL")
	}
}

func TestNameCacheToleratesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "names.json")
	if err := os.WriteFile(path, []byte("{bad json"), 0o644); err != nil {
		t.Fatal(err)
	}
	cache := OpenNameCache(path, time.Hour)
	if _, ok := cache.Get("anything"); ok {
		t.Error("expected an empty cache after corruption")
	}
}
