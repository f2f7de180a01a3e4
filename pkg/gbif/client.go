// Package gbif talks to the GBIF public API to verify extracted taxonomy
// and locality against the backbone. Verification enriches records and
// raises issues; a GBIF outage never fails a pipeline run.
package gbif

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/devvyn/herbarium-specimen-tools/pkg/config"
)

// Verification is the outcome of one verify call.
type Verification struct {
	Verified bool              `json:"verified"`
	Fields   map[string]string `json:"fields,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Issues   []string          `json:"issues,omitempty"`
}

// Client is a synchronous GBIF API client with retries and an LRU response
// cache keyed by URL.
type Client struct {
	cfg    config.GBIF
	client *retryablehttp.Client
	cache  *lru.Cache[string, []byte]
}

// NewClient builds a client from configuration. Retry counts, backoff and
// cache capacity all come from the config defaults unless overridden.
func NewClient(cfg config.GBIF) (*Client, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 1000
	}
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("could not create response cache: %w", err)
	}
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryAttempts
	client.Logger = logAdapter{}
	client.RetryWaitMin = time.Duration(cfg.BackoffFactor * float64(time.Second))
	client.RetryWaitMax = time.Duration(cfg.BackoffFactor*float64(time.Second)) * (1 << 3)
	client.HTTPClient.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	return &Client{cfg: cfg, client: client, cache: cache}, nil
}

// get fetches a URL through the cache. Final failure after retries returns
// nil and a warning rather than an error; GBIF being down is a soft
// condition by contract.
func (c *Client) get(fullURL string) []byte {
	if cached, ok := c.cache.Get(fullURL); ok {
		return cached
	}
	resp, err := c.client.Get(fullURL)
	if err != nil {
		logrus.WithError(err).WithField("url", fullURL).Warn("GBIF request failed after retries.")
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logrus.WithFields(logrus.Fields{"url": fullURL, "status": resp.StatusCode}).Warn("GBIF request returned an unexpected status.")
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logrus.WithError(err).WithField("url", fullURL).Warn("Could not read GBIF response.")
		return nil
	}
	c.cache.Add(fullURL, body)
	return body
}

// speciesMatch is the subset of the species/match response the verifier
// consumes.
type speciesMatch struct {
	MatchType              string  `json:"matchType"`
	Confidence             float64 `json:"confidence"`
	Synonym                bool    `json:"synonym"`
	UsageKey               int64   `json:"usageKey"`
	AcceptedUsageKey       int64   `json:"acceptedUsageKey"`
	ScientificName         string  `json:"scientificName"`
	CanonicalName          string  `json:"canonicalName"`
	Rank                   string  `json:"rank"`
	Kingdom                string  `json:"kingdom"`
	Phylum                 string  `json:"phylum"`
	Class                  string  `json:"class"`
	Order                  string  `json:"order"`
	Family                 string  `json:"family"`
	Genus                  string  `json:"genus"`
	Species                string  `json:"species"`
}

// VerifyTaxonomy checks a scientific name (optionally with higher ranks as
// hints) against the GBIF backbone.
func (c *Client) VerifyTaxonomy(fields map[string]string) *Verification {
	params := url.Values{}
	if v := fields["scientificName"]; v != "" {
		params.Set("name", v)
	}
	for _, rank := range []string{"kingdom", "phylum", "class", "order", "family", "genus"} {
		if v := fields[rank]; v != "" {
			params.Set(rank, v)
		}
	}
	if v := fields["specificEpithet"]; v != "" && params.Get("name") == "" {
		params.Set("name", strings.TrimSpace(fields["genus"]+" "+v))
	}
	if len(params) == 0 {
		return &Verification{Issues: []string{"no_taxonomy_fields"}}
	}

	body := c.get(c.cfg.SpeciesMatchEndpoint + "?" + params.Encode())
	if body == nil {
		return nil
	}
	var match speciesMatch
	if err := json.Unmarshal(body, &match); err != nil {
		logrus.WithError(err).Warn("Could not parse GBIF species match response.")
		return nil
	}

	result := &Verification{
		Metadata: map[string]string{
			"match_type": match.MatchType,
			"confidence": strconv.FormatFloat(match.Confidence, 'f', -1, 64),
		},
	}
	switch match.MatchType {
	case "EXACT":
	case "FUZZY":
		result.Issues = append(result.Issues, "fuzzy_match")
		if !c.cfg.EnableFuzzyMatching {
			return result
		}
	case "HIGHERRANK":
		result.Issues = append(result.Issues, "higherrank_match")
	default:
		return result
	}
	if match.Synonym {
		result.Issues = append(result.Issues, "synonym_match")
	}
	if match.Confidence/100 < c.cfg.MinConfidenceScore {
		result.Issues = append(result.Issues, "low_confidence")
		return result
	}

	result.Verified = true
	result.Fields = map[string]string{}
	copyNonEmpty := func(term, value string) {
		if value != "" {
			result.Fields[term] = value
		}
	}
	copyNonEmpty("taxonKey", formatKey(match.UsageKey))
	copyNonEmpty("acceptedTaxonKey", formatKey(match.AcceptedUsageKey))
	copyNonEmpty("acceptedScientificName", match.ScientificName)
	copyNonEmpty("scientificName", match.ScientificName)
	copyNonEmpty("taxonRank", strings.ToLower(match.Rank))
	copyNonEmpty("kingdom", match.Kingdom)
	copyNonEmpty("phylum", match.Phylum)
	copyNonEmpty("class", match.Class)
	copyNonEmpty("order", match.Order)
	copyNonEmpty("family", match.Family)
	copyNonEmpty("genus", match.Genus)
	copyNonEmpty("species", match.Species)
	return result
}

func formatKey(key int64) string {
	if key == 0 {
		return ""
	}
	return strconv.FormatInt(key, 10)
}

type reverseGeocode []struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	ISO      string `json:"isoCountryCode2Digit"`
	Name     string `json:"name"`
}

// VerifyLocality range-checks coordinates and reverse-geocodes them.
func (c *Client) VerifyLocality(fields map[string]string) *Verification {
	result := &Verification{Metadata: map[string]string{}}
	lat, err := strconv.ParseFloat(strings.TrimSpace(fields["decimalLatitude"]), 64)
	if err != nil {
		result.Issues = append(result.Issues, "invalid_latitude_format")
	} else if lat < -90 || lat > 90 {
		result.Issues = append(result.Issues, "invalid_latitude")
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(fields["decimalLongitude"]), 64)
	if err != nil {
		result.Issues = append(result.Issues, "invalid_longitude_format")
	} else if lon < -180 || lon > 180 {
		result.Issues = append(result.Issues, "invalid_longitude")
	}
	if len(result.Issues) > 0 {
		return result
	}

	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lng", strconv.FormatFloat(lon, 'f', -1, 64))
	body := c.get(c.cfg.ReverseGeocodeEndpoint + "?" + params.Encode())
	if body == nil {
		return nil
	}
	var locations reverseGeocode
	if err := json.Unmarshal(body, &locations); err != nil {
		logrus.WithError(err).Warn("Could not parse GBIF reverse geocode response.")
		return nil
	}
	if len(locations) == 0 {
		result.Issues = append(result.Issues, "no_geocode_result")
		return result
	}

	result.Verified = true
	result.Fields = map[string]string{
		"decimalLatitude":  strconv.FormatFloat(lat, 'f', -1, 64),
		"decimalLongitude": strconv.FormatFloat(lon, 'f', -1, 64),
	}
	result.Metadata["gbif_coordinate_valid"] = "true"
	result.Metadata["gbif_locality_verified"] = "true"
	for _, loc := range locations {
		switch loc.Type {
		case "Country", "PoliticalCountry":
			result.Fields["country"] = loc.Title
			if loc.ISO != "" {
				result.Fields["countryCode"] = loc.ISO
			}
		case "StateProvince", "State", "Province":
			result.Fields["stateProvince"] = loc.Title
		}
	}
	return result
}

// CheckCoordinateDiscrepancy compares input coordinates against a verified
// pair and raises coordinate_discrepancy_<d>km when they diverge by more
// than 10 km.
func CheckCoordinateDiscrepancy(inputLat, inputLon, verifiedLat, verifiedLon float64) (string, bool) {
	distance := Haversine(inputLat, inputLon, verifiedLat, verifiedLon)
	if distance <= 10 {
		return "", false
	}
	return fmt.Sprintf("coordinate_discrepancy_%.1fkm", distance), true
}

// Haversine returns the great-circle distance in kilometers.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

type occurrenceSearch struct {
	Count   int64 `json:"count"`
	Results []struct {
		Key int64 `json:"key"`
	} `json:"results"`
}

// ValidateOccurrence looks for similar occurrences within half a degree of
// the coordinate.
func (c *Client) ValidateOccurrence(scientificName string, lat, lon float64) *Verification {
	params := url.Values{}
	params.Set("scientificName", scientificName)
	params.Set("decimalLatitude", fmt.Sprintf("%f,%f", lat-0.5, lat+0.5))
	params.Set("decimalLongitude", fmt.Sprintf("%f,%f", lon-0.5, lon+0.5))
	params.Set("limit", "20")
	body := c.get(c.cfg.OccurrenceSearchEndpoint + "?" + params.Encode())
	if body == nil {
		return nil
	}
	var search occurrenceSearch
	if err := json.Unmarshal(body, &search); err != nil {
		logrus.WithError(err).Warn("Could not parse GBIF occurrence search response.")
		return nil
	}
	if len(search.Results) == 0 {
		return &Verification{Issues: []string{"no_similar_occurrences"}}
	}
	return &Verification{
		Verified: true,
		Metadata: map[string]string{"similar_occurrences": strconv.FormatInt(search.Count, 10)},
	}
}

type suggestion struct {
	Key           int64  `json:"key"`
	ScientificName string `json:"scientificName"`
	CanonicalName  string `json:"canonicalName"`
	Rank           string `json:"rank"`
}

// Suggest returns backbone name suggestions for a partial scientific name.
func (c *Client) Suggest(prefix string) []string {
	params := url.Values{}
	params.Set("q", prefix)
	body := c.get(c.cfg.SuggestEndpoint + "?" + params.Encode())
	if body == nil {
		return nil
	}
	var suggestions []suggestion
	if err := json.Unmarshal(body, &suggestions); err != nil {
		logrus.WithError(err).Warn("Could not parse GBIF suggest response.")
		return nil
	}
	names := make([]string, 0, len(suggestions))
	for _, s := range suggestions {
		if s.CanonicalName != "" {
			names = append(names, s.CanonicalName)
		} else if s.ScientificName != "" {
			names = append(names, s.ScientificName)
		}
	}
	return names
}

// logAdapter bridges retryablehttp's leveled logger onto logrus.
type logAdapter struct{}

func (logAdapter) Error(msg string, keysAndValues ...interface{}) {
	logrus.WithField("details", keysAndValues).Error(msg)
}
func (logAdapter) Info(msg string, keysAndValues ...interface{}) {
	logrus.WithField("details", keysAndValues).Info(msg)
}
func (logAdapter) Debug(msg string, keysAndValues ...interface{}) {
	logrus.WithField("details", keysAndValues).Debug(msg)
}
func (logAdapter) Warn(msg string, keysAndValues ...interface{}) {
	logrus.WithField("details", keysAndValues).Warn(msg)
}
