// Package dwc turns raw engine field maps into normalized, validated Darwin
// Core records. Validation only ever flags; a record is never rejected, so
// a human reviewer always sees what the machines produced.
package dwc

import (
	"strings"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
)

// builtinMappings translates common non-canonical keys to canonical DwC
// terms. Keys are compared lowercased.
var builtinMappings = map[string]string{
	"catalognumber":    "catalogNumber",
	"catalog_number":   "catalogNumber",
	"accessionnumber":  "otherCatalogNumbers",
	"accession_number": "otherCatalogNumbers",
	"barcode":          "otherCatalogNumbers",
	"collector":        "recordedBy",
	"collectors":       "recordedBy",
	"collectornumber":  "recordNumber",
	"collector_number": "recordNumber",
	"collectiondate":   "eventDate",
	"collection_date":  "eventDate",
	"date":             "eventDate",
	"datecollected":    "eventDate",
	"species":          "scientificName",
	"scientific_name":  "scientificName",
	"taxon":            "scientificName",
	"author":           "scientificNameAuthorship",
	"authorship":       "scientificNameAuthorship",
	"province":         "stateProvince",
	"state":            "stateProvince",
	"state_province":   "stateProvince",
	"location":         "locality",
	"place":            "locality",
	"latitude":         "decimalLatitude",
	"lat":              "decimalLatitude",
	"longitude":        "decimalLongitude",
	"lon":              "decimalLongitude",
	"lng":              "decimalLongitude",
	"elevation":        "minimumElevationInMeters",
	"altitude":         "minimumElevationInMeters",
	"determiner":       "identifiedBy",
	"determined_by":    "identifiedBy",
	"notes":            "occurrenceRemarks",
	"remarks":          "occurrenceRemarks",
	"habitat_notes":    "habitat",
}

// Mapper resolves raw keys to canonical DwC terms using built-in rules plus
// optional schema-derived and user-provided mappings.
type Mapper struct {
	mappings map[string]string
	known    map[string]string
}

// NewMapper merges mapping tables; later tables win on conflict, so custom
// user mappings override schema-derived ones, which override built-ins.
func NewMapper(extra ...map[string]string) *Mapper {
	m := &Mapper{mappings: map[string]string{}, known: map[string]string{}}
	for key, term := range builtinMappings {
		m.mappings[key] = term
	}
	for _, table := range extra {
		for key, term := range table {
			m.mappings[strings.ToLower(key)] = term
		}
	}
	for _, term := range api.DwcTerms {
		m.known[strings.ToLower(term)] = term
	}
	return m
}

// Resolve maps a raw key to its canonical DwC term. URI prefixes and
// namespace prefixes are stripped first; matching is case-insensitive.
// Unresolvable keys report ok=false and are dropped by the caller.
func (m *Mapper) Resolve(key string) (string, bool) {
	local := key
	if idx := strings.LastIndex(local, "/"); idx >= 0 {
		local = local[idx+1:]
	}
	if idx := strings.LastIndex(local, ":"); idx >= 0 {
		local = local[idx+1:]
	}
	lower := strings.ToLower(strings.TrimSpace(local))
	if term, ok := m.known[lower]; ok {
		return term, true
	}
	if term, ok := m.mappings[lower]; ok {
		return term, true
	}
	return "", false
}

// Map resolves every key of a raw field map, dropping what it cannot place.
// When both a raw key and its canonical term are present the canonical one
// wins.
func (m *Mapper) Map(raw map[string]api.FieldValue) map[string]api.FieldValue {
	out := map[string]api.FieldValue{}
	for key, value := range raw {
		term, ok := m.Resolve(key)
		if !ok {
			continue
		}
		if _, exists := out[term]; exists && key != term {
			continue
		}
		out[term] = value
	}
	return out
}
