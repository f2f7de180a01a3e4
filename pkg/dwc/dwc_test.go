package dwc

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
	"github.com/devvyn/herbarium-specimen-tools/pkg/testhelper"
)

func TestResolve(t *testing.T) {
	mapper := NewMapper()
	testCases := []struct {
		name string
		key  string
		want string
		ok   bool
	}{
		{name: "canonical term passes through", key: "catalogNumber", want: "catalogNumber", ok: true},
		{name: "case-insensitive canonical", key: "CATALOGNUMBER", want: "catalogNumber", ok: true},
		{name: "built-in mapping", key: "collector", want: "recordedBy", ok: true},
		{name: "uri prefix stripped", key: "http://rs.tdwg.org/dwc/terms/scientificName", want: "scientificName", ok: true},
		{name: "namespace prefix stripped", key: "dwc:eventDate", want: "eventDate", ok: true},
		{name: "unknown key dropped", key: "shelfPosition", ok: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := mapper.Resolve(tc.key)
			if ok != tc.ok {
				t.Fatalf("expected ok=%t, got %t", tc.ok, ok)
			}
			if ok && got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestCustomMappingsOverrideBuiltins(t *testing.T) {
	mapper := NewMapper(map[string]string{"barcode": "catalogNumber"})
	got, ok := mapper.Resolve("barcode")
	if !ok || got != "catalogNumber" {
		t.Errorf("expected the custom mapping to win, got %s (ok=%t)", got, ok)
	}
}

func TestMapDropsUnresolvableKeys(t *testing.T) {
	mapper := NewMapper()
	raw := map[string]api.FieldValue{
		"collector":     {Value: "J. Smith", Confidence: 0.9},
		"shelfPosition": {Value: "B4", Confidence: 1.0},
	}
	want := map[string]api.FieldValue{
		"recordedBy": {Value: "J. Smith", Confidence: 0.9},
	}
	if diff := cmp.Diff(want, mapper.Map(raw)); diff != "" {
		t.Errorf("mapped record differs: %s", diff)
	}
}

func TestMapPrefersCanonicalKeyOnCollision(t *testing.T) {
	mapper := NewMapper()
	raw := map[string]api.FieldValue{
		"eventDate": {Value: "1987-07-15", Confidence: 0.95},
		"date":      {Value: "July 1987", Confidence: 0.4},
	}
	got := mapper.Map(raw)
	if got["eventDate"].Value != "1987-07-15" {
		t.Errorf("canonical key should win the collision, got %q", got["eventDate"].Value)
	}
}

func TestNormalize(t *testing.T) {
	fields := map[string]api.FieldValue{
		"institutionCode": {Value: "University of Saskatchewan", Confidence: 0.8},
		"basisOfRecord":   {Value: "herbarium sheet", Confidence: 0.8},
		"typeStatus":      {Value: "Holotype", Confidence: 0.8},
		"locality":        {Value: "near Saskatoon", Confidence: 0.8},
	}
	Normalize(fields)
	if got := fields["institutionCode"].Value; got != "SASK" {
		t.Errorf("expected SASK, got %q", got)
	}
	if got := fields["basisOfRecord"].Value; got != "PreservedSpecimen" {
		t.Errorf("expected PreservedSpecimen, got %q", got)
	}
	if got := fields["typeStatus"].Value; got != "holotype" {
		t.Errorf("expected holotype, got %q", got)
	}
	if got := fields["locality"].Value; got != "near Saskatoon" {
		t.Errorf("unmapped value must pass through, got %q", got)
	}
}

func TestNormalizePassesUnknownValuesThrough(t *testing.T) {
	fields := map[string]api.FieldValue{
		"basisOfRecord": {Value: "DigitalStillImage", Confidence: 0.8},
	}
	Normalize(fields)
	if got := fields["basisOfRecord"].Value; got != "DigitalStillImage" {
		t.Errorf("expected the value untouched, got %q", got)
	}
}

func TestValidate(t *testing.T) {
	complete := map[string]api.FieldValue{
		"catalogNumber":  {Value: "Herbarium-012345"},
		"scientificName": {Value: "Carex praegracilis"},
		"eventDate":      {Value: "1987-07-15"},
		"recordedBy":     {Value: "J. Smith"},
		"country":        {Value: "Canada"},
	}
	testCases := []struct {
		name    string
		fields  map[string]api.FieldValue
		schemas *SchemaInfo
		want    []string
	}{
		{
			name:   "complete record has no flags",
			fields: complete,
			want:   nil,
		},
		{
			name: "missing minimal terms",
			fields: map[string]api.FieldValue{
				"catalogNumber": {Value: "Herbarium-012345"},
			},
			want: []string{"missing:scientificName,eventDate,recordedBy,country"},
		},
		{
			name: "invalid event date",
			fields: func() map[string]api.FieldValue {
				fields := map[string]api.FieldValue{}
				for term, value := range complete {
					fields[term] = value
				}
				fields["eventDate"] = api.FieldValue{Value: "July 15, 1987"}
				return fields
			}(),
			want: []string{"invalid:eventDate"},
		},
		{
			name:   "empty event date is not invalid",
			fields: map[string]api.FieldValue{"eventDate": {Value: ""}},
			want:   []string{"missing:catalogNumber,scientificName,eventDate,recordedBy,country"},
		},
		{
			name:   "unknown fields truncated to three",
			fields: complete,
			schemas: &SchemaInfo{
				KnownTerms: map[string]bool{"catalogNumber": true},
			},
			want: []string{"invalid_fields:country,eventDate,recordedBy,..."},
		},
		{
			name:   "deprecated fields flagged",
			fields: complete,
			schemas: &SchemaInfo{
				DeprecatedTerms: map[string]bool{"recordedBy": true},
			},
			want: []string{"deprecated_fields:recordedBy"},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, Validate(tc.fields, tc.schemas)); diff != "" {
				t.Errorf("flags differ: %s", diff)
			}
		})
	}
}

func TestValidateReport(t *testing.T) {
	fields := map[string]api.FieldValue{
		"catalogNumber": {Value: "Herbarium-012345"},
		"eventDate":     {Value: "08/15/1987"},
	}
	flags := Validate(fields, &SchemaInfo{})
	testhelper.CompareWithFixture(t, strings.Join(flags, "\n")+"\n")
}
