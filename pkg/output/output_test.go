package output

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
	"github.com/devvyn/herbarium-specimen-tools/pkg/testhelper"
)

func TestEventWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.jsonl")
	writer, err := NewEventWriter(path, false)
	if err != nil {
		t.Fatal(err)
	}
	events := []api.Event{
		{
			RunID:  "run-1",
			Image:  "IMG_0001.jpg",
			SHA256: "sha-a",
			Engine: "tesseract",
			Dwc:    map[string]string{"catalogNumber": "Herbarium-012345"},
			Flags:  []string{"missing:scientificName"},
			Errors: []string{},
		},
		{
			RunID:  "run-1",
			Image:  "IMG_0002.jpg",
			SHA256: "sha-b",
			Dwc:    map[string]string{},
			Errors: []string{"OCR_ERROR: boom"},
		},
	}
	for _, event := range events {
		if err := writer.Append(event); err != nil {
			t.Fatal(err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := ReadEvents(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(events, got); diff != "" {
		t.Errorf("events differ after round trip: %s", diff)
	}
}

func TestEventWriterAppendMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.jsonl")
	for n := 0; n < 2; n++ {
		writer, err := NewEventWriter(path, true)
		if err != nil {
			t.Fatal(err)
		}
		if err := writer.Append(api.Event{RunID: "run-1", SHA256: "sha"}); err != nil {
			t.Fatal(err)
		}
		writer.Close()
	}
	got, err := ReadEvents(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("expected both events to survive append mode, got %d", len(got))
	}
}

func TestCSVWriterColumnOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "occurrence.csv")
	writer, err := NewCSVWriter(path, api.DwcTerms, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := writer.WriteRecord(map[string]string{
		"catalogNumber":  "Herbarium-012345",
		"scientificName": "Carex praegracilis",
		"unknownTerm":    "is ignored",
	}); err != nil {
		t.Fatal(err)
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one row, got %d lines", len(lines))
	}
	if lines[0] != strings.Join(api.DwcTerms, ",") {
		t.Errorf("header does not match the term order: %s", lines[0])
	}
	columns := strings.Split(lines[1], ",")
	if len(columns) != len(api.DwcTerms) {
		t.Fatalf("expected %d columns, got %d", len(api.DwcTerms), len(columns))
	}
	if columns[1] != "Herbarium-012345" {
		t.Errorf("catalogNumber should be column 1, got %q", columns[1])
	}
	if columns[0] != "" {
		t.Errorf("missing occurrenceID should serialize empty, got %q", columns[0])
	}
}

func TestCSVWriterAppendSkipsHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "occurrence.csv")
	for n := 0; n < 2; n++ {
		writer, err := NewCSVWriter(path, []string{"a", "b"}, true)
		if err != nil {
			t.Fatal(err)
		}
		if err := writer.WriteRecord(map[string]string{"a": "1", "b": "2"}); err != nil {
			t.Fatal(err)
		}
		writer.Close()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	want := []string{"a,b", "1,2", "1,2"}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Errorf("append mode should write one header: %s", diff)
	}
}

func TestWriteMetaXML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.xml")
	if err := WriteMetaXML(path); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var archive metaArchive
	if err := xml.Unmarshal(raw, &archive); err != nil {
		t.Fatalf("generated meta.xml does not parse: %v", err)
	}
	testhelper.CompareWithFixture(t, string(raw))

	if archive.Core.RowType != api.RowTypeOccurrence {
		t.Errorf("wrong core row type: %s", archive.Core.RowType)
	}
	if archive.Core.ID == nil || archive.Core.ID.Index != 0 {
		t.Error("core id must be declared at index 0")
	}
	if len(archive.Core.Fields) != len(api.DwcTerms) {
		t.Fatalf("expected %d core fields, got %d", len(api.DwcTerms), len(archive.Core.Fields))
	}
	for n, field := range archive.Core.Fields {
		if field.Index != n {
			t.Errorf("field %d has index %d", n, field.Index)
		}
		if field.Term != api.TermURI(api.DwcTerms[n]) {
			t.Errorf("field %d has term %s, expected %s", n, field.Term, api.TermURI(api.DwcTerms[n]))
		}
	}

	if archive.Extension == nil {
		t.Fatal("expected the identification history extension")
	}
	if archive.Extension.RowType != api.RowTypeIdentification {
		t.Errorf("wrong extension row type: %s", archive.Extension.RowType)
	}
	if archive.Extension.CoreID == nil || archive.Extension.CoreID.Index != 0 {
		t.Error("extension coreid must be declared at index 0")
	}
	if len(archive.Extension.Fields) != len(api.IdentHistoryColumns) {
		t.Errorf("expected %d extension fields, got %d", len(api.IdentHistoryColumns), len(archive.Extension.Fields))
	}
	for _, block := range []metaFileBlock{archive.Core, *archive.Extension} {
		if block.Encoding != "UTF-8" || block.FieldsTerminatedBy != "," || block.FieldsEnclosedBy != `"` || block.IgnoreHeaderLines != 1 {
			t.Errorf("wrong text declarations: %+v", block)
		}
	}
}

func TestManifestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	manifest := Manifest{
		RunID:     "20240601T120000Z",
		StartedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		GitCommit: "abc123",
		Config:    "[pipeline]\nsteps = [\"image_to_text\"]\n",
		Provenance: ProvenanceSummary{
			TotalFragments: 12,
			FragmentTypes:  map[string]int{"ocr_extraction": 6, "dwc_extraction": 6},
			ProvenanceFile: "provenance.jsonl",
		},
		Files: map[string]FileDigest{
			"occurrence.csv": {SHA256: "deadbeef", SizeBytes: 1234},
		},
	}
	if err := WriteManifest(path, manifest); err != nil {
		t.Fatal(err)
	}
	got, err := ReadManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(manifest, *got); diff != "" {
		t.Errorf("manifest differs after round trip: %s", diff)
	}
}

func TestArchiveName(t *testing.T) {
	testCases := []struct {
		name    string
		opts    BundleOptions
		want    string
		wantErr bool
	}{
		{
			name: "simple",
			opts: BundleOptions{Version: "1.2.3"},
			want: "dwca_v1.2.3.zip",
		},
		{
			name: "rich",
			opts: BundleOptions{
				Version:    "1.2.3",
				Rich:       true,
				GitCommit:  "abcdef1234567890",
				FilterHash: "f00d",
				Timestamp:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
			},
			want: "dwca_v1.2.3_20240601T120000Z_abcdef12_f00d.zip",
		},
		{
			name:    "not semver",
			opts:    BundleOptions{Version: "1.2"},
			wantErr: true,
		},
		{
			name:    "garbage version",
			opts:    BundleOptions{Version: "latest"},
			wantErr: true,
		},
		{
			name:    "prerelease suffix",
			opts:    BundleOptions{Version: "1.2.3-beta"},
			wantErr: true,
		},
		{
			name:    "build suffix",
			opts:    BundleOptions{Version: "1.2.3+build.7"},
			wantErr: true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ArchiveName(tc.opts)
			if tc.wantErr {
				var invalidVersion *api.InvalidVersionError
				if !errors.As(err, &invalidVersion) {
					t.Fatalf("expected an invalid version error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestWriteBundle(t *testing.T) {
	dir := t.TempDir()
	for _, file := range bundleFiles {
		if err := os.WriteFile(filepath.Join(dir, file), []byte("content of "+file+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	archivePath, digests, err := WriteBundle(dir, BundleOptions{Version: "1.2.3"})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(archivePath) != "dwca_v1.2.3.zip" {
		t.Errorf("wrong archive name: %s", archivePath)
	}

	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	var names []string
	for _, file := range reader.File {
		names = append(names, file.Name)
	}
	sort.Strings(names)
	want := []string{"identification_history.csv", "manifest.json", "meta.xml", "occurrence.csv"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("archive contents differ: %s", diff)
	}
	for _, file := range bundleFiles {
		digest, ok := digests[file]
		if !ok || digest.SHA256 == "" || digest.SizeBytes == 0 {
			t.Errorf("missing digest for %s: %+v", file, digest)
		}
	}
}

func TestWriteBundleMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := WriteBundle(dir, BundleOptions{Version: "1.2.3"}); err == nil {
		t.Error("expected an error when a bundle file is missing")
	}
	if _, err := os.Stat(filepath.Join(dir, "dwca_v1.2.3.zip")); !os.IsNotExist(err) {
		t.Error("a failed bundle should not leave a partial archive behind")
	}
}
