// Package testhelper holds shared test utilities, mainly golden-fixture
// comparison for serialized artifacts.
package testhelper

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pmezard/go-difflib/difflib"
	"sigs.k8s.io/yaml"
)

// CompareWithFixture compares output against the golden fixture for the
// calling test and fails with a unified diff on mismatch. []byte and string
// outputs are compared as-is, anything else is serialized as yaml first.
// Fixtures live in $PWD/testdata and are rewritten when the UPDATE env var
// is set.
func CompareWithFixture(t *testing.T, output interface{}) {
	t.Helper()

	var serialized []byte
	switch v := output.(type) {
	case []byte:
		serialized = v
	case string:
		serialized = []byte(v)
	default:
		raw, err := yaml.Marshal(v)
		if err != nil {
			t.Fatalf("failed to yaml marshal output of type %T: %v", output, err)
		}
		serialized = raw
	}

	golden, err := filepath.Abs(filepath.Join("testdata", fixtureName(t.Name())))
	if err != nil {
		t.Fatalf("failed to get absolute path to testdata file: %v", err)
	}
	if os.Getenv("UPDATE") != "" {
		if err := os.WriteFile(golden, serialized, 0644); err != nil {
			t.Fatalf("failed to write updated fixture: %v", err)
		}
	}
	expected, err := os.ReadFile(golden)
	if err != nil {
		t.Fatalf("failed to read testdata file: %v", err)
	}

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(expected)),
		B:        difflib.SplitLines(string(serialized)),
		FromFile: "Fixture",
		ToFile:   "Current",
		Context:  3,
	}
	diffStr, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		t.Fatal(err)
	}
	if diffStr != "" {
		t.Errorf("got diff between expected and actual result: \n%s\n\nIf this is expected, re-run the test with `UPDATE=true go test ./...` to update the fixtures.", diffStr)
	}
}

// fixtureName derives the fixture filename from a test name, collapsing
// anything outside [a-zA-Z0-9_.] (subtest slashes, spaces) into underscores.
func fixtureName(testName string) string {
	result := strings.Builder{}
	for _, r := range testName {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '.' {
			result.WriteRune(r)
		} else if !strings.HasSuffix(result.String(), "_") {
			result.WriteRune('_')
		}
	}
	return "zz_fixture_" + result.String() + ".yaml"
}
