// Package schema manages locally cached copies of the Darwin Core and ABCD
// XML schemas, the term sets parsed out of them, and fuzzy suggestions for
// mapping unknown field names onto schema terms.
package schema

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const metadataFile = "schema_metadata.json"

// DefaultUpdateInterval is how long a cached schema stays fresh.
const DefaultUpdateInterval = 30 * 24 * time.Hour

// metadata describes the cached schema set.
type metadata struct {
	LastUpdate time.Time         `json:"last_update"`
	Versions   map[string]string `json:"versions,omitempty"`
	Namespaces map[string]string `json:"namespaces"`
	TermCounts map[string]int    `json:"term_counts"`
}

// namespaceClasses maps target namespaces onto schema family names.
var namespaceClasses = map[string]string{
	"http://rs.tdwg.org/dwc/terms/": "dwc",
	"http://rs.tdwg.org/abcd/2.06/": "abcd",
}

// Manager fetches, caches and serves schema term sets.
type Manager struct {
	fs             afero.Fs
	dir            string
	urls           map[string]string // schema name -> source URL
	client         *retryablehttp.Client
	updateInterval time.Duration
	now            func() time.Time

	meta  metadata
	terms map[string][]string
}

// NewManager opens a schema cache at dir, loading any cached state. It does
// not fetch; call Refresh to populate or update.
func NewManager(fs afero.Fs, dir string, urls map[string]string) (*Manager, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create schema cache directory %s: %w", dir, err)
	}
	client := retryablehttp.NewClient()
	client.Logger = &logAdapter{entry: logrus.WithField("client", "schema")}
	m := &Manager{
		fs:             fs,
		dir:            dir,
		urls:           urls,
		client:         client,
		updateInterval: DefaultUpdateInterval,
		now:            time.Now,
		terms:          map[string][]string{},
	}
	m.loadCache()
	return m, nil
}

// loadCache reads metadata and term files; corruption just leaves the cache
// empty so the next Refresh repairs it.
func (m *Manager) loadCache() {
	raw, err := afero.ReadFile(m.fs, filepath.Join(m.dir, metadataFile))
	if err != nil {
		return
	}
	if err := json.Unmarshal(raw, &m.meta); err != nil {
		logrus.WithError(err).Warn("Schema cache metadata is corrupt, it will be refetched.")
		m.meta = metadata{}
		return
	}
	for name := range m.meta.TermCounts {
		termsRaw, err := afero.ReadFile(m.fs, m.termsPath(name))
		if err != nil {
			continue
		}
		var terms []string
		if err := json.Unmarshal(termsRaw, &terms); err != nil {
			logrus.WithError(err).WithField("schema", name).Warn("Cached schema terms are corrupt, they will be refetched.")
			continue
		}
		m.terms[name] = terms
	}
}

func (m *Manager) termsPath(name string) string {
	return filepath.Join(m.dir, name+"_terms.json")
}

// Stale reports whether the cache needs a refresh.
func (m *Manager) Stale() bool {
	if len(m.terms) < len(m.urls) {
		return true
	}
	return m.now().Sub(m.meta.LastUpdate) > m.updateInterval
}

// Refresh fetches and reparses every configured schema. With force false a
// fresh cache is left alone.
func (m *Manager) Refresh(force bool) error {
	if !force && !m.Stale() {
		return nil
	}
	meta := metadata{
		LastUpdate: m.now(),
		Namespaces: map[string]string{},
		TermCounts: map[string]int{},
	}
	terms := map[string][]string{}
	for name, url := range m.urls {
		parsed, namespace, err := m.fetchSchema(url)
		if err != nil {
			return fmt.Errorf("could not refresh schema %s: %w", name, err)
		}
		if class, ok := namespaceClasses[namespace]; ok {
			meta.Namespaces[name] = class
		} else {
			meta.Namespaces[name] = namespace
		}
		meta.TermCounts[name] = len(parsed)
		terms[name] = parsed
		raw, err := json.MarshalIndent(parsed, "", "  ")
		if err != nil {
			return fmt.Errorf("could not serialize terms for %s: %w", name, err)
		}
		if err := afero.WriteFile(m.fs, m.termsPath(name), raw, 0o644); err != nil {
			return fmt.Errorf("could not cache terms for %s: %w", name, err)
		}
		logrus.WithFields(logrus.Fields{"schema": name, "terms": len(parsed)}).Info("Refreshed schema.")
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("could not serialize schema metadata: %w", err)
	}
	if err := afero.WriteFile(m.fs, filepath.Join(m.dir, metadataFile), raw, 0o644); err != nil {
		return fmt.Errorf("could not persist schema metadata: %w", err)
	}
	m.meta = meta
	m.terms = terms
	return nil
}

// fetchSchema downloads an XSD and extracts its element names and target
// namespace.
func (m *Manager) fetchSchema(url string) ([]string, string, error) {
	resp, err := m.client.Get(url)
	if err != nil {
		return nil, "", fmt.Errorf("fetch of %s failed: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch of %s returned status %d", url, resp.StatusCode)
	}
	return parseXSD(resp.Body)
}

// Available lists the schemas with cached term sets.
func (m *Manager) Available() []string {
	names := make([]string, 0, len(m.terms))
	for name := range m.terms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Terms returns the cached term list for a schema.
func (m *Manager) Terms(name string) ([]string, error) {
	terms, ok := m.terms[name]
	if !ok {
		return nil, fmt.Errorf("schema %s is not cached; refresh first", name)
	}
	return append([]string(nil), terms...), nil
}

// Compatibility reports the term overlap between two schemas.
type Compatibility struct {
	Shared  []string `json:"shared"`
	OnlyInA []string `json:"only_in_a"`
	OnlyInB []string `json:"only_in_b"`
}

// Compare computes the overlap report between two cached schemas.
func (m *Manager) Compare(a, b string) (*Compatibility, error) {
	termsA, err := m.Terms(a)
	if err != nil {
		return nil, err
	}
	termsB, err := m.Terms(b)
	if err != nil {
		return nil, err
	}
	setB := map[string]bool{}
	for _, term := range termsB {
		setB[term] = true
	}
	report := &Compatibility{}
	seenA := map[string]bool{}
	for _, term := range termsA {
		seenA[term] = true
		if setB[term] {
			report.Shared = append(report.Shared, term)
		} else {
			report.OnlyInA = append(report.OnlyInA, term)
		}
	}
	for _, term := range termsB {
		if !seenA[term] {
			report.OnlyInB = append(report.OnlyInB, term)
		}
	}
	sort.Strings(report.Shared)
	sort.Strings(report.OnlyInA)
	sort.Strings(report.OnlyInB)
	return report, nil
}

// Suggestion pairs an unmapped field name with its closest schema term.
type Suggestion struct {
	Field string  `json:"field"`
	Term  string  `json:"term"`
	Ratio float64 `json:"ratio"`
}

// SuggestMappings proposes schema terms for unmapped field names by string
// similarity over lowercased names. Only matches at or above threshold are
// returned.
func (m *Manager) SuggestMappings(unmapped []string, schemaName string, threshold float64) ([]Suggestion, error) {
	terms, err := m.Terms(schemaName)
	if err != nil {
		return nil, err
	}
	if threshold <= 0 {
		threshold = 0.6
	}
	var suggestions []Suggestion
	for _, field := range unmapped {
		best := Suggestion{Field: field}
		for _, term := range terms {
			ratio := similarity(strings.ToLower(field), strings.ToLower(term))
			if ratio > best.Ratio {
				best.Term = term
				best.Ratio = ratio
			}
		}
		if best.Ratio >= threshold {
			suggestions = append(suggestions, best)
		}
	}
	return suggestions, nil
}

// similarity is the difflib sequence-matcher ratio over characters.
func similarity(a, b string) float64 {
	return difflib.NewMatcher(splitChars(a), splitChars(b)).Ratio()
}

func splitChars(s string) []string {
	chars := make([]string, 0, len(s))
	for _, r := range s {
		chars = append(chars, string(r))
	}
	return chars
}

// logAdapter bridges retryablehttp's leveled logger onto logrus.
type logAdapter struct {
	entry *logrus.Entry
}

func (l *logAdapter) Error(msg string, keysAndValues ...interface{}) {
	l.entry.WithField("details", keysAndValues).Error(msg)
}
func (l *logAdapter) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithField("details", keysAndValues).Info(msg)
}
func (l *logAdapter) Debug(msg string, keysAndValues ...interface{}) {
	l.entry.WithField("details", keysAndValues).Debug(msg)
}
func (l *logAdapter) Warn(msg string, keysAndValues ...interface{}) {
	l.entry.WithField("details", keysAndValues).Warn(msg)
}
