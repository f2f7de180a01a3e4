package dwc

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
)

var eventDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// SchemaInfo supplies the validator with what the targeted schemas know, so
// unknown and deprecated fields can be flagged. A nil SchemaInfo skips
// those checks.
type SchemaInfo struct {
	// KnownTerms is the union of terms across targeted schemas.
	KnownTerms map[string]bool
	// DeprecatedTerms are terms a schema marks deprecated.
	DeprecatedTerms map[string]bool
}

// Validate produces flag strings for a mapped record. Flags describe
// problems; they never cause rejection.
func Validate(fields map[string]api.FieldValue, schemas *SchemaInfo) []string {
	var flags []string

	var missing []string
	for _, term := range api.MinimalTerms {
		if fields[term].Value == "" {
			missing = append(missing, term)
		}
	}
	if len(missing) > 0 {
		flags = append(flags, "missing:"+strings.Join(missing, ","))
	}

	if date := fields["eventDate"].Value; date != "" && !eventDatePattern.MatchString(date) {
		flags = append(flags, "invalid:eventDate")
	}

	if schemas != nil {
		var invalid, deprecated []string
		for term := range fields {
			if len(schemas.KnownTerms) > 0 && !schemas.KnownTerms[term] {
				invalid = append(invalid, term)
			}
			if schemas.DeprecatedTerms[term] {
				deprecated = append(deprecated, term)
			}
		}
		sort.Strings(invalid)
		sort.Strings(deprecated)
		if len(invalid) > 0 {
			flags = append(flags, "invalid_fields:"+joinTruncated(invalid, 3))
		}
		if len(deprecated) > 0 {
			flags = append(flags, "deprecated_fields:"+joinTruncated(deprecated, 3))
		}
	}
	return flags
}

// joinTruncated keeps flag strings readable by naming at most limit terms.
func joinTruncated(terms []string, limit int) string {
	if len(terms) <= limit {
		return strings.Join(terms, ",")
	}
	return fmt.Sprintf("%s,...", strings.Join(terms[:limit], ","))
}

// AppendFlags joins new flags onto a record's existing flag list, order
// preserved.
func AppendFlags(record *api.DwcRecord, flags ...string) {
	record.Flags = append(record.Flags, flags...)
}
