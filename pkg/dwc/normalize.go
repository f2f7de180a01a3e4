package dwc

import (
	"strings"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
)

// institutionAliases folds the spellings seen on labels into canonical
// institution codes.
var institutionAliases = map[string]string{
	"university of saskatchewan": "SASK",
	"u of s":                     "SASK",
	"usask":                      "SASK",
	"sask":                       "SASK",
	"w.p. fraser herbarium":      "SASK",
	"wp fraser herbarium":        "SASK",
	"fraser herbarium":           "SASK",
}

// basisOfRecordVocabulary maps loose phrasings onto the DwC controlled
// vocabulary.
var basisOfRecordVocabulary = map[string]string{
	"preserved specimen": "PreservedSpecimen",
	"preservedspecimen":  "PreservedSpecimen",
	"specimen":           "PreservedSpecimen",
	"herbarium sheet":    "PreservedSpecimen",
	"fossil specimen":    "FossilSpecimen",
	"fossilspecimen":     "FossilSpecimen",
	"living specimen":    "LivingSpecimen",
	"livingspecimen":     "LivingSpecimen",
	"human observation":  "HumanObservation",
	"humanobservation":   "HumanObservation",
	"material sample":    "MaterialSample",
	"materialsample":     "MaterialSample",
	"occurrence":         "Occurrence",
}

var typeStatusVocabulary = map[string]string{
	"holotype":  "holotype",
	"isotype":   "isotype",
	"paratype":  "paratype",
	"syntype":   "syntype",
	"lectotype": "lectotype",
	"neotype":   "neotype",
	"topotype":  "topotype",
	"type":      "type",
}

// Normalize rewrites controlled-vocabulary and institution fields in place.
// Values with no table entry pass through untouched.
func Normalize(fields map[string]api.FieldValue) {
	for _, term := range []string{"institutionCode", "ownerInstitutionCode"} {
		if value, ok := fields[term]; ok {
			if canonical, found := institutionAliases[normKey(value.Value)]; found {
				value.Value = canonical
				fields[term] = value
			}
		}
	}
	if value, ok := fields["basisOfRecord"]; ok {
		if canonical, found := basisOfRecordVocabulary[normKey(value.Value)]; found {
			value.Value = canonical
			fields["basisOfRecord"] = value
		}
	}
	if value, ok := fields["typeStatus"]; ok {
		if canonical, found := typeStatusVocabulary[normKey(value.Value)]; found {
			value.Value = canonical
			fields["typeStatus"] = value
		}
	}
}

func normKey(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
