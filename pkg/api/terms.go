package api

// DwcTerms is the canonical ordered Darwin Core term list. occurrence.csv
// columns follow this order exactly; missing fields serialize as empty
// strings.
var DwcTerms = []string{
	"occurrenceID",
	"catalogNumber",
	"otherCatalogNumbers",
	"institutionCode",
	"ownerInstitutionCode",
	"collectionCode",
	"basisOfRecord",
	"recordedBy",
	"recordNumber",
	"eventDate",
	"year",
	"month",
	"day",
	"habitat",
	"country",
	"countryCode",
	"stateProvince",
	"county",
	"municipality",
	"locality",
	"decimalLatitude",
	"decimalLongitude",
	"geodeticDatum",
	"coordinateUncertaintyInMeters",
	"minimumElevationInMeters",
	"maximumElevationInMeters",
	"scientificName",
	"scientificNameAuthorship",
	"kingdom",
	"phylum",
	"class",
	"order",
	"family",
	"genus",
	"specificEpithet",
	"infraspecificEpithet",
	"taxonRank",
	"typeStatus",
	"identifiedBy",
	"dateIdentified",
	"identificationRemarks",
	"occurrenceRemarks",
	"fieldNotes",
	"dynamicProperties",
}

const dwcTermURIBase = "http://rs.tdwg.org/dwc/terms/"

// TermURI returns the full TDWG URI for a canonical DwC term, as required by
// meta.xml field declarations.
func TermURI(term string) string {
	if term == "occurrenceID" {
		// occurrenceID is also the core id column
		return dwcTermURIBase + "occurrenceID"
	}
	return dwcTermURIBase + term
}

// IdentHistoryColumns is the fixed column order of
// identification_history.csv.
var IdentHistoryColumns = []string{
	"occurrenceID",
	"identificationID",
	"identifiedBy",
	"dateIdentified",
	"scientificName",
	"scientificNameAuthorship",
	"taxonRank",
	"identificationQualifier",
	"identificationRemarks",
	"identificationReferences",
	"identificationVerificationStatus",
	"isCurrent",
}

// IdentHistoryURIs maps identification-history columns to the term URIs
// declared in the meta.xml extension.
var IdentHistoryURIs = map[string]string{
	"occurrenceID":                     dwcTermURIBase + "occurrenceID",
	"identificationID":                 dwcTermURIBase + "identificationID",
	"identifiedBy":                     dwcTermURIBase + "identifiedBy",
	"dateIdentified":                   dwcTermURIBase + "dateIdentified",
	"scientificName":                   dwcTermURIBase + "scientificName",
	"scientificNameAuthorship":         dwcTermURIBase + "scientificNameAuthorship",
	"taxonRank":                        dwcTermURIBase + "taxonRank",
	"identificationQualifier":          dwcTermURIBase + "identificationQualifier",
	"identificationRemarks":            dwcTermURIBase + "identificationRemarks",
	"identificationReferences":         dwcTermURIBase + "identificationReferences",
	"identificationVerificationStatus": dwcTermURIBase + "identificationVerificationStatus",
	"isCurrent":                        "http://rs.gbif.org/terms/1.0/isCurrent",
}

// MinimalTerms are the required minimal fields checked by the DwC validator.
var MinimalTerms = []string{
	"catalogNumber",
	"scientificName",
	"eventDate",
	"recordedBy",
	"country",
}

// RowTypeOccurrence and RowTypeIdentification are the DwC-A row types used
// in meta.xml.
const (
	RowTypeOccurrence     = "http://rs.tdwg.org/dwc/terms/Occurrence"
	RowTypeIdentification = "http://rs.gbif.org/terms/1.0/Identification"
)
