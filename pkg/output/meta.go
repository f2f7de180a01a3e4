package output

import (
	"encoding/xml"
	"fmt"
	"os"

	"github.com/devvyn/herbarium-specimen-tools/pkg/api"
)

// meta.xml structure per the Darwin Core text guidelines.
type metaArchive struct {
	XMLName   xml.Name       `xml:"archive"`
	Xmlns     string         `xml:"xmlns,attr"`
	Core      metaFileBlock  `xml:"core"`
	Extension *metaFileBlock `xml:"extension,omitempty"`
}

type metaFileBlock struct {
	RowType            string      `xml:"rowType,attr"`
	Encoding           string      `xml:"encoding,attr"`
	FieldsTerminatedBy string      `xml:"fieldsTerminatedBy,attr"`
	LinesTerminatedBy  string      `xml:"linesTerminatedBy,attr"`
	FieldsEnclosedBy   string      `xml:"fieldsEnclosedBy,attr"`
	IgnoreHeaderLines  int         `xml:"ignoreHeaderLines,attr"`
	Files              metaFiles   `xml:"files"`
	ID                 *metaIndex  `xml:"id,omitempty"`
	CoreID             *metaIndex  `xml:"coreid,omitempty"`
	Fields             []metaField `xml:"field"`
}

type metaFiles struct {
	Location string `xml:"location"`
}

type metaIndex struct {
	Index int `xml:"index,attr"`
}

type metaField struct {
	Index int    `xml:"index,attr"`
	Term  string `xml:"term,attr"`
}

func fileBlock(rowType, location string) metaFileBlock {
	return metaFileBlock{
		RowType:            rowType,
		Encoding:           "UTF-8",
		FieldsTerminatedBy: ",",
		LinesTerminatedBy:  "\\n",
		FieldsEnclosedBy:   `"`,
		IgnoreHeaderLines:  1,
		Files:              metaFiles{Location: location},
	}
}

// WriteMetaXML writes the DwC-A descriptor declaring the occurrence core
// and the identification history extension.
func WriteMetaXML(path string) error {
	core := fileBlock(api.RowTypeOccurrence, "occurrence.csv")
	core.ID = &metaIndex{Index: 0}
	for n, term := range api.DwcTerms {
		core.Fields = append(core.Fields, metaField{Index: n, Term: api.TermURI(term)})
	}

	extension := fileBlock(api.RowTypeIdentification, "identification_history.csv")
	extension.CoreID = &metaIndex{Index: 0}
	for n, column := range api.IdentHistoryColumns {
		extension.Fields = append(extension.Fields, metaField{Index: n, Term: api.IdentHistoryURIs[column]})
	}

	archive := metaArchive{
		Xmlns:     "http://rs.tdwg.org/dwc/text/",
		Core:      core,
		Extension: &extension,
	}
	raw, err := xml.MarshalIndent(archive, "", "  ")
	if err != nil {
		return fmt.Errorf("could not serialize meta.xml: %w", err)
	}
	content := append([]byte(xml.Header), raw...)
	content = append(content, '\n')
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("could not write %s: %w", path, err)
	}
	return nil
}
