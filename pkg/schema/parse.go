package schema

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
)

// parseXSD tokenizes an XML schema document, collecting the name attribute
// of every xs:element declaration and the schema's targetNamespace.
func parseXSD(r io.Reader) ([]string, string, error) {
	decoder := xml.NewDecoder(r)
	seen := map[string]bool{}
	var namespace string
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("malformed schema document: %w", err)
		}
		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "schema":
			for _, attr := range start.Attr {
				if attr.Name.Local == "targetNamespace" {
					namespace = attr.Value
				}
			}
		case "element":
			for _, attr := range start.Attr {
				if attr.Name.Local == "name" && attr.Value != "" {
					seen[attr.Value] = true
				}
			}
		}
	}
	terms := make([]string, 0, len(seen))
	for term := range seen {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	return terms, namespace, nil
}
