// Package ingestion drives the statement ingestion pipeline: fetch, section
// preflight, immutable raw persistence, canonical mapping and daily snapshot
// generation, with a single-active-run lock per account.
package ingestion

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
	"time"
)

// xmlNode is a generic element tree used for statement parsing. Flex payloads
// carry all row data as attributes, so text content is ignored.
type xmlNode struct {
	XMLName  xml.Name   `xml:""`
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []xmlNode  `xml:",any"`
}

func (n *xmlNode) attrMap() map[string]string {
	attrs := make(map[string]string, len(n.Attrs))
	for _, attr := range n.Attrs {
		attrs[attr.Name.Local] = attr.Value
	}
	return attrs
}

// ExtractedRow is one raw section row ready for immutable persistence
type ExtractedRow struct {
	SectionName   string
	SourceRowRef  string
	SourcePayload map[string]string
}

// ExtractionResult carries the statement's local report date (when the
// metadata names one) and all extracted rows across sections.
type ExtractionResult struct {
	ReportDateLocal string // YYYY-MM-DD, empty when absent
	Rows            []ExtractedRow
}

// sourceRowRefKeys are the attributes preferred as stable row identity,
// in order.
var sourceRowRefKeys = []string{
	"transactionID", "transactionId",
	"tradeID", "tradeId",
	"actionID", "actionId",
	"ibExecID", "ibExecId",
	"execID", "execId",
	"id",
}

// ExtractRows parses a Flex payload and extracts every section row for raw
// persistence. Extraction is permissive: unknown sections are recorded too.
func ExtractRows(payload []byte) (*ExtractionResult, error) {
	statements, err := parseStatements(payload)
	if err != nil {
		return nil, err
	}

	result := &ExtractionResult{
		ReportDateLocal: extractReportDateLocal(&statements[0]),
	}

	for i := range statements {
		for j := range statements[i].Children {
			section := &statements[i].Children[j]
			sectionName := strings.TrimSpace(section.XMLName.Local)
			if sectionName == "" {
				continue
			}

			if len(section.Children) == 0 {
				// Section-level attributes still carry data (AccountInformation).
				result.Rows = append(result.Rows, ExtractedRow{
					SectionName:   sectionName,
					SourceRowRef:  fmt.Sprintf("%s:section:1", sectionName),
					SourcePayload: section.attrMap(),
				})
				continue
			}

			for rowIndex, row := range section.Children {
				payload := row.attrMap()
				result.Rows = append(result.Rows, ExtractedRow{
					SectionName:   sectionName,
					SourceRowRef:  buildSourceRowRef(sectionName, row.XMLName.Local, payload, rowIndex+1),
					SourcePayload: payload,
				})
			}
		}
	}

	return result, nil
}

// parseStatements decodes the payload and returns every FlexStatement element
func parseStatements(payload []byte) ([]xmlNode, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("payload must not be empty")
	}

	var root xmlNode
	if err := xml.Unmarshal(payload, &root); err != nil {
		return nil, fmt.Errorf("failed to parse statement payload: %w", err)
	}

	var statements []xmlNode
	collectStatements(&root, &statements)
	if len(statements) == 0 {
		return nil, fmt.Errorf("FlexStatement node not found in payload")
	}
	return statements, nil
}

func collectStatements(node *xmlNode, out *[]xmlNode) {
	if node.XMLName.Local == "FlexStatement" {
		*out = append(*out, *node)
		return
	}
	for i := range node.Children {
		collectStatements(&node.Children[i], out)
	}
}

// extractReportDateLocal reads the statement's report date, preferring
// reportDate over toDate. Unparseable values are ignored.
func extractReportDateLocal(statement *xmlNode) string {
	attrs := statement.attrMap()
	for _, key := range []string{"reportDate", "toDate"} {
		value := strings.TrimSpace(attrs[key])
		if value == "" {
			continue
		}
		for _, layout := range []string{"2006-01-02", "20060102"} {
			if parsed, err := time.Parse(layout, value); err == nil {
				return parsed.Format("2006-01-02")
			}
		}
	}
	return ""
}

// buildSourceRowRef produces the deterministic row handle used for raw row
// dedupe. Rows with an upstream identifier use it; the rest fall back to
// their one-based position.
func buildSourceRowRef(sectionName, rowTag string, payload map[string]string, rowIndex int) string {
	for _, key := range sourceRowRefKeys {
		if value := strings.TrimSpace(payload[key]); value != "" {
			return fmt.Sprintf("%s:%s:%s=%s", sectionName, rowTag, key, value)
		}
	}
	return fmt.Sprintf("%s:%s:idx=%d", sectionName, rowTag, rowIndex)
}

// sectionNames returns the sorted set of section names found under every
// FlexStatement element.
func sectionNames(statements []xmlNode) []string {
	seen := map[string]bool{}
	for i := range statements {
		for j := range statements[i].Children {
			name := strings.TrimSpace(statements[i].Children[j].XMLName.Local)
			if name != "" {
				seen[name] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
