// Package record defines the normalized article record produced by the
// extractor and consumed by every sink.
package record

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies which traversal produced a record.
type Source string

// Supported record sources.
const (
	SourceSummary  Source = "summary"
	SourceFullText Source = "fulltext"
)

// ParseSource maps a mode name to a Source. Matching ignores case and
// surrounding space.
func ParseSource(s string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(s))) {
	case SourceSummary:
		return SourceSummary, nil
	case SourceFullText:
		return SourceFullText, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// ParseSources parses every name in order.
func ParseSources(names []string) ([]Source, error) {
	out := make([]Source, 0, len(names))
	for _, n := range names {
		src, err := ParseSource(n)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

// Author is one contributor flagged as an author, in document order.
type Author struct {
	Surname         string `json:"surname"`
	GivenNames      string `json:"given_names"`
	ORCID           string `json:"orcid,omitempty"`
	IsCorresponding bool   `json:"is_corresponding"`
}

// Record is the unit of output. ID is the archive's stable public identifier;
// a Record without one is never emitted.
type Record struct {
	ID          string `json:"id"`
	DOI         string `json:"doi,omitempty"`
	ArticleType string `json:"article_type,omitempty"`
	Title       string `json:"title,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Abstract    string `json:"abstract,omitempty"`
	PubDate     string `json:"pub_date,omitempty"`

	Keywords     []string `json:"keywords"`
	Authors      []Author `json:"authors"`
	Funding      []string `json:"funding"`
	Affiliations []string `json:"affiliations"`

	DataAvailability    []string `json:"data_availability"`
	HasDataAvailability bool     `json:"has_data_availability"`
	CodeAvailability    []string `json:"code_availability"`
	HasCodeAvailability bool     `json:"has_code_availability"`

	JournalTitle       string `json:"journal_title,omitempty"`
	PublisherName      string `json:"publisher_name,omitempty"`
	LicenseType        string `json:"license_type,omitempty"`
	CopyrightYear      string `json:"copyright_year,omitempty"`
	CopyrightStatement string `json:"copyright_statement,omitempty"`
	ReferenceCount     int    `json:"reference_count"`
	FigureCount        int    `json:"figure_count"`
	TableCount         int    `json:"table_count"`
	HasSupplemental    bool   `json:"has_supplemental"`

	Source      Source    `json:"source"`
	Query       string    `json:"query,omitempty"`
	HarvestedAt time.Time `json:"harvested_at"`
}

// SetDataAvailability stores the extracted statements and keeps the presence
// flag in sync with the list.
func (r *Record) SetDataAvailability(texts []string) {
	r.DataAvailability = texts
	r.HasDataAvailability = len(texts) > 0
}

// SetCodeAvailability mirrors SetDataAvailability for code statements.
func (r *Record) SetCodeAvailability(texts []string) {
	r.CodeAvailability = texts
	r.HasCodeAvailability = len(texts) > 0
}
