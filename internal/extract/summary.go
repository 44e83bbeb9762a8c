package extract

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/pmc-harvester/internal/eutils"
	"github.com/JakeFAU/pmc-harvester/internal/metrics"
	"github.com/JakeFAU/pmc-harvester/internal/record"
)

var monthNumbers = map[string]string{
	"jan": "01", "feb": "02", "mar": "03", "apr": "04", "may": "05", "jun": "06",
	"jul": "07", "aug": "08", "sep": "09", "oct": "10", "nov": "11", "dec": "12",
}

// SummaryPage maps esummary entries to records, keeping server order.
// Entries without a PMID are dropped.
func (e *Extractor) SummaryPage(page eutils.SummaryPage) Result {
	out := Result{Records: make([]record.Record, 0, page.Len()), Documents: page.Len()}
	for _, s := range page.Summaries {
		rec, err := Summary(s)
		if err != nil {
			metrics.ObserveDropped("missing_identifier")
			continue
		}
		out.Records = append(out.Records, rec)
	}
	return out
}

// Summary maps one esummary entry to a record keyed by the entry's PMID,
// the same key full-text records use. The uid is the database's own
// numeric id (the PMC id for db=pmc) and is never used as the key.
func Summary(s eutils.Summary) (record.Record, error) {
	attrs := s.Attributes
	ids := summaryArticleIDs(attrs)
	id := firstNonEmpty(ids["pmid"], ids["pubmed"])
	if id == "" || id == "0" {
		return record.Record{}, ErrMissingIdentifier
	}

	rec := record.Record{
		ID:           id,
		DOI:          ids["doi"],
		Title:        stringAttr(attrs, "title"),
		JournalTitle: firstNonEmpty(stringAttr(attrs, "fulljournalname"), stringAttr(attrs, "source")),
	}
	rec.PubDate = SummaryDate(firstNonEmpty(stringAttr(attrs, "epubdate"), stringAttr(attrs, "pubdate")))

	if list, ok := attrs["authors"].([]any); ok {
		for _, raw := range list {
			entry, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if kind := stringAttr(entry, "authtype"); kind != "" && !strings.EqualFold(kind, "author") {
				continue
			}
			surname, given := splitSummaryName(stringAttr(entry, "name"))
			if surname == "" {
				continue
			}
			rec.Authors = append(rec.Authors, record.Author{Surname: surname, GivenNames: given})
		}
	}
	return rec, nil
}

// summaryArticleIDs indexes the articleids list by lower-cased idtype,
// keeping the first value of each type.
func summaryArticleIDs(attrs map[string]any) map[string]string {
	out := make(map[string]string)
	list, _ := attrs["articleids"].([]any)
	for _, raw := range list {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		kind := strings.ToLower(stringAttr(entry, "idtype"))
		value := stringAttr(entry, "value")
		if kind == "" || value == "" {
			continue
		}
		if _, seen := out[kind]; !seen {
			out[kind] = value
		}
	}
	return out
}

// SummaryDate converts esummary dates such as "2024 May 5" or "2023 Dec"
// to year[-month[-day]]. Unrecognized month tokens end the date there.
func SummaryDate(raw string) string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return ""
	}
	year, month, day := fields[0], "", ""
	if len(fields) > 1 {
		key := strings.ToLower(fields[1])
		if len(key) > 3 {
			key = key[:3]
		}
		month = monthNumbers[key]
	}
	if month != "" && len(fields) > 2 {
		var d int
		if _, err := fmt.Sscanf(fields[2], "%d", &d); err == nil && d >= 1 && d <= 31 {
			day = fmt.Sprintf("%02d", d)
		}
	}
	return ComposeDate(year, month, day)
}

// splitSummaryName splits "Smith JA" into surname and initials.
func splitSummaryName(name string) (string, string) {
	name = strings.TrimSpace(name)
	idx := strings.LastIndex(name, " ")
	if idx < 0 {
		return name, ""
	}
	return name[:idx], name[idx+1:]
}

func stringAttr(attrs map[string]any, key string) string {
	if v, ok := attrs[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
