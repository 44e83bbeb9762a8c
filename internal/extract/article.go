package extract

import (
	"errors"
	"regexp"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"

	"github.com/JakeFAU/pmc-harvester/internal/record"
)

// ErrMissingIdentifier marks an article without a PMID. Such articles are
// dropped, never the page they came from.
var ErrMissingIdentifier = errors.New("article has no pmid")

var (
	dataAvailabilityTitle = regexp.MustCompile(`(?i)^data\s*availability:?$`)
	codeAvailabilityTitle = regexp.MustCompile(`(?i)^code\s*availability:?$`)
	whitespaceRun         = regexp.MustCompile(`\s+`)
)

// Article extracts one record from an <article> element.
func Article(article *xmlquery.Node) (record.Record, error) {
	if article == nil {
		return record.Record{}, ErrMissingIdentifier
	}
	id := strings.TrimSpace(text(article, pmidExpr))
	if id == "" {
		return record.Record{}, ErrMissingIdentifier
	}

	rec := record.Record{
		ID:                 id,
		DOI:                strings.TrimSpace(text(article, doiExpr)),
		ArticleType:        article.SelectAttr("article-type"),
		Title:              text(article, titleExpr),
		Subject:            strings.TrimSpace(text(article, subjectExpr)),
		Abstract:           strings.TrimSpace(text(article, abstractExpr)),
		PubDate:            pubDate(article),
		Keywords:           texts(article, keywordExpr),
		Authors:            authors(article),
		Funding:            funding(article),
		Affiliations:       texts(article, affiliationExpr),
		JournalTitle:       strings.TrimSpace(text(article, journalTitleExpr)),
		PublisherName:      strings.TrimSpace(text(article, publisherNameExpr)),
		CopyrightYear:      strings.TrimSpace(text(article, copyrightYearExpr)),
		CopyrightStatement: strings.TrimSpace(text(article, copyrightStatementExpr)),
		ReferenceCount:     count(article, referenceExpr),
		FigureCount:        count(article, figureExpr),
		TableCount:         count(article, tableExpr),
		HasSupplemental:    strings.TrimSpace(text(article, supplementFlagExpr)) == "yes",
	}
	if lic := xmlquery.QuerySelector(article, licenseExpr); lic != nil {
		rec.LicenseType = lic.SelectAttr("license-type")
	}
	rec.SetDataAvailability(sections(article, dataAvailabilityTitle))
	rec.SetCodeAvailability(sections(article, codeAvailabilityTitle))
	return rec, nil
}

// pubDate prefers the electronic date, then the print or "pub" date, then
// whichever date comes first.
func pubDate(article *xmlquery.Node) string {
	for _, expr := range []*xpath.Expr{epubDateExpr, printDateExpr, anyDateExpr} {
		if node := xmlquery.QuerySelector(article, expr); node != nil {
			return ComposeDate(
				strings.TrimSpace(text(node, yearExpr)),
				strings.TrimSpace(text(node, monthExpr)),
				strings.TrimSpace(text(node, dayExpr)),
			)
		}
	}
	return ""
}

// ComposeDate joins the non-empty parts as year[-month[-day]].
func ComposeDate(year, month, day string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{year, month, day} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "-")
}

func authors(article *xmlquery.Node) []record.Author {
	nodes := xmlquery.QuerySelectorAll(article, authorExpr)
	if len(nodes) == 0 {
		return nil
	}
	out := make([]record.Author, 0, len(nodes))
	for _, contrib := range nodes {
		out = append(out, record.Author{
			Surname:         text(contrib, surnameExpr),
			GivenNames:      text(contrib, givenNamesExpr),
			ORCID:           strings.TrimSpace(text(contrib, orcidExpr)),
			IsCorresponding: xmlquery.QuerySelector(contrib, correspExpr) != nil,
		})
	}
	return out
}

func funding(article *xmlquery.Node) []string {
	if statements := texts(article, fundingStatementExpr); len(statements) > 0 {
		return statements
	}
	return texts(article, fundingSourceExpr)
}

// sections returns, for every title matching pattern, the text of the first
// <p> sibling that follows it.
func sections(article *xmlquery.Node, pattern *regexp.Regexp) []string {
	var out []string
	for _, title := range xmlquery.QuerySelectorAll(article, sectionTitleExpr) {
		if !pattern.MatchString(NormalizeSpace(title.InnerText())) {
			continue
		}
		for sib := title.NextSibling; sib != nil; sib = sib.NextSibling {
			if sib.Type == xmlquery.ElementNode && sib.Data == "p" {
				out = append(out, sib.InnerText())
				break
			}
		}
	}
	return out
}

// NormalizeSpace trims s and collapses internal whitespace runs to one space.
func NormalizeSpace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

func text(top *xmlquery.Node, expr *xpath.Expr) string {
	if node := xmlquery.QuerySelector(top, expr); node != nil {
		return node.InnerText()
	}
	return ""
}

func texts(top *xmlquery.Node, expr *xpath.Expr) []string {
	nodes := xmlquery.QuerySelectorAll(top, expr)
	if len(nodes) == 0 {
		return nil
	}
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.InnerText()
	}
	return out
}

func count(top *xmlquery.Node, expr *xpath.Expr) int {
	return len(xmlquery.QuerySelectorAll(top, expr))
}
