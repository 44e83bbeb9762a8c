package extract

import "github.com/antchfx/xpath"

var (
	articlesExpr = xpath.MustCompile("//*[local-name()='article']")

	pmidExpr     = xpath.MustCompile(".//article-id[@pub-id-type='pmid']")
	doiExpr      = xpath.MustCompile(".//article-id[@pub-id-type='doi']")
	titleExpr    = xpath.MustCompile(".//article-title")
	subjectExpr  = xpath.MustCompile(".//subj-group[@subj-group-type='heading']/subject")
	abstractExpr = xpath.MustCompile(".//abstract")

	epubDateExpr  = xpath.MustCompile(".//pub-date[@pub-type='epub' or (@date-type='pub' and @publication-format='electronic')]")
	printDateExpr = xpath.MustCompile(".//pub-date[@date-type='pub' or @pub-type='ppub']")
	anyDateExpr   = xpath.MustCompile(".//pub-date")
	yearExpr      = xpath.MustCompile("year")
	monthExpr     = xpath.MustCompile("month")
	dayExpr       = xpath.MustCompile("day")

	keywordExpr          = xpath.MustCompile(".//kwd")
	fundingStatementExpr = xpath.MustCompile(".//funding-statement")
	fundingSourceExpr    = xpath.MustCompile(".//funding-source")
	sectionTitleExpr     = xpath.MustCompile(".//title")

	authorExpr     = xpath.MustCompile(".//contrib[@contrib-type='author']")
	surnameExpr    = xpath.MustCompile("name/surname")
	givenNamesExpr = xpath.MustCompile("name/given-names")
	orcidExpr      = xpath.MustCompile("contrib-id[@contrib-id-type='orcid']")
	correspExpr    = xpath.MustCompile("xref[@ref-type='corresp']")

	referenceExpr   = xpath.MustCompile(".//ref-list/ref")
	figureExpr      = xpath.MustCompile(".//fig")
	tableExpr       = xpath.MustCompile(".//table-wrap")
	affiliationExpr = xpath.MustCompile(".//aff")

	licenseExpr            = xpath.MustCompile(".//license")
	journalTitleExpr       = xpath.MustCompile(".//journal-title")
	publisherNameExpr      = xpath.MustCompile(".//publisher-name")
	copyrightYearExpr      = xpath.MustCompile(".//copyright-year")
	copyrightStatementExpr = xpath.MustCompile(".//copyright-statement")
	supplementFlagExpr     = xpath.MustCompile(".//custom-meta[meta-name='pmc-prop-has-supplement']/meta-value")
)
