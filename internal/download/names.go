package download

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Kinds of supplementary documents.
const (
	KindXML    = "xml"
	KindBibTeX = "bib"
)

// XMLName returns the blob path for the XML export of the article at
// landing: the URL path with slashes replaced by underscores.
func XMLName(landing string) (string, error) {
	u, err := url.Parse(landing)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", landing, err)
	}
	p := strings.TrimLeft(u.Path, "/")
	if p == "" {
		return "", fmt.Errorf("url %q has no path", landing)
	}
	return KindXML + "/" + strings.ReplaceAll(p, "/", "_") + ".xml", nil
}

// BibTeXName returns the blob path for the BibTeX export of the article at
// landing: the last path segment.
func BibTeXName(landing string) (string, error) {
	u, err := url.Parse(landing)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", landing, err)
	}
	base := path.Base(strings.TrimRight(u.Path, "/"))
	if base == "." || base == "/" || base == "" {
		return "", fmt.Errorf("url %q has no path", landing)
	}
	return KindBibTeX + "/" + base + ".bib", nil
}
