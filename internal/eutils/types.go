package eutils

// SearchContext is the server-side history handle for one query. Count is a
// snapshot taken when the context was opened.
type SearchContext struct {
	WebEnv   string
	QueryKey string
	Count    int
	Query    string
	Database string
}

// Summary is one esummary entry: the uid and its attribute bag.
type Summary struct {
	UID        string
	Attributes map[string]any
}

// SummaryPage holds esummary entries in the order the server listed them.
type SummaryPage struct {
	Summaries []Summary
}

// Len returns the number of entries on the page.
func (p SummaryPage) Len() int {
	return len(p.Summaries)
}

// DocumentPage is the raw efetch body for one window. It holds zero or more
// article elements.
type DocumentPage struct {
	Body []byte
}

// Empty reports whether the page carried no payload.
func (p DocumentPage) Empty() bool {
	for _, b := range p.Body {
		switch b {
		case ' ', '\t', '\n', '\r':
		default:
			return false
		}
	}
	return true
}

type esearchResponse struct {
	Result struct {
		Count    string `json:"count"`
		QueryKey string `json:"querykey"`
		WebEnv   string `json:"webenv"`
		Error    string `json:"ERROR,omitempty"`
	} `json:"esearchresult"`
}
