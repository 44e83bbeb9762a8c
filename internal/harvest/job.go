package harvest

import (
	"context"

	"github.com/google/uuid"

	"github.com/JakeFAU/pmc-harvester/internal/eutils"
	"github.com/JakeFAU/pmc-harvester/internal/extract"
	"github.com/JakeFAU/pmc-harvester/internal/record"
)

// Job is one query to harvest. Modes run in order against a single
// search context.
type Job struct {
	RunID    uuid.UUID
	Query    string
	Database string
	Modes    []record.Source
}

// State is the traversal state of one mode.
type State string

// Traversal states.
const (
	StateInit   State = "INIT"
	StatePaging State = "PAGING"
	StateDone   State = "DONE"
)

// PageRequest is one window of the cursor.
type PageRequest struct {
	Offset int
	Window int
}

// ContextOpener opens a server-side search context.
type ContextOpener interface {
	OpenContext(ctx context.Context, query, database string) (eutils.SearchContext, error)
}

// PageFetcher retrieves one window of a search context.
type PageFetcher interface {
	FetchSummaries(ctx context.Context, sc eutils.SearchContext, offset, window int) (eutils.SummaryPage, error)
	FetchDocuments(ctx context.Context, sc eutils.SearchContext, offset, window int) (eutils.DocumentPage, error)
}

// Archive is the remote API the controller pages through.
type Archive interface {
	ContextOpener
	PageFetcher
}

// Extractor turns raw pages into records.
type Extractor interface {
	SummaryPage(page eutils.SummaryPage) extract.Result
	DocumentPage(ctx context.Context, body []byte) (extract.Result, error)
}

// Sink stores records. Upsert must be idempotent on Record.ID with the
// last write winning.
type Sink interface {
	Upsert(ctx context.Context, rec record.Record) error
}

// ModeResult summarizes one traversal.
type ModeResult struct {
	Mode     record.Source
	State    State
	Requests []PageRequest
	Records  int
	Dropped  int
}

// Result summarizes a run.
type Result struct {
	RunID     uuid.UUID
	Query     string
	Count     int
	Truncated bool
	Modes     []ModeResult
}

// Records returns the number of records upserted across all modes.
func (r Result) Records() int {
	total := 0
	for _, m := range r.Modes {
		total += m.Records
	}
	return total
}
