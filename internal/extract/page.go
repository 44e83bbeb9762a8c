package extract

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/pmc-harvester/internal/metrics"
	"github.com/JakeFAU/pmc-harvester/internal/record"
)

// ErrMalformedDocument wraps an efetch body that is not parseable XML.
var ErrMalformedDocument = errors.New("malformed document page")

const defaultWorkers = 4

// Result is the outcome of extracting one page. Documents counts the
// units the page held, including dropped ones, so callers can tell an
// exhausted cursor from a page whose documents all lacked identifiers.
type Result struct {
	Records   []record.Record
	Documents int
}

// Dropped returns how many documents produced no record.
func (r Result) Dropped() int {
	return r.Documents - len(r.Records)
}

// Extractor splits pages into documents and extracts them concurrently.
type Extractor struct {
	workers int
	logger  *zap.Logger
}

// New builds an Extractor that runs at most workers extractions at once.
func New(workers int, logger *zap.Logger) *Extractor {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{workers: workers, logger: logger}
}

// DocumentPage parses an efetch body and returns one record per article
// that has a PMID, in document order.
func (e *Extractor) DocumentPage(ctx context.Context, body []byte) (Result, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return Result{}, nil
	}
	root, err := xmlquery.ParseWithOptions(bytes.NewReader(body), xmlquery.ParserOptions{
		Decoder: &xmlquery.DecoderOptions{
			Strict:        false,
			Entity:        xml.HTMLEntity,
			CharsetReader: charset.NewReaderLabel,
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrMalformedDocument, err)
	}
	articles := xmlquery.QuerySelectorAll(root, articlesExpr)
	if len(articles) == 0 {
		return Result{}, nil
	}

	results := make([]*record.Record, len(articles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, article := range articles {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, err := Article(article)
			if err != nil {
				metrics.ObserveDropped("missing_identifier")
				e.logger.Debug("Dropping article", zap.Int("position", i), zap.Error(err))
				return nil
			}
			results[i] = &rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("extract documents: %w", err)
	}

	out := Result{Records: make([]record.Record, 0, len(results)), Documents: len(articles)}
	for _, rec := range results {
		if rec != nil {
			out.Records = append(out.Records, *rec)
		}
	}
	return out, nil
}
