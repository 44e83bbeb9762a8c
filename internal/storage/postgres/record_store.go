package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/pmc-harvester/internal/record"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

var recordColumns = []string{
	"id",
	"doi",
	"article_type",
	"title",
	"subject",
	"abstract",
	"pub_date",
	"keywords",
	"authors",
	"funding",
	"affiliations",
	"data_availability",
	"has_data_availability",
	"code_availability",
	"has_code_availability",
	"journal_title",
	"publisher_name",
	"license_type",
	"copyright_year",
	"copyright_statement",
	"reference_count",
	"figure_count",
	"table_count",
	"has_supplemental",
	"source",
	"query",
	"harvested_at",
}

// RecordStore upserts records into a table keyed by record ID.
type RecordStore struct {
	pool  execCloser
	table string
	query string
}

// RecordsTable is the table the embedded migrations create for records.
const RecordsTable = "records"

// NewRecordStore builds a RecordStore over pool. An empty table defaults to
// RecordsTable.
func NewRecordStore(pool execCloser, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = RecordsTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordStore{pool: pool, table: table, query: upsertQuery(table)}, nil
}

func upsertQuery(table string) string {
	placeholders := make([]string, len(recordColumns))
	updates := make([]string, 0, len(recordColumns)-1)
	for i, col := range recordColumns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if col != "id" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s",
		table,
		strings.Join(recordColumns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)
}

// Upsert inserts rec or replaces the stored row with the same ID.
func (s *RecordStore) Upsert(ctx context.Context, rec record.Record) error {
	if rec.ID == "" {
		return errors.New("record id is required")
	}
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, s.query, args...); err != nil {
		return fmt.Errorf("upsert record %s: %w", rec.ID, err)
	}
	return nil
}

// Close releases the pool.
func (s *RecordStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func recordArgs(rec record.Record) ([]any, error) {
	lists := []any{rec.Keywords, rec.Authors, rec.Funding, rec.Affiliations, rec.DataAvailability, rec.CodeAvailability}
	encoded := make([][]byte, len(lists))
	for i, l := range lists {
		b, err := jsonList(l)
		if err != nil {
			return nil, fmt.Errorf("encode record %s: %w", rec.ID, err)
		}
		encoded[i] = b
	}
	return []any{
		rec.ID,
		rec.DOI,
		rec.ArticleType,
		rec.Title,
		rec.Subject,
		rec.Abstract,
		rec.PubDate,
		encoded[0],
		encoded[1],
		encoded[2],
		encoded[3],
		encoded[4],
		rec.HasDataAvailability,
		encoded[5],
		rec.HasCodeAvailability,
		rec.JournalTitle,
		rec.PublisherName,
		rec.LicenseType,
		rec.CopyrightYear,
		rec.CopyrightStatement,
		rec.ReferenceCount,
		rec.FigureCount,
		rec.TableCount,
		rec.HasSupplemental,
		string(rec.Source),
		rec.Query,
		rec.HarvestedAt,
	}, nil
}

// jsonList encodes a slice as a JSON array, writing [] for nil slices.
func jsonList(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte("[]"), nil
	}
	return b, nil
}
