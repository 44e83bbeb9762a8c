// Package csvexport appends data-availability and keyword rows to flat CSV
// files for sharing outside the database.
package csvexport

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/JakeFAU/pmc-harvester/internal/record"
)

// File names inside the export directory.
const (
	DataAvailableFile = "data-available.csv"
	KeywordFile       = "keyword.csv"
)

// Writer is a record sink that appends one row per availability statement
// and one row per keyword. Rows are keyed by DOI, or by record ID when the
// record has no DOI. Rows are appended, so re-harvesting repeats them.
type Writer struct {
	mu        sync.Mutex
	available *os.File
	keywords  *os.File
	availCSV  *csv.Writer
	kwCSV     *csv.Writer
}

// Open creates dir and opens both files for appending.
func Open(dir string) (*Writer, error) {
	if dir == "" {
		return nil, errors.New("export directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}
	available, err := openAppend(filepath.Join(dir, DataAvailableFile))
	if err != nil {
		return nil, err
	}
	keywords, err := openAppend(filepath.Join(dir, KeywordFile))
	if err != nil {
		_ = available.Close()
		return nil, err
	}
	return &Writer{
		available: available,
		keywords:  keywords,
		availCSV:  csv.NewWriter(available),
		kwCSV:     csv.NewWriter(keywords),
	}, nil
}

func openAppend(path string) (*os.File, error) {
	// #nosec G304 -- path is built from the configured export directory.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

// Upsert appends the rows for rec and flushes both files.
func (w *Writer) Upsert(_ context.Context, rec record.Record) error {
	key := rec.DOI
	if key == "" {
		key = rec.ID
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, text := range rec.DataAvailability {
		if err := w.availCSV.Write([]string{key, text}); err != nil {
			return fmt.Errorf("write availability row: %w", err)
		}
	}
	for _, kw := range rec.Keywords {
		if err := w.kwCSV.Write([]string{key, kw}); err != nil {
			return fmt.Errorf("write keyword row: %w", err)
		}
	}
	w.availCSV.Flush()
	w.kwCSV.Flush()
	return errors.Join(w.availCSV.Error(), w.kwCSV.Error())
}

// Close flushes and closes both files.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.availCSV.Flush()
	w.kwCSV.Flush()
	return errors.Join(w.availCSV.Error(), w.kwCSV.Error(), w.available.Close(), w.keywords.Close())
}
