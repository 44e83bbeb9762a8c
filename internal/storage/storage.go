// Package storage defines where harvested records, run bookkeeping and
// downloaded documents are persisted.
package storage

import (
	"context"
	"io"

	"github.com/JakeFAU/pmc-harvester/internal/record"
)

// RecordSink stores records keyed by Record.ID. Upsert is idempotent and the
// last write for an ID wins.
type RecordSink interface {
	Upsert(ctx context.Context, rec record.Record) error
	Close() error
}

// BlobStore persists raw documents and returns a URI for them.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

// Publisher sends a notification payload to a topic and returns the
// message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
