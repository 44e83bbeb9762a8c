package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pmc-harvester/internal/record"
)

// Notification is the compact message published after a record is stored.
type Notification struct {
	ID     string        `json:"id"`
	DOI    string        `json:"doi,omitempty"`
	Source record.Source `json:"source"`
	Query  string        `json:"query,omitempty"`
}

// NotificationFor builds the notification for rec.
func NotificationFor(rec record.Record) Notification {
	return Notification{ID: rec.ID, DOI: rec.DOI, Source: rec.Source, Query: rec.Query}
}

// Fanout writes each record to a primary sink, then to any secondary sinks,
// then publishes a Notification. Sink errors fail the upsert; publish errors
// are logged and dropped since the record is already durable.
type Fanout struct {
	primary   RecordSink
	secondary []RecordSink
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

// FanoutOption customizes a Fanout.
type FanoutOption func(*Fanout)

// WithSecondary adds sinks written after the primary one.
func WithSecondary(sinks ...RecordSink) FanoutOption {
	return func(f *Fanout) {
		for _, s := range sinks {
			if s != nil {
				f.secondary = append(f.secondary, s)
			}
		}
	}
}

// WithPublisher publishes a Notification to topic after every upsert.
func WithPublisher(p Publisher, topic string) FanoutOption {
	return func(f *Fanout) {
		f.publisher = p
		f.topic = topic
	}
}

// WithFanoutLogger sets the logger used for publish failures.
func WithFanoutLogger(l *zap.Logger) FanoutOption {
	return func(f *Fanout) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFanout wraps primary.
func NewFanout(primary RecordSink, opts ...FanoutOption) (*Fanout, error) {
	if primary == nil {
		return nil, errors.New("primary sink is required")
	}
	f := &Fanout{primary: primary, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Upsert implements RecordSink.
func (f *Fanout) Upsert(ctx context.Context, rec record.Record) error {
	if err := f.primary.Upsert(ctx, rec); err != nil {
		return err
	}
	for _, s := range f.secondary {
		if err := s.Upsert(ctx, rec); err != nil {
			return fmt.Errorf("secondary sink: %w", err)
		}
	}
	if f.publisher == nil {
		return nil
	}
	if _, err := f.publisher.Publish(ctx, f.topic, NotificationFor(rec)); err != nil {
		f.logger.Warn("Failed to publish record notification",
			zap.String("record_id", rec.ID),
			zap.String("topic", f.topic),
			zap.Error(err),
		)
	}
	return nil
}

// Close closes every sink and joins their errors.
func (f *Fanout) Close() error {
	errs := []error{f.primary.Close()}
	for _, s := range f.secondary {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
