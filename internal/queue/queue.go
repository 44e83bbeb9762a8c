// Package queue defines the work item handed from the API to the worker pool.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/pmc-harvester/internal/record"
)

// ErrClosed is returned by Dequeue once the queue has been closed and drained.
var ErrClosed = errors.New("queue closed")

// Item is one queued harvest of a single query.
type Item struct {
	RunID     uuid.UUID
	Query     string
	Database  string
	Modes     []record.Source
	Submitted time.Time
}

// Queue abstracts the handoff between submitters and workers.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
	Dequeue(ctx context.Context) (Item, error)
}
