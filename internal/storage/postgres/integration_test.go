//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/JakeFAU/pmc-harvester/internal/record"
	"github.com/JakeFAU/pmc-harvester/internal/store"
)

func TestPostgresStoresAgainstContainer(t *testing.T) {
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("pmc"),
		tcpostgres.WithUsername("harvester"),
		tcpostgres.WithPassword("harvester"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := NewPool(ctx, PoolConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, Migrate(pool, nil))
	require.NoError(t, Migrate(pool, nil), "second run is a no-op")

	records, err := NewRecordStore(pool, RecordsTable)
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := record.Record{ID: "38000001", Title: "Draft", Source: record.SourceSummary, HarvestedAt: now}
	require.NoError(t, records.Upsert(ctx, rec))
	rec.Title = "Final"
	rec.Source = record.SourceFullText
	rec.Keywords = []string{"open data"}
	require.NoError(t, records.Upsert(ctx, rec))

	var (
		count  int
		title  string
		source string
	)
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM records`).Scan(&count))
	require.NoError(t, pool.QueryRow(ctx, `SELECT title, source FROM records WHERE id = $1`, rec.ID).Scan(&title, &source))
	assert.Equal(t, 1, count)
	assert.Equal(t, "Final", title)
	assert.Equal(t, "fulltext", source)

	runs, err := NewRunStore(pool)
	require.NoError(t, err)
	id := uuid.New()
	require.NoError(t, runs.CreateRun(ctx, store.Run{ID: id, Query: "informatics", Modes: []string{"summary"}}))
	require.NoError(t, runs.StartRun(ctx, id, "informatics", now))
	require.NoError(t, runs.AddPages(ctx, id, 2, 700, now))
	require.NoError(t, runs.CompleteRun(ctx, id, now.Add(time.Minute), store.RunSuccess, nil))

	got, err := runs.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.RunSuccess, got.Status)
	assert.EqualValues(t, 700, got.Records)
	assert.Equal(t, []string{"summary"}, got.Modes)

	listed, err := runs.ListRuns(ctx, nil, 10, 0)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}
