//go:build integration

package aggregation_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-components/pkg/aggregation"
	"github.com/ajitpratap0/nebula-components/pkg/exchange"
	"github.com/ajitpratap0/nebula-components/pkg/testutil"
)

func TestPostgresRepositoryIntegration(t *testing.T) {
	testutil.IntegrationTest(t)
	ctx := context.Background()
	db := testutil.StartPostgres(t, ctx)
	runRepositorySuite(t, ctx, db, aggregation.Postgres)
}

func TestMySQLRepositoryIntegration(t *testing.T) {
	testutil.IntegrationTest(t)
	ctx := context.Background()
	db := testutil.StartMySQL(t, ctx)
	runRepositorySuite(t, ctx, db, aggregation.MySQL)
}

func runRepositorySuite(t *testing.T, ctx context.Context, db *sql.DB, d aggregation.Dialect) {
	newRepo := func(t *testing.T, table string, opts ...aggregation.Option) *aggregation.SQLRepository {
		base := []aggregation.Option{
			aggregation.WithDialect(d),
			aggregation.WithTable(table),
			aggregation.WithLogger(zaptest.NewLogger(t)),
			aggregation.WithMetrics(testutil.NewMetrics().Repository),
		}
		repo, err := aggregation.Open(db, append(base, opts...)...)
		require.NoError(t, err)
		require.NoError(t, repo.CreateSchema(ctx))
		return repo
	}

	t.Run("lifecycle", func(t *testing.T) {
		repo := newRepo(t, "AGG")
		a := exchange.New("A")
		b := exchange.New("B")

		_, err := repo.Add(ctx, "k1", a)
		require.NoError(t, err)
		_, err = repo.Add(ctx, "k1", b)
		require.NoError(t, err)

		got, err := repo.Get(ctx, "k1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "B", got.Body())
		assert.Equal(t, b.ID(), got.ID())

		require.NoError(t, repo.Remove(ctx, "k1", got))
		got, err = repo.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Nil(t, got)

		ids, err := repo.Scan(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, b.ID())

		recovered, err := repo.Recover(ctx, b.ID())
		require.NoError(t, err)
		require.NotNil(t, recovered)
		assert.Equal(t, "B", recovered.Body())

		require.NoError(t, repo.Confirm(ctx, b.ID()))
		require.NoError(t, repo.Confirm(ctx, b.ID()))
		ids, err = repo.Scan(ctx)
		require.NoError(t, err)
		assert.NotContains(t, ids, b.ID())
	})

	t.Run("optimistic conflict", func(t *testing.T) {
		repo := newRepo(t, "AGG_OPT", aggregation.WithInstanceID("node-a"), aggregation.WithOptimistic(true))

		const writers = 6
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
			conflicts int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := repo.AddOptimistic(ctx, "race", nil, exchange.New(fmt.Sprint(i)))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case errors.Is(err, aggregation.ErrOptimisticLocking):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, writers-1, conflicts)

		current, err := repo.Get(ctx, "race")
		require.NoError(t, err)
		_, err = repo.AddOptimistic(ctx, "race", current, exchange.New("next"))
		require.NoError(t, err)
		_, err = repo.AddOptimistic(ctx, "race", current, exchange.New("stale"))
		assert.ErrorIs(t, err, aggregation.ErrOptimisticLocking)
	})

	t.Run("clustered scan", func(t *testing.T) {
		nodeA := newRepo(t, "AGG_CL", aggregation.WithInstanceID("node-a"))
		nodeB := newRepo(t, "AGG_CL", aggregation.WithInstanceID("node-b"))

		exA := exchange.New("a")
		_, err := nodeA.Add(ctx, "ka", exA)
		require.NoError(t, err)
		require.NoError(t, nodeA.Remove(ctx, "ka", exA))

		idsB, err := nodeB.Scan(ctx)
		require.NoError(t, err)
		assert.NotContains(t, idsB, exA.ID())

		orphans, err := nodeB.RecoverByInstance(ctx, "node-a")
		require.NoError(t, err)
		assert.Contains(t, orphans, exA.ID())
	})
}
