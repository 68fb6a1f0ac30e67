package aggregation

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueriesPostgres(t *testing.T) {
	l, err := newLayout(Postgres, "AGG", false, false, nil)
	require.NoError(t, err)
	q := newQueries(l)

	assert.Equal(t, "SELECT exchange, version FROM AGG WHERE id = $1", q.selectOne)
	assert.Equal(t, "SELECT version FROM AGG WHERE id = $1 FOR UPDATE", q.selectVersionLock)
	assert.Equal(t, "INSERT INTO AGG (id, exchange, version) VALUES ($1, $2, $3)", q.insert)
	assert.Equal(t, "UPDATE AGG SET exchange = $1, version = version + 1 WHERE id = $2", q.update)
	assert.Equal(t, "UPDATE AGG SET exchange = $1, version = version + 1 WHERE id = $2 AND version = $3", q.updateVersioned)
	assert.Equal(t, "DELETE FROM AGG WHERE id = $1 AND version = $2", q.deleteVersioned)
	assert.Equal(t, "INSERT INTO AGG_completed (id, exchange, version) VALUES ($1, $2, $3)", q.insertCompleted)
	assert.Equal(t, "SELECT id FROM AGG_completed ORDER BY id", q.scan)
	assert.Empty(t, q.scanByInstance)
}

func TestQueriesClusteredWithTextColumns(t *testing.T) {
	l, err := newLayout(Postgres, "AGG", true, true, []string{"NebulaEventType"})
	require.NoError(t, err)
	q := newQueries(l)

	assert.Equal(t,
		"INSERT INTO AGG (id, exchange, version, body, NebulaEventType) VALUES ($1, $2, $3, $4, $5)",
		q.insert)
	assert.Equal(t,
		"UPDATE AGG SET exchange = $1, version = version + 1, body = $2, NebulaEventType = $3 WHERE id = $4 AND version = $5",
		q.updateVersioned)
	assert.Equal(t,
		"INSERT INTO AGG_completed (id, exchange, version, instance_id, body, NebulaEventType) VALUES ($1, $2, $3, $4, $5, $6)",
		q.insertCompleted)
	assert.Equal(t, "SELECT id FROM AGG_completed WHERE instance_id = $1 ORDER BY id", q.scan)
	assert.Equal(t, "SELECT id FROM AGG_completed ORDER BY id", q.scanAll)
}

func TestQueriesMySQL(t *testing.T) {
	l, err := newLayout(MySQL, "app.AGG", true, false, nil)
	require.NoError(t, err)
	q := newQueries(l)

	assert.Equal(t, "UPDATE app.AGG SET exchange = ?, version = version + 1 WHERE id = ? AND version = ?", q.updateVersioned)
	assert.Equal(t, "INSERT INTO app.AGG_completed (id, exchange, version, instance_id) VALUES (?, ?, ?, ?)", q.insertCompleted)
	assert.NotContains(t, q.insert, "$")
}

func TestLayoutValidation(t *testing.T) {
	_, err := newLayout(Postgres, "", false, false, nil)
	assert.True(t, errors.Is(err, ErrTableNameRequired))

	for _, name := range []string{"agg;drop", "a..b", "a-b", "."} {
		_, err := newLayout(Postgres, name, false, false, nil)
		assert.ErrorIs(t, err, ErrInvalidTableName, name)
	}

	_, err = newLayout(Postgres, "agg", false, false, []string{"bad header"})
	assert.ErrorIs(t, err, ErrInvalidColumnName)

	_, err = newLayout(Postgres, "agg", false, false, []string{"Version"})
	assert.ErrorIs(t, err, ErrInvalidColumnName)

	l, err := newLayout(Postgres, "agg", false, false, []string{"h1", "H1", "h2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "h2"}, l.headerCols)
}

func TestSchemaPostgresClustered(t *testing.T) {
	stmts, err := Schema(Postgres, "AGG", SchemaOptions{Clustered: true, StoreBodyAsText: true})
	require.NoError(t, err)
	require.Len(t, stmts, 3)

	assert.True(t, strings.HasPrefix(stmts[0], "CREATE TABLE IF NOT EXISTS AGG ("))
	assert.Contains(t, stmts[0], "exchange BYTEA NOT NULL")
	assert.Contains(t, stmts[0], "body TEXT")
	assert.NotContains(t, stmts[0], "instance_id")

	assert.True(t, strings.HasPrefix(stmts[1], "CREATE TABLE IF NOT EXISTS AGG_completed ("))
	assert.Contains(t, stmts[1], "instance_id VARCHAR(255)")
	assert.Equal(t, "CREATE INDEX IF NOT EXISTS AGG_completed_instance_idx ON AGG_completed (instance_id)", stmts[2])
}

func TestSchemaMySQL(t *testing.T) {
	stmts, err := Schema(MySQL, "app.AGG", SchemaOptions{Clustered: true, HeadersAsText: []string{"region"}})
	require.NoError(t, err)
	require.Len(t, stmts, 2)

	assert.Contains(t, stmts[0], "exchange LONGBLOB NOT NULL")
	assert.Contains(t, stmts[0], "region LONGTEXT")
	assert.Contains(t, stmts[1], "INDEX app_AGG_completed_instance_idx (instance_id)")
	assert.Contains(t, stmts[1], "PRIMARY KEY (id)")
}

func TestDialectByName(t *testing.T) {
	for name, want := range map[string]Dialect{"pgx": Postgres, "PostgreSQL": Postgres, "mysql": MySQL, "mariadb": MySQL} {
		got, err := DialectByName(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := DialectByName("oracle")
	assert.ErrorIs(t, err, ErrUnknownDialect)
}
