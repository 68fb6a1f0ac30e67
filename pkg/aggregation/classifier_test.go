package aggregation

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

type stateError struct{ state string }

func (e stateError) Error() string    { return "state " + e.state }
func (e stateError) SQLState() string { return e.state }

type DuplicateKeyException struct{}

func (DuplicateKeyException) Error() string { return "duplicate" }

type StaleRowError struct{}

func (StaleRowError) Error() string { return "stale row" }

func TestDefaultClassifier(t *testing.T) {
	classify := DefaultClassifier()

	tests := []struct {
		name string
		err  error
		want Classification
	}{
		{"nil", nil, Fatal},
		{"plain", errors.New("connection reset"), Fatal},
		{"pg unique", &pgconn.PgError{Code: "23505"}, Conflict},
		{"pg fk", &pgconn.PgError{Code: "23503"}, Conflict},
		{"pg syntax", &pgconn.PgError{Code: "42601"}, Fatal},
		{"pg wrapped", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), Conflict},
		{"mysql dup entry", &mysql.MySQLError{Number: 1062}, Conflict},
		{"mysql dup key name", &mysql.MySQLError{Number: 1586}, Conflict},
		{"mysql sqlstate", &mysql.MySQLError{Number: 1452, SQLState: [5]byte{'2', '3', '0', '0', '0'}}, Conflict},
		{"mysql deadlock", &mysql.MySQLError{Number: 1213, SQLState: [5]byte{'4', '0', '0', '0', '1'}}, Fatal},
		{"sqlstate interface", stateError{"23000"}, Conflict},
		{"sqlstate other", stateError{"08006"}, Fatal},
		{"type name", DuplicateKeyException{}, Conflict},
		{"joined type name", errors.Join(errors.New("x"), DuplicateKeyException{}), Conflict},
		{"unknown type", StaleRowError{}, Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}

func TestClassifierExtraTypeNames(t *testing.T) {
	assert.Equal(t, Fatal, DefaultClassifier()(StaleRowError{}))
	assert.Equal(t, Conflict, DefaultClassifier("StaleRow")(StaleRowError{}))
}

func TestClassificationString(t *testing.T) {
	assert.Equal(t, "conflict", Conflict.String())
	assert.Equal(t, "fatal", Fatal.String())
}
