package aggregation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// Classification is the outcome of classifying a persistence error.
type Classification int

const (
	// Fatal errors abort the operation and are returned wrapped.
	Fatal Classification = iota
	// Conflict errors mean a concurrent writer won and the caller may retry.
	Conflict
)

func (c Classification) String() string {
	switch c {
	case Conflict:
		return "conflict"
	default:
		return "fatal"
	}
}

// Classifier decides whether a persistence error is a concurrency conflict.
type Classifier func(error) Classification

// Duplicate-key family of MySQL server error numbers.
var mysqlConflictNumbers = map[uint16]struct{}{
	1022: {}, // ER_DUP_KEY
	1062: {}, // ER_DUP_ENTRY
	1169: {}, // ER_DUP_UNIQUE
	1586: {}, // ER_DUP_ENTRY_WITH_KEY_NAME
}

// Type name fragments that identify constraint violations from drivers this
// package does not know about.
var defaultConflictTypeNames = []string{
	"ConstraintViolation",
	"Duplicate",
	"UniqueViolation",
	"IntegrityConstraint",
}

type sqlStater interface {
	SQLState() string
}

// DefaultClassifier recognizes integrity constraint violations from pgx and
// the MySQL driver, any error exposing an SQLSTATE in class 23, and errors
// whose type name contains one of the built-in fragments or extraTypeNames.
func DefaultClassifier(extraTypeNames ...string) Classifier {
	names := append(append([]string(nil), defaultConflictTypeNames...), extraTypeNames...)
	return func(err error) Classification {
		if err == nil {
			return Fatal
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if strings.HasPrefix(pgErr.Code, "23") {
				return Conflict
			}
			return Fatal
		}

		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) {
			if _, ok := mysqlConflictNumbers[myErr.Number]; ok {
				return Conflict
			}
			if myErr.SQLState[0] == '2' && myErr.SQLState[1] == '3' {
				return Conflict
			}
			return Fatal
		}

		var st sqlStater
		if errors.As(err, &st) && strings.HasPrefix(st.SQLState(), "23") {
			return Conflict
		}

		if matchesTypeName(err, names) {
			return Conflict
		}
		return Fatal
	}
}

func matchesTypeName(err error, names []string) bool {
	stack := []error{err}
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if e == nil {
			continue
		}
		typeName := fmt.Sprintf("%T", e)
		for _, n := range names {
			if n != "" && strings.Contains(typeName, n) {
				return true
			}
		}
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			stack = append(stack, u.Unwrap()...)
		case interface{ Unwrap() error }:
			stack = append(stack, u.Unwrap())
		}
	}
	return false
}
