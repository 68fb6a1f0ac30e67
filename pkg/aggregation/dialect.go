package aggregation

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect describes the SQL differences between supported databases.
type Dialect struct {
	Name     string
	BlobType string
	TextType string
	KeyType  string
	// numbered placeholders ($1, $2) rather than ?
	numbered bool
}

// Supported dialects.
var (
	Postgres = Dialect{Name: "postgres", BlobType: "BYTEA", TextType: "TEXT", KeyType: "VARCHAR(255)", numbered: true}
	MySQL    = Dialect{Name: "mysql", BlobType: "LONGBLOB", TextType: "LONGTEXT", KeyType: "VARCHAR(255)"}
)

// DialectByName resolves a dialect by name or database/sql driver name.
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	default:
		return Dialect{}, fmt.Errorf("%w: %s", ErrUnknownDialect, name)
	}
}

// binder hands out placeholders in argument order.
type binder struct {
	d Dialect
	n int
}

func (b *binder) next() string {
	b.n++
	if b.d.numbered {
		return "$" + strconv.Itoa(b.n)
	}
	return "?"
}

func (b *binder) list(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = b.next()
	}
	return strings.Join(ph, ", ")
}

func sanitizeTableName(name string) (string, error) {
	if name == "" {
		return "", ErrTableNameRequired
	}
	for _, part := range strings.Split(name, ".") {
		if !isIdentifier(part) {
			return "", fmt.Errorf("%w: %s", ErrInvalidTableName, name)
		}
	}
	return name, nil
}

func sanitizeColumnName(name string) (string, error) {
	if !isIdentifier(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidColumnName, name)
	}
	return name, nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			continue
		}
		return false
	}
	return true
}
