package aggregation

import (
	"fmt"
	"strings"
)

// SchemaOptions selects the optional columns of a repository schema.
type SchemaOptions struct {
	// Clustered adds instance_id to the completed table.
	Clustered bool
	// StoreBodyAsText adds a text copy of the body.
	StoreBodyAsText bool
	// HeadersAsText adds one text column per header name.
	HeadersAsText []string
}

// Schema returns the DDL statements creating the in-flight and completed
// tables for name. Statements are idempotent.
func Schema(d Dialect, name string, opts SchemaOptions) ([]string, error) {
	l, err := newLayout(d, name, opts.Clustered, opts.StoreBodyAsText, opts.HeadersAsText)
	if err != nil {
		return nil, err
	}
	return l.schema(), nil
}

func (l layout) schema() []string {
	text := l.textColumns()

	columns := func(withInstance bool) []string {
		cols := []string{
			fmt.Sprintf("%s %s NOT NULL", colID, l.dialect.KeyType),
			fmt.Sprintf("%s %s NOT NULL", colExchange, l.dialect.BlobType),
			fmt.Sprintf("%s BIGINT NOT NULL", colVersion),
		}
		if withInstance {
			cols = append(cols, fmt.Sprintf("%s %s", colInstanceID, l.dialect.KeyType))
		}
		for _, c := range text {
			cols = append(cols, fmt.Sprintf("%s %s", c, l.dialect.TextType))
		}
		return append(cols, fmt.Sprintf("PRIMARY KEY (%s)", colID))
	}

	create := func(table string, cols []string) string {
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", table, strings.Join(cols, ",\n  "))
	}

	index := strings.ReplaceAll(l.completed, ".", "_") + "_instance_idx"
	completedCols := columns(l.clustered)
	stmts := []string{create(l.table, columns(false))}

	switch {
	case l.clustered && l.dialect.Name == MySQL.Name:
		completedCols = append(completedCols, fmt.Sprintf("INDEX %s (%s)", index, colInstanceID))
		stmts = append(stmts, create(l.completed, completedCols))
	case l.clustered:
		stmts = append(stmts,
			create(l.completed, completedCols),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", index, l.completed, colInstanceID),
		)
	default:
		stmts = append(stmts, create(l.completed, completedCols))
	}
	return stmts
}
