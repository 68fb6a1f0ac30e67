package aggregation

import (
	"fmt"
	"strings"
)

const completedSuffix = "_completed"

// Column names shared by both tables.
const (
	colID         = "id"
	colExchange   = "exchange"
	colVersion    = "version"
	colInstanceID = "instance_id"
	colBody       = "body"
)

var reservedColumns = map[string]struct{}{
	colID: {}, colExchange: {}, colVersion: {}, colInstanceID: {}, colBody: {},
}

// layout is the validated column layout of a repository.
type layout struct {
	dialect     Dialect
	table       string
	completed   string
	clustered   bool
	bodyAsText  bool
	headerCols  []string
	headerNames []string
}

func newLayout(d Dialect, table string, clustered, bodyAsText bool, headers []string) (layout, error) {
	table, err := sanitizeTableName(table)
	if err != nil {
		return layout{}, err
	}
	l := layout{
		dialect:    d,
		table:      table,
		completed:  table + completedSuffix,
		clustered:  clustered,
		bodyAsText: bodyAsText,
	}
	seen := make(map[string]struct{}, len(headers))
	for _, h := range headers {
		col, err := sanitizeColumnName(h)
		if err != nil {
			return layout{}, err
		}
		if _, ok := reservedColumns[strings.ToLower(col)]; ok {
			return layout{}, fmt.Errorf("%w: %q is reserved", ErrInvalidColumnName, col)
		}
		if _, dup := seen[strings.ToLower(col)]; dup {
			continue
		}
		seen[strings.ToLower(col)] = struct{}{}
		l.headerCols = append(l.headerCols, col)
		l.headerNames = append(l.headerNames, h)
	}
	return l, nil
}

// textColumns are the optional shadow columns in argument order.
func (l layout) textColumns() []string {
	var cols []string
	if l.bodyAsText {
		cols = append(cols, colBody)
	}
	return append(cols, l.headerCols...)
}

type queries struct {
	selectOne         string
	selectForUpdate   string
	selectVersionLock string
	insert            string
	update            string
	updateVersioned   string
	deleteOne         string
	deleteVersioned   string
	keys              string

	insertCompleted string
	selectCompleted string
	deleteCompleted string
	scan            string
	scanAll         string
	scanByInstance  string
}

func newQueries(l layout) queries {
	text := l.textColumns()

	insertCols := append([]string{colID, colExchange, colVersion}, text...)
	b := &binder{d: l.dialect}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		l.table, strings.Join(insertCols, ", "), b.list(len(insertCols)))

	setClause := func(b *binder) string {
		sets := []string{colExchange + " = " + b.next(), colVersion + " = " + colVersion + " + 1"}
		for _, c := range text {
			sets = append(sets, c+" = "+b.next())
		}
		return strings.Join(sets, ", ")
	}
	b = &binder{d: l.dialect}
	update := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s", l.table, setClause(b), colID, b.next())
	b = &binder{d: l.dialect}
	updateVersioned := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s AND %s = %s",
		l.table, setClause(b), colID, b.next(), colVersion, b.next())

	completedCols := []string{colID, colExchange, colVersion}
	if l.clustered {
		completedCols = append(completedCols, colInstanceID)
	}
	completedCols = append(completedCols, text...)
	b = &binder{d: l.dialect}
	insertCompleted := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		l.completed, strings.Join(completedCols, ", "), b.list(len(completedCols)))

	one := func(format string, args ...any) string {
		b := &binder{d: l.dialect}
		return fmt.Sprintf(format, append(args, b.next())...)
	}

	q := queries{
		selectOne:         one("SELECT exchange, version FROM %s WHERE id = %s", l.table),
		selectForUpdate:   one("SELECT exchange, version FROM %s WHERE id = %s FOR UPDATE", l.table),
		selectVersionLock: one("SELECT version FROM %s WHERE id = %s FOR UPDATE", l.table),
		insert:            insert,
		update:            update,
		updateVersioned:   updateVersioned,
		deleteOne:         one("DELETE FROM %s WHERE id = %s", l.table),
		keys:              fmt.Sprintf("SELECT id FROM %s ORDER BY id", l.table),

		insertCompleted: insertCompleted,
		selectCompleted: one("SELECT exchange, version FROM %s WHERE id = %s", l.completed),
		deleteCompleted: one("DELETE FROM %s WHERE id = %s", l.completed),
		scanAll:         fmt.Sprintf("SELECT id FROM %s ORDER BY id", l.completed),
	}

	b = &binder{d: l.dialect}
	q.deleteVersioned = fmt.Sprintf("DELETE FROM %s WHERE id = %s AND version = %s", l.table, b.next(), b.next())

	if l.clustered {
		q.scanByInstance = one("SELECT id FROM %s WHERE instance_id = %s ORDER BY id", l.completed)
		q.scan = q.scanByInstance
	} else {
		q.scan = q.scanAll
	}
	return q
}
