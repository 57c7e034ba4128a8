// Package schema renders CREATE TABLE DDL for registered entity mappings.
package schema

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"entitykit/pkg/orm"
)

// Dialect selects the SQL flavour of the generated DDL.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

const defaultStringLength = 255

// ErrUnknownDialect is returned for dialects other than sqlite and postgres.
var ErrUnknownDialect = errors.New("unknown sql dialect")

// ParseDialect validates a dialect name.
func ParseDialect(name string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(name))); d {
	case SQLite, Postgres:
		return d, nil
	default:
		return "", errors.WithHint(errors.Wrapf(ErrUnknownDialect, "%q", name), "use sqlite or postgres")
	}
}

type column struct {
	name     string
	sqlType  string
	nullable bool
}

// Generate renders one CREATE TABLE IF NOT EXISTS statement per entity in
// commit order, so referenced tables precede the tables pointing at them.
func Generate(r *orm.Registry, dialect Dialect) (string, error) {
	if _, err := ParseDialect(string(dialect)); err != nil {
		return "", err
	}
	if !r.Built() {
		if err := r.Build(); err != nil {
			return "", err
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "-- entitykit schema (%s)\n", dialect)
	for _, m := range r.All() {
		stmt, err := createTable(m, dialect)
		if err != nil {
			return "", err
		}
		b.WriteString("\n")
		b.WriteString(stmt)
	}
	return b.String(), nil
}

func createTable(m *orm.EntityMetadata, dialect Dialect) (string, error) {
	cols, err := columns(m, dialect)
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(cols)+len(m.Associations)*2+1)
	for _, c := range cols {
		line := "    " + c.name + " " + c.sqlType
		if !c.nullable {
			line += " NOT NULL"
		}
		lines = append(lines, line)
	}
	lines = append(lines, "    PRIMARY KEY ("+strings.Join(m.IdentifierColumns(), ", ")+")")
	for _, a := range m.Associations {
		local := make([]string, len(a.JoinColumns))
		remote := make([]string, len(a.JoinColumns))
		for i, jc := range a.JoinColumns {
			local[i] = jc.Name
			remote[i] = jc.ReferencedColumn
		}
		if a.Kind == orm.KindOneToOne {
			lines = append(lines, "    UNIQUE ("+strings.Join(local, ", ")+")")
		}
		lines = append(lines, fmt.Sprintf("    FOREIGN KEY (%s) REFERENCES %s (%s)",
			strings.Join(local, ", "), a.TargetMetadata().Table, strings.Join(remote, ", ")))
	}
	return "CREATE TABLE IF NOT EXISTS " + m.Table + " (\n" + strings.Join(lines, ",\n") + "\n);\n", nil
}

// columns lists fields first, then join columns not already declared. A join
// column shared by several associations is NOT NULL when any of them requires it.
func columns(m *orm.EntityMetadata, dialect Dialect) ([]column, error) {
	var out []column
	index := map[string]int{}
	for _, f := range m.Fields {
		out = append(out, column{name: f.Column, sqlType: sqlType(f.Type, f.Length, dialect), nullable: f.Nullable})
		index[f.Column] = len(out) - 1
	}
	for _, a := range m.Associations {
		for _, jc := range a.JoinColumns {
			nullable := jc.Nullable && !a.ID
			if i, ok := index[jc.Name]; ok {
				out[i].nullable = out[i].nullable && nullable
				continue
			}
			typ, ok := a.TargetMetadata().ColumnType(jc.ReferencedColumn)
			if !ok {
				return nil, errors.Wrapf(orm.ErrInvalidMapping, "%s.%s: unknown referenced column %s",
					m.Name, a.FieldName, jc.ReferencedColumn)
			}
			out = append(out, column{name: jc.Name, sqlType: sqlType(typ, 0, dialect), nullable: nullable})
			index[jc.Name] = len(out) - 1
		}
	}
	return out, nil
}

func sqlType(t orm.ColumnType, length int, dialect Dialect) string {
	if length <= 0 {
		length = defaultStringLength
	}
	switch t {
	case orm.TypeInteger:
		return "INTEGER"
	case orm.TypeSmallInt:
		if dialect == Postgres {
			return "SMALLINT"
		}
		return "INTEGER"
	case orm.TypeBigInt:
		if dialect == Postgres {
			return "BIGINT"
		}
		return "INTEGER"
	case orm.TypeString:
		return fmt.Sprintf("VARCHAR(%d)", length)
	case orm.TypeBoolean:
		return "BOOLEAN"
	case orm.TypeFloat:
		if dialect == Postgres {
			return "DOUBLE PRECISION"
		}
		return "REAL"
	case orm.TypeDateTime:
		if dialect == Postgres {
			return "TIMESTAMP(0) WITHOUT TIME ZONE"
		}
		return "DATETIME"
	default:
		return "TEXT"
	}
}

// SplitStatements splits a semicolon-terminated DDL script into executable
// statements, dropping blank lines and "--" comment lines.
func SplitStatements(ddl string) []string {
	scanner := bufio.NewScanner(strings.NewReader(ddl))
	var (
		stmts   []string
		current strings.Builder
	)
	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			stmts = append(stmts, stmt)
		}
		current.Reset()
	}
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()
	return stmts
}
