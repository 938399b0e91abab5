package postgres

import (
	"fmt"
	"strings"

	"statload/internal/storage"
)

// pgIdent quotes an identifier, escaping embedded double quotes.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func joinIdentList(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = pgIdent(c)
	}
	return strings.Join(out, ", ")
}

// splitQualifiedName splits "schema.table"; schema is "" when unqualified.
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

// buildCreateSQL renders CREATE TABLE IF NOT EXISTS for t, preceded by
// CREATE SCHEMA IF NOT EXISTS when the name is schema-qualified.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	schema, table := splitQualifiedName(t.Name)
	if table == "" {
		return "", fmt.Errorf("postgres: table name is empty")
	}
	var parts []string

	if t.PrimaryKey != nil {
		switch strings.ToLower(strings.TrimSpace(t.PrimaryKey.Type)) {
		case "serial", "bigserial":
			parts = append(parts, fmt.Sprintf("%s BIGSERIAL PRIMARY KEY", pgIdent(t.PrimaryKey.Name)))
		default:
			typ, err := pgType(t.PrimaryKey.Type)
			if err != nil {
				return "", fmt.Errorf("postgres: %s: %w", t.Name, err)
			}
			parts = append(parts, fmt.Sprintf("%s %s PRIMARY KEY", pgIdent(t.PrimaryKey.Name), typ))
		}
	}
	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", fmt.Errorf("postgres: %s: %w", t.Name, err)
		}
		parts = append(parts, def)
	}
	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return "", fmt.Errorf("postgres: %s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return "", fmt.Errorf("postgres: %s unique constraint has no columns", t.Name)
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", joinIdentList(con.Columns)))
	}

	qualified := pgIdent(table)
	var b strings.Builder
	if schema != "" {
		qualified = pgIdent(schema) + "." + qualified
		fmt.Fprintf(&b, "CREATE SCHEMA IF NOT EXISTS %s;\n", pgIdent(schema))
	}
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", qualified, strings.Join(parts, ",\n  "))
	return b.String(), nil
}

func buildColumnDef(c storage.ColumnSpec) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("column name is empty")
	}
	typ, err := pgType(c.Type)
	if err != nil {
		return "", fmt.Errorf("column %s: %w", c.Name, err)
	}
	def := pgIdent(c.Name) + " " + typ
	if c.Nullable != nil && !*c.Nullable {
		def += " NOT NULL"
	}
	if c.References != "" {
		def += " REFERENCES " + c.References
	}
	return def, nil
}

func pgType(logical string) (string, error) {
	switch logical {
	case storage.TypeKey, storage.TypeText:
		return "TEXT", nil
	case storage.TypeInt:
		return "INTEGER", nil
	case storage.TypeBigInt:
		return "BIGINT", nil
	case storage.TypeFloat:
		return "DOUBLE PRECISION", nil
	case storage.TypeBool:
		return "BOOLEAN", nil
	case storage.TypeTime:
		return "TIMESTAMPTZ", nil
	}
	return "", fmt.Errorf("unsupported column type %q", logical)
}
