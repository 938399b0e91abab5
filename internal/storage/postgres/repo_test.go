package postgres

import (
	"strings"
	"testing"

	"statload/internal/model"
	"statload/internal/storage"
)

func boolPtr(v bool) *bool { return &v }

func TestBuildCreateSQL_SchemaQualified(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:       "stats.indicator",
		PrimaryKey: &storage.PrimaryKeySpec{Name: "id", Type: "serial"},
		Columns: []storage.ColumnSpec{
			{Name: "name", Type: storage.TypeKey, Nullable: boolPtr(false)},
		},
		Constraints: []storage.ConstraintSpec{{Kind: "unique", Columns: []string{"name"}}},
	}

	ddl, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	for _, want := range []string{
		`CREATE SCHEMA IF NOT EXISTS "stats";`,
		`CREATE TABLE IF NOT EXISTS "stats"."indicator"`,
		`"id" BIGSERIAL PRIMARY KEY`,
		`"name" TEXT NOT NULL`,
		`UNIQUE ("name")`,
	} {
		if !strings.Contains(ddl, want) {
			t.Fatalf("ddl missing %q:\n%s", want, ddl)
		}
	}
}

func TestBuildCreateSQL_Errors(t *testing.T) {
	t.Parallel()

	cases := map[string]storage.TableSpec{
		"empty name":       {Name: ""},
		"bad type":         {Name: "t", Columns: []storage.ColumnSpec{{Name: "c", Type: "varchar(9)"}}},
		"bad constraint":   {Name: "t", Constraints: []storage.ConstraintSpec{{Kind: "check", Columns: []string{"c"}}}},
		"empty constraint": {Name: "t", Constraints: []storage.ConstraintSpec{{Kind: "unique"}}},
	}
	for name, spec := range cases {
		if _, err := buildCreateSQL(spec); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestBuildCreateSQL_StarSchema(t *testing.T) {
	t.Parallel()

	for _, spec := range storage.StarSchema() {
		ddl, err := buildCreateSQL(spec)
		if err != nil {
			t.Fatalf("%s: %v", spec.Name, err)
		}
		if strings.Contains(ddl, "CREATE SCHEMA") {
			t.Fatalf("%s: unexpected schema statement", spec.Name)
		}
	}
}

func TestBuildInsertSQL_PlaceholdersAndConflict(t *testing.T) {
	t.Parallel()

	rows := [][]any{{"a", 1}, {"b", 2}}
	q, args := buildInsertSQL("fact_generic", []string{"source_row_hash", "generic_id"}, rows, []string{"source_row_hash", "generic_id"})

	want := `INSERT INTO "fact_generic" ("source_row_hash", "generic_id") VALUES ($1, $2), ($3, $4) ON CONFLICT ("source_row_hash", "generic_id") DO NOTHING;`
	if q != want {
		t.Fatalf("sql=%q\nwant %q", q, want)
	}
	if len(args) != 4 || args[0] != "a" || args[3] != 2 {
		t.Fatalf("args=%v", args)
	}

	q, _ = buildInsertSQL("t", []string{"c"}, [][]any{{1}}, nil)
	if strings.Contains(q, "ON CONFLICT") {
		t.Fatalf("unexpected conflict clause: %q", q)
	}
}

func TestBuildFindOrCreateSQL(t *testing.T) {
	t.Parallel()

	dt, _ := storage.DimensionTable(model.DimGeneric)
	q, args := buildFindOrCreateSQL(dt, storage.DimensionKey{Kind: model.DimGeneric, Name: "unit", Value: "%"})

	for _, want := range []string{
		`INSERT INTO "dim_generic" ("dimension_name", "value") VALUES ($1, $2)`,
		`ON CONFLICT ("dimension_name", "value") DO NOTHING RETURNING "id"`,
		`WHERE "dimension_name" = $1 AND "value" = $2 LIMIT 1`,
	} {
		if !strings.Contains(q, want) {
			t.Fatalf("sql missing %q:\n%s", want, q)
		}
	}
	if len(args) != 2 || args[0] != "unit" || args[1] != "%" {
		t.Fatalf("args=%v", args)
	}

	year := 2020
	dt, _ = storage.DimensionTable(model.DimTime)
	q, args = buildFindOrCreateSQL(dt, storage.DimensionKey{Kind: model.DimTime, Value: "2020", Year: &year})
	if !strings.Contains(q, `("value", "year", "month") VALUES ($1, $2, $3)`) {
		t.Fatalf("time insert columns: %s", q)
	}
	if len(args) != 3 || args[1] != int64(2020) || args[2] != nil {
		t.Fatalf("args=%v", args)
	}
}

func TestPgIdent(t *testing.T) {
	t.Parallel()

	if got := pgIdent(`we"ird`); got != `"we""ird"` {
		t.Fatalf("pgIdent=%s", got)
	}
	if s, tb := splitQualifiedName(" a.b "); s != "a" || tb != "b" {
		t.Fatalf("split=%q,%q", s, tb)
	}
}
