package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"korela/internal/dsl"

	"github.com/jackc/pgx/v5/pgconn"
)

var reserved = map[string]struct{}{
	"user": {}, "select": {}, "table": {}, "insert": {}, "update": {}, "delete": {},
	"where": {}, "join": {}, "group": {}, "order": {}, "limit": {}, "offset": {},
	"primary": {}, "foreign": {}, "key": {}, "constraint": {}, "default": {},
	"from": {}, "into": {}, "values": {}, "unique": {}, "index": {}, "create": {},
	"drop": {}, "alter": {}, "schema": {}, "grant": {}, "revoke": {},
}

func isReserved(s string) bool { _, ok := reserved[strings.ToLower(s)]; return ok }

func safeSchema(module string) string {
	m := strings.ToLower(module)
	if m == "" {
		m = "public"
	}
	return m
}

func safeTable(m *dsl.Model) string {
	t := m.Table()
	if isReserved(t) {
		t = "t_" + t
	}
	return t
}

func sqlIdent(s string) string { return `"` + strings.ToLower(s) + `"` }

// tableRef — полное имя таблицы модели: схема = модуль, таблица = Table().
func tableRef(m *dsl.Model) string {
	return sqlIdent(safeSchema(m.Module)) + "." + sqlIdent(safeTable(m))
}

// GenerateDDL строит idempotent DDL по моделям: схема на модуль, таблица
// на модель (системные колонки + jsonb payload), уникальные индексы по
// unique-полям и составным constraints, общая таблица связей.
func GenerateDDL(models []*dsl.Model) map[string]string {
	out := make(map[string]string, len(models)+1)

	sorted := append([]*dsl.Model(nil), models...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key() < sorted[j].Key() })

	var sb strings.Builder
	seenSchemas := map[string]struct{}{}

	for _, m := range sorted {
		schema := safeSchema(m.Module)
		if _, ok := seenSchemas[schema]; !ok {
			fmt.Fprintf(&sb, "create schema if not exists %s;\n", sqlIdent(schema))
			seenSchemas[schema] = struct{}{}
		}

		fmt.Fprintf(&sb, `create table if not exists %s (
  "id" text primary key,
  "version" bigint not null,
  "created_at" timestamp with time zone not null,
  "updated_at" timestamp with time zone not null,
  "deleted" boolean not null default false,
  "data" jsonb not null
);
`, tableRef(m))

		// unique по полям — частичные индексы поверх живых записей
		for _, f := range m.Fields {
			if f.Options != nil && strings.EqualFold(f.Options["unique"], "true") {
				fmt.Fprintf(&sb, "create unique index if not exists %s on %s ((data->>'%s')) where not deleted;\n",
					sqlIdent(safeTable(m)+"_"+strings.ToLower(f.Name)+"_uq"), tableRef(m), strings.ToLower(f.Name))
			}
		}
		for _, set := range m.Constraints.Unique {
			if len(set) == 0 {
				continue
			}
			var parts []string
			for _, p := range set {
				parts = append(parts, fmt.Sprintf("(data->>'%s')", strings.ToLower(p)))
			}
			fmt.Fprintf(&sb, "create unique index if not exists %s on %s (%s) where not deleted;\n",
				sqlIdent(safeTable(m)+"_"+strings.ToLower(strings.Join(set, "_"))+"_uq"),
				tableRef(m), strings.Join(parts, ", "))
		}
	}

	out["000_schemas_and_tables"] = sb.String()

	// таблица связей many_to_many — одна на всё хранилище
	out["100_links"] = `create table if not exists public."dsl_links" (
  "model" text not null,
  "relation" text not null,
  "parent_id" text not null,
  "target_id" text not null,
  primary key ("model", "relation", "parent_id", "target_id")
);
`
	return out
}

// ApplyDDL выполняет map[key]sql в стабильном порядке. DDL ожидается
// idempotent (create ... if not exists); duplicate_object пропускаем.
func ApplyDDL(db *sql.DB, ddl map[string]string) error {
	keys := make([]string, 0, len(ddl))
	for k := range ddl {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for _, k := range keys {
		sqlText := strings.TrimSpace(ddl[k])
		if sqlText == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, sqlText); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "42710" {
				log.Printf("DDL skipped (already exists): %s (%s)", pgErr.ConstraintName, strings.TrimSpace(pgErr.Message))
				continue
			}
			e := strings.ToLower(err.Error())
			if strings.Contains(e, "already exists") || strings.Contains(e, "duplicate") {
				log.Printf("DDL skipped (already exists): %v", err)
				continue
			}
			return fmt.Errorf("DDL apply failed: %w", err)
		}
	}
	return nil
}
