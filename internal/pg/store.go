package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"time"

	"korela/internal/dsl"
	"korela/internal/store"

	"github.com/oklog/ulid/v2"
)

// Store — реализация store.Store поверх Postgres. Каждая модель — таблица
// с системными колонками и jsonb-payload; фильтры и сортировка уходят
// в SQL по data->>'field'.
type Store struct {
	db      *sql.DB
	entropy io.Reader
}

var _ store.Store = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Store{db: db, entropy: ulid.Monotonic(src, 0)}
}

// Migrate генерирует и применяет DDL по списку моделей.
func (s *Store) Migrate(models []*dsl.Model) error {
	return ApplyDDL(s.db, GenerateDDL(models))
}

func (s *Store) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

const recordCols = `"id", "version", "created_at", "updated_at", "data"`

func scanRecord(row interface{ Scan(...interface{}) error }) (*store.Record, error) {
	var rec store.Record
	var raw []byte
	if err := row.Scan(&rec.ID, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt, &raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(raw, &rec.Data); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) Insert(ctx context.Context, m *dsl.Model, data map[string]interface{}) (*store.Record, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	id := s.newID()
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`insert into %s ("id","version","created_at","updated_at","deleted","data") values ($1, 1, $2, $2, false, $3::jsonb)`, tableRef(m)),
		id, now, raw)
	if err != nil {
		return nil, err
	}
	return &store.Record{ID: id, Version: 1, CreatedAt: now, UpdatedAt: now, Data: data}, nil
}

func (s *Store) Get(ctx context.Context, m *dsl.Model, id string) (*store.Record, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`select %s from %s where "id" = $1 and not "deleted"`, recordCols, tableRef(m)), id)
	return scanRecord(row)
}

// whereClause собирает WHERE из условий. Плейсхолдеры нумеруются
// с учётом уже занятых аргументов.
func whereClause(m *dsl.Model, conds []store.Cond, args []interface{}) (string, []interface{}, error) {
	parts := []string{`not "deleted"`}
	for _, c := range conds {
		col := fmt.Sprintf("data->>'%s'", strings.ToLower(c.Field))
		ft := "string"
		if c.Field == "id" {
			col = `"id"`
		} else if f := m.GetField(c.Field); f != nil {
			ft = f.Type
		}

		switch c.Op {
		case "eq":
			args = append(args, fmt.Sprintf("%v", c.Value))
			parts = append(parts, fmt.Sprintf("lower(%s) = lower($%d)", col, len(args)))
		case "ne":
			args = append(args, fmt.Sprintf("%v", c.Value))
			parts = append(parts, fmt.Sprintf("lower(%s) is distinct from lower($%d)", col, len(args)))
		case "in":
			var vals []string
			switch t := c.Value.(type) {
			case []interface{}:
				for _, it := range t {
					vals = append(vals, fmt.Sprintf("%v", it))
				}
			case []string:
				vals = t
			default:
				for _, p := range strings.Split(fmt.Sprintf("%v", c.Value), ",") {
					if p = strings.TrimSpace(p); p != "" {
						vals = append(vals, p)
					}
				}
			}
			args = append(args, vals)
			parts = append(parts, fmt.Sprintf("%s = any($%d)", col, len(args)))
		case "gt", "gte", "lt", "lte":
			op := map[string]string{"gt": ">", "gte": ">=", "lt": "<", "lte": "<="}[c.Op]
			cast := castFor(ft)
			args = append(args, fmt.Sprintf("%v", c.Value))
			parts = append(parts, fmt.Sprintf("(%s)%s %s ($%d)%s", col, cast, op, len(args), cast))
		default:
			return "", nil, fmt.Errorf("unknown filter operator %q", c.Op)
		}
	}
	return strings.Join(parts, " and "), args, nil
}

func castFor(fieldType string) string {
	switch fieldType {
	case "int", "float":
		return "::numeric"
	case "date":
		return "::date"
	case "datetime":
		return "::timestamptz"
	default:
		return ""
	}
}

func orderClause(sortKeys []store.SortKey) string {
	if len(sortKeys) == 0 {
		return `order by "id"`
	}
	var parts []string
	for _, k := range sortKeys {
		col := fmt.Sprintf("data->>'%s'", strings.ToLower(k.Field))
		if k.Field == "id" {
			col = `"id"`
		}
		dir := "asc"
		if k.Desc {
			dir = "desc"
		}
		parts = append(parts, fmt.Sprintf("%s %s nulls last", col, dir))
	}
	return "order by " + strings.Join(parts, ", ")
}

func (s *Store) Find(ctx context.Context, m *dsl.Model, q store.Query) ([]*store.Record, int, error) {
	where, args, err := whereClause(m, q.Conds, nil)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`select count(*) from %s where %s`, tableRef(m), where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`select %s from %s where %s %s`, recordCols, tableRef(m), where, orderClause(q.Sort))
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" offset $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*store.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func (s *Store) Update(ctx context.Context, m *dsl.Model, id string, patch map[string]interface{}) (*store.Record, error) {
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`update %s set "data" = "data" || $2::jsonb, "version" = "version" + 1, "updated_at" = $3
where "id" = $1 and not "deleted" returning %s`, tableRef(m), recordCols),
		id, raw, time.Now().UTC())
	return scanRecord(row)
}

func (s *Store) Delete(ctx context.Context, m *dsl.Model, id string) (*store.Record, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`update %s set "deleted" = true, "version" = "version" + 1, "updated_at" = $2
where "id" = $1 and not "deleted" returning %s`, tableRef(m), recordCols),
		id, time.Now().UTC())
	return scanRecord(row)
}

func (s *Store) Count(ctx context.Context, m *dsl.Model, conds []store.Cond) (int, error) {
	where, args, err := whereClause(m, conds, nil)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`select count(*) from %s where %s`, tableRef(m), where), args...).Scan(&n)
	return n, err
}

func (s *Store) Exists(ctx context.Context, m *dsl.Model, id string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`select exists(select 1 from %s where "id" = $1 and not "deleted")`, tableRef(m)), id).Scan(&ok)
	return ok, err
}

func (s *Store) Link(ctx context.Context, m *dsl.Model, relation, parentID, targetID string) error {
	_, err := s.db.ExecContext(ctx,
		`insert into public."dsl_links" ("model","relation","parent_id","target_id") values ($1,$2,$3,$4) on conflict do nothing`,
		m.Key(), relation, parentID, targetID)
	return err
}

func (s *Store) Unlink(ctx context.Context, m *dsl.Model, relation, parentID, targetID string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from public."dsl_links" where "model"=$1 and "relation"=$2 and "parent_id"=$3 and "target_id"=$4`,
		m.Key(), relation, parentID, targetID)
	return err
}

func (s *Store) Links(ctx context.Context, m *dsl.Model, relation, parentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select "target_id" from public."dsl_links" where "model"=$1 and "relation"=$2 and "parent_id"=$3 order by "target_id"`,
		m.Key(), relation, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
