package pg

import (
	"context"
	"fmt"
	"testing"
	"time"

	"korela/internal/dsl"
	"korela/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func testModels() []*dsl.Model {
	return []*dsl.Model{
		{
			Name: "Page", Module: "cms",
			Fields: []dsl.Field{
				{Name: "title", Type: "string"},
				{Name: "slug", Type: "string", Options: map[string]string{"unique": "true"}},
				{Name: "status", Type: "enum", Enum: []string{"draft", "published"}},
				{Name: "views", Type: "int"},
				{Name: "published_at", Type: "date"},
			},
			Constraints: dsl.Constraints{Unique: [][]string{{"title", "status"}}},
			Relations: []dsl.Relation{
				{Name: "tags", Kind: dsl.ManyToMany, Target: "Tag"},
			},
		},
		{Name: "Tag", Module: "cms", Fields: []dsl.Field{{Name: "name", Type: "string"}}},
		// модель с зарезервированным именем таблицы
		{Name: "User", Module: "system", TableName: "user", Fields: []dsl.Field{{Name: "login", Type: "string"}}},
	}
}

// setupStore поднимает одноразовый Postgres в контейнере и прогоняет миграции.
func setupStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test, skipped in -short")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("korela"),
		tcpostgres.WithUsername("korela"),
		tcpostgres.WithPassword("korela"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(time.Minute)),
	)
	if err != nil {
		t.Skipf("container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := Open(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewStore(db)
	require.NoError(t, s.Migrate(testModels()))
	// повторный прогон миграций — idempotent
	require.NoError(t, s.Migrate(testModels()))
	return s
}

func TestPostgresStore(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	models := testModels()
	page, tag, user := models[0], models[1], models[2]

	t.Run("insert and get", func(t *testing.T) {
		rec, err := s.Insert(ctx, page, map[string]interface{}{"title": "hello", "status": "draft", "views": int64(3)})
		require.NoError(t, err)
		require.NotEmpty(t, rec.ID)
		assert.Equal(t, int64(1), rec.Version)

		got, err := s.Get(ctx, page, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "hello", got.Data["title"])

		_, err = s.Get(ctx, page, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("update merges jsonb patch", func(t *testing.T) {
		rec, err := s.Insert(ctx, page, map[string]interface{}{"title": "v1", "status": "draft"})
		require.NoError(t, err)

		upd, err := s.Update(ctx, page, rec.ID, map[string]interface{}{"title": "v2"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), upd.Version)
		assert.Equal(t, "v2", upd.Data["title"])
		assert.Equal(t, "draft", upd.Data["status"])

		_, err = s.Update(ctx, page, "missing", map[string]interface{}{"title": "x"})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("soft delete hides record", func(t *testing.T) {
		rec, err := s.Insert(ctx, page, map[string]interface{}{"title": "doomed", "status": "draft"})
		require.NoError(t, err)

		_, err = s.Delete(ctx, page, rec.ID)
		require.NoError(t, err)

		_, err = s.Get(ctx, page, rec.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)

		ok, err := s.Exists(ctx, page, rec.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Delete(ctx, page, rec.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("find with filters and pagination", func(t *testing.T) {
		for i := 0; i < 7; i++ {
			status := "draft"
			if i < 4 {
				status = "published"
			}
			_, err := s.Insert(ctx, page, map[string]interface{}{
				"title":  fmt.Sprintf("find-%d", i),
				"status": status,
				"views":  int64(i * 10),
			})
			require.NoError(t, err)
		}

		recs, total, err := s.Find(ctx, page, store.Query{
			Conds: []store.Cond{
				{Field: "title", Op: "in", Value: []string{"find-0", "find-1", "find-2", "find-3", "find-4", "find-5", "find-6"}},
				{Field: "status", Op: "eq", Value: "PUBLISHED"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		assert.Len(t, recs, 4)

		// числовое сравнение через каст
		n, err := s.Count(ctx, page, []store.Cond{
			{Field: "title", Op: "in", Value: []string{"find-0", "find-1", "find-2", "find-3", "find-4", "find-5", "find-6"}},
			{Field: "views", Op: "gte", Value: 40},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		// пагинация: limit+offset, total не меняется
		recs, total, err = s.Find(ctx, page, store.Query{
			Conds: []store.Cond{{Field: "status", Op: "eq", Value: "published"}},
			Sort:  []store.SortKey{{Field: "title"}},
			Limit: 2, Offset: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		require.Len(t, recs, 2)
		assert.Equal(t, "find-2", recs[0].Data["title"])
	})

	t.Run("unique index enforced", func(t *testing.T) {
		_, err := s.Insert(ctx, page, map[string]interface{}{"title": "uq", "status": "draft", "slug": "one"})
		require.NoError(t, err)
		_, err = s.Insert(ctx, page, map[string]interface{}{"title": "uq2", "status": "draft", "slug": "one"})
		assert.Error(t, err, "частичный уникальный индекс по data->>'slug'")
	})

	t.Run("links", func(t *testing.T) {
		p, err := s.Insert(ctx, page, map[string]interface{}{"title": "linked", "status": "draft"})
		require.NoError(t, err)
		tg, err := s.Insert(ctx, tag, map[string]interface{}{"name": "go"})
		require.NoError(t, err)

		require.NoError(t, s.Link(ctx, page, "tags", p.ID, tg.ID))
		require.NoError(t, s.Link(ctx, page, "tags", p.ID, tg.ID), "on conflict do nothing")

		ids, err := s.Links(ctx, page, "tags", p.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{tg.ID}, ids)

		require.NoError(t, s.Unlink(ctx, page, "tags", p.ID, tg.ID))
		ids, err = s.Links(ctx, page, "tags", p.ID)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("reserved table name is prefixed", func(t *testing.T) {
		rec, err := s.Insert(ctx, user, map[string]interface{}{"login": "root"})
		require.NoError(t, err)
		got, err := s.Get(ctx, user, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "root", got.Data["login"])
	})
}

func TestGenerateDDL(t *testing.T) {
	ddl := GenerateDDL(testModels())

	tables := ddl["000_schemas_and_tables"]
	assert.Contains(t, tables, `create schema if not exists "cms";`)
	assert.Contains(t, tables, `create schema if not exists "system";`)
	assert.Contains(t, tables, `"cms"."pages"`)
	assert.Contains(t, tables, `"system"."t_user"`, "зарезервированное имя получает префикс")
	assert.Contains(t, tables, `(data->>'slug')`)
	assert.Contains(t, tables, `(data->>'title'), (data->>'status')`)

	assert.Contains(t, ddl["100_links"], `public."dsl_links"`)
}
