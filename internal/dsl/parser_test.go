package dsl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDSL(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const pageDSL = `# тестовый набор моделей
module cms

model Page: table=cms_pages
  title: string required ui=table|form
  slug: string unique ui=table
  status: enum[draft, published] default=draft ui=table|form
  views: int readonly
  secret_note: string
  category_id: ref[Category] ui=form
  labels: array[string]
  relations:
    category: belongs_to[cms.Category] field=category_id
    comments: has_many[Comment] field=page_id
    tags: many_to_many[cms.Tag]
  access:
    create: admin, editor
    delete: admin
  constraints:
    unique(title, status)

model Category:
  name: string required unique ui=table|form
`

func TestLoadModels(t *testing.T) {
	dir := t.TempDir()
	path := writeDSL(t, dir, "cms.dsl", pageDSL)

	models, err := LoadModels(path)
	require.NoError(t, err)
	require.Len(t, models, 2)

	page := models[0]
	assert.Equal(t, "Page", page.Name)
	assert.Equal(t, "cms", page.Module)
	assert.Equal(t, "cms.page", page.Key())
	assert.Equal(t, "cms_pages", page.Table())
	assert.Equal(t, path, page.Origin)

	require.Len(t, page.Fields, 7)

	title := page.GetField("title")
	require.NotNil(t, title)
	assert.Equal(t, "string", title.Type)
	assert.Equal(t, "true", title.Options["required"])
	assert.Equal(t, []string{"table", "form"}, title.Visibility)
	_, uiKept := title.Options["ui"]
	assert.False(t, uiKept, "ui option folds into Visibility")

	status := page.GetField("status")
	require.NotNil(t, status)
	assert.Equal(t, "enum", status.Type)
	assert.Equal(t, []string{"draft", "published"}, status.Enum)
	assert.Equal(t, "draft", status.Options["default"])

	secret := page.GetField("secret_note")
	require.NotNil(t, secret)
	assert.Empty(t, secret.Visibility)

	ref := page.GetField("category_id")
	require.NotNil(t, ref)
	assert.Equal(t, "ref", ref.Type)
	assert.Equal(t, "Category", ref.RefTarget)

	labels := page.GetField("labels")
	require.NotNil(t, labels)
	assert.Equal(t, "array", labels.Type)
	assert.Equal(t, "string", labels.ElemType)

	require.Len(t, page.Relations, 3)
	cat := page.GetRelation("category")
	require.NotNil(t, cat)
	assert.Equal(t, BelongsTo, cat.Kind)
	assert.Equal(t, "cms.Category", cat.Target)
	assert.Equal(t, "category_id", cat.Field)

	comments := page.GetRelation("comments")
	require.NotNil(t, comments)
	assert.Equal(t, HasMany, comments.Kind)
	assert.Equal(t, "page_id", comments.Field)

	tags := page.GetRelation("tags")
	require.NotNil(t, tags)
	assert.Equal(t, ManyToMany, tags.Kind)

	assert.Equal(t, []string{"admin", "editor"}, page.Access["create"])
	assert.Equal(t, []string{"admin"}, page.Access["delete"])
	_, hasUpdate := page.Access["update"]
	assert.False(t, hasUpdate)

	require.Len(t, page.Constraints.Unique, 1)
	assert.Equal(t, []string{"title", "status"}, page.Constraints.Unique[0])

	// вторая модель: таблица по умолчанию — имя модели + "s"
	cat2 := models[1]
	assert.Equal(t, "categorys", cat2.Table())
}

func TestLoadModelsQuotedOptions(t *testing.T) {
	dir := t.TempDir()
	path := writeDSL(t, dir, "q.dsl", `module sys
model Setting:
  key: string required pattern=^[A-Z0-9_]+$
  note: string default='not set'
`)

	models, err := LoadModels(path)
	require.NoError(t, err)
	require.Len(t, models, 1)

	key := models[0].GetField("key")
	require.NotNil(t, key)
	assert.Equal(t, "^[A-Z0-9_]+$", key.Options["pattern"])

	note := models[0].GetField("note")
	require.NotNil(t, note)
	assert.Equal(t, "not set", note.Options["default"])
}

func TestLoadAll(t *testing.T) {
	dir := t.TempDir()
	writeDSL(t, dir, "a.dsl", "module cms\nmodel Page:\n  title: string\n")
	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.Mkdir(sub, 0o755))
	writeDSL(t, sub, "b.dsl", "module shop\nmodel Product:\n  name: string\n")
	writeDSL(t, dir, "notes.txt", "model NotParsed:\n  x: string\n")

	reg := NewRegistry()
	require.NoError(t, LoadAll(dir, reg, false))
	assert.Equal(t, 2, reg.Len())
	assert.True(t, reg.Has("cms", "Page"))
	assert.True(t, reg.Has("shop", "Product"))

	// повторная загрузка: strict падает, skipIfExists — нет
	assert.Error(t, LoadAll(dir, reg, false))
	assert.NoError(t, LoadAll(dir, reg, true))
	assert.Equal(t, 2, reg.Len())
}

func TestLoadAllRequiresModule(t *testing.T) {
	dir := t.TempDir()
	writeDSL(t, dir, "bad.dsl", "model Orphan:\n  name: string\n")

	err := LoadAll(dir, NewRegistry(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no module")
}
