package engine

import (
	"context"
	"testing"

	"korela/internal/dsl"
	"korela/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// create-запрос, от которого ждём ошибку валидации
func expectValidation(t *testing.T, d *Dispatcher, model string, data map[string]interface{}) *OpError {
	t.Helper()
	_, err := d.Execute(context.Background(), Request{Model: model, Operation: "create", Data: data}, []string{"admin"})
	oe := asOpError(t, err)
	require.Equal(t, CodeValidation, oe.Code)
	return oe
}

func fieldCodes(oe *OpError) map[string]string {
	out := map[string]string{}
	for _, fe := range oe.Fields {
		out[fe.Field] = fe.Code
	}
	return out
}

func TestValidateRequired(t *testing.T) {
	d := testDispatcher(t)
	oe := expectValidation(t, d, "Widget", map[string]interface{}{"secret": "x"})
	assert.Equal(t, ErrRequired, fieldCodes(oe)["name"])
}

func TestValidateUnknownField(t *testing.T) {
	d := testDispatcher(t)
	oe := expectValidation(t, d, "Widget", map[string]interface{}{"name": "w", "ghost": 1})
	assert.Equal(t, ErrUnknownField, fieldCodes(oe)["ghost"])
	assert.Contains(t, oe.Fields[0].Message, "ghost")
}

func TestValidateTypeCoercion(t *testing.T) {
	d := testDispatcher(t)

	cases := []struct {
		name string
		data map[string]interface{}
		bad  string
	}{
		{"int from non-integer float", map[string]interface{}{"name": "a", "views": 1.5}, "views"},
		{"int from garbage string", map[string]interface{}{"name": "b", "views": "ten"}, "views"},
		{"string from number", map[string]interface{}{"name": float64(5)}, "name"},
		{"date wrong layout", map[string]interface{}{"name": "c", "released_on": "10.01.2026"}, "released_on"},
		{"date impossible", map[string]interface{}{"name": "d", "released_on": "2026-13-40"}, "released_on"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			oe := expectValidation(t, d, "Widget", tc.data)
			assert.Equal(t, ErrTypeMismatch, fieldCodes(oe)[tc.bad])
		})
	}

	// числовая строка для int принимается
	out := createWidget(t, d, map[string]interface{}{"name": "ok", "views": "42"})
	assert.Equal(t, int64(42), out["views"])

	// корректная дата проходит как есть
	out = createWidget(t, d, map[string]interface{}{"name": "ok2", "released_on": "2026-08-01"})
	assert.Equal(t, "2026-08-01", out["released_on"])
}

func TestValidateEnum(t *testing.T) {
	d := testDispatcher(t)
	oe := expectValidation(t, d, "Widget", map[string]interface{}{"name": "w", "status": "archived"})
	assert.Equal(t, ErrEnumInvalid, fieldCodes(oe)["status"])

	// enum чувствителен к регистру значений
	oe = expectValidation(t, d, "Widget", map[string]interface{}{"name": "w", "status": "Draft"})
	assert.Equal(t, ErrEnumInvalid, fieldCodes(oe)["status"])
}

func TestValidateCatalog(t *testing.T) {
	d := testDispatcher(t)

	out := createWidget(t, d, map[string]interface{}{"name": "w", "locale": "ru"})
	assert.Equal(t, "ru", out["locale"])

	oe := expectValidation(t, d, "Widget", map[string]interface{}{"name": "w2", "locale": "fr"})
	assert.Equal(t, ErrEnumInvalid, fieldCodes(oe)["locale"])
}

func TestValidateUnique(t *testing.T) {
	d := testDispatcher(t)
	createWidget(t, d, map[string]interface{}{"name": "first", "sku": "SKU-1"})

	oe := expectValidation(t, d, "Widget", map[string]interface{}{"name": "second", "sku": "SKU-1"})
	assert.Equal(t, ErrUniqueViolation, fieldCodes(oe)["sku"])

	// обновление самой записи не конфликтует само с собой
	other := createWidget(t, d, map[string]interface{}{"name": "third", "sku": "SKU-2"})
	_, err := d.Execute(context.Background(), Request{
		Model: "Widget", Operation: "update",
		Data: map[string]interface{}{"id": other["id"], "sku": "SKU-2"},
	}, nil)
	assert.NoError(t, err)

	// но чужое значение занять нельзя
	_, err = d.Execute(context.Background(), Request{
		Model: "Widget", Operation: "update",
		Data: map[string]interface{}{"id": other["id"], "sku": "SKU-1"},
	}, nil)
	oe = asOpError(t, err)
	require.Equal(t, CodeValidation, oe.Code)
	assert.Equal(t, ErrUniqueViolation, fieldCodes(oe)["sku"])
}

func TestValidateCompositeUnique(t *testing.T) {
	d := testDispatcher(t)
	createWidget(t, d, map[string]interface{}{"name": "same", "status": "published"})

	// та же пара (name, status) — конфликт
	oe := expectValidation(t, d, "Widget", map[string]interface{}{"name": "same", "status": "published"})
	assert.Equal(t, ErrUniqueViolation, fieldCodes(oe)["name"])

	// другой status — пара уникальна
	createWidget(t, d, map[string]interface{}{"name": "same", "status": "draft"})
}

func TestValidateReadonlyAndSystemFields(t *testing.T) {
	d := testDispatcher(t)

	oe := expectValidation(t, d, "Widget", map[string]interface{}{"name": "w", "serial": "S-1"})
	assert.Equal(t, ErrReadOnly, fieldCodes(oe)["serial"])

	oe = expectValidation(t, d, "Widget", map[string]interface{}{"name": "w", "created_at": "2026-01-01"})
	assert.Equal(t, ErrReadOnly, fieldCodes(oe)["created_at"])

	// id и version в payload молча вычищаются
	out := createWidget(t, d, map[string]interface{}{"name": "w", "id": "forced", "version": float64(99)})
	assert.NotEqual(t, "forced", out["id"])
	assert.Equal(t, int64(1), out["version"])
}

func TestValidateRefExistence(t *testing.T) {
	d := testDispatcher(t)

	oe := expectValidation(t, d, "Comment", map[string]interface{}{"page_id": "missing", "body": "hi"})
	assert.Equal(t, ErrRefNotFound, fieldCodes(oe)["page_id"])

	page := mustExec(t, d, Request{Model: "Page", Operation: "create",
		Data: map[string]interface{}{"title": "t"}}).Data.(map[string]interface{})
	_, err := d.Execute(context.Background(), Request{
		Model: "Comment", Operation: "create",
		Data: map[string]interface{}{"page_id": page["id"], "body": "hi"},
	}, nil)
	assert.NoError(t, err)
}

func TestValidateArrayField(t *testing.T) {
	reg := dsl.NewRegistry()
	require.NoError(t, reg.Register(&dsl.Model{
		Name: "Post", Module: "blog",
		Fields: []dsl.Field{
			{Name: "title", Type: "string"},
			{Name: "labels", Type: "array", ElemType: "string"},
			{Name: "scores", Type: "array", ElemType: "int"},
		},
	}, false))
	d := New(reg, store.NewMemory(), nil)

	res := mustExec(t, d, Request{Model: "Post", Operation: "create",
		Data: map[string]interface{}{"labels": []interface{}{"a", "b"}}})
	out := res.Data.(map[string]interface{})
	assert.Equal(t, []interface{}{"a", "b"}, out["labels"])

	// CSV-строка принимается как массив
	res = mustExec(t, d, Request{Model: "Post", Operation: "create",
		Data: map[string]interface{}{"labels": "x, y, z"}})
	assert.Equal(t, []interface{}{"x", "y", "z"}, res.Data.(map[string]interface{})["labels"])

	// элементы проверяются по типу
	_, err := d.Execute(context.Background(), Request{Model: "Post", Operation: "create",
		Data: map[string]interface{}{"scores": []interface{}{float64(1), "bad"}}}, nil)
	oe := asOpError(t, err)
	require.Equal(t, CodeValidation, oe.Code)
	assert.Equal(t, ErrTypeMismatch, fieldCodes(oe)["scores"])
}
