package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := def()
	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, "dsl", c.DSLDir)
	assert.Equal(t, "reference/catalogs", c.CatalogsDir)
	assert.Empty(t, c.DBURL)
	assert.False(t, c.AutoMigrate)
	assert.Equal(t, "reject_ambiguous", c.LookupPolicy)
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "korela.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"port": "9090",
		"dbUrl": "postgres://localhost/korela",
		"autoMigrate": true
	}`), 0o644))

	c, err := loadJSON(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", c.Port)
	assert.Equal(t, "postgres://localhost/korela", c.DBURL)
	assert.True(t, c.AutoMigrate)
	// незатронутые поля остаются дефолтными
	assert.Equal(t, "dsl", c.DSLDir)
	assert.Equal(t, "reject_ambiguous", c.LookupPolicy)

	_, err = loadJSON(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("KORELA_TEST_STR", "value")
	assert.Equal(t, "value", getenv("KORELA_TEST_STR", "def"))
	assert.Equal(t, "def", getenv("KORELA_TEST_MISSING", "def"))

	t.Setenv("KORELA_TEST_BLANK", "   ")
	assert.Equal(t, "def", getenv("KORELA_TEST_BLANK", "def"), "пустое значение не перекрывает дефолт")

	t.Setenv("KORELA_TEST_BOOL", "true")
	assert.True(t, getenvBool("KORELA_TEST_BOOL", false))
	t.Setenv("KORELA_TEST_BOOL", "0")
	assert.False(t, getenvBool("KORELA_TEST_BOOL", true))
	t.Setenv("KORELA_TEST_BOOL", "garbage")
	assert.True(t, getenvBool("KORELA_TEST_BOOL", true), "мусор игнорируется")
}
