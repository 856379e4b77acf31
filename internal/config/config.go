package config

import (
	"encoding/json"
	"flag"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port        string `json:"port"`
	DSLDir      string `json:"dslDir"`
	CatalogsDir string `json:"catalogsDir"`
	DBURL       string `json:"dbUrl"` // пусто = in-memory хранилище
	AutoMigrate bool   `json:"autoMigrate"`

	// Политика поиска модели по неквалифицированному имени:
	// "reject_ambiguous" (default) | "first_registered"
	LookupPolicy string `json:"lookupPolicy"`
}

func def() Config {
	return Config{
		Port:         "8080",
		DSLDir:       "dsl",
		CatalogsDir:  "reference/catalogs",
		DBURL:        "",
		AutoMigrate:  false,
		LookupPolicy: "reject_ambiguous",
	}
}

func loadJSON(path string) (Config, error) {
	c := def()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, err
	}
	return c, nil
}

func getenv(k, fallback string) string {
	if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func getenvBool(k string, fallback bool) bool {
	if v, ok := os.LookupEnv(k); ok {
		switch strings.TrimSpace(strings.ToLower(v)) {
		case "1", "true", "yes":
			return true
		case "0", "false", "no":
			return false
		}
	}
	return fallback
}

// LoadWithPath читает JSON по указанному пути, потом применяет ENV и флаги.
func LoadWithPath(jsonPath string) Config {
	cfg := def()

	if st, err := os.Stat(jsonPath); err == nil && !st.IsDir() {
		if c2, err := loadJSON(jsonPath); err == nil {
			cfg = c2
		}
	}

	// ENV overrides
	cfg.Port = getenv("KORELA_PORT", cfg.Port)
	cfg.DSLDir = getenv("KORELA_DSL_DIR", cfg.DSLDir)
	cfg.CatalogsDir = getenv("KORELA_CATALOGS_DIR", cfg.CatalogsDir)
	cfg.DBURL = getenv("KORELA_DB_URL", cfg.DBURL)
	cfg.AutoMigrate = getenvBool("KORELA_AUTO_MIGRATE", cfg.AutoMigrate)
	cfg.LookupPolicy = getenv("KORELA_LOOKUP_POLICY", cfg.LookupPolicy)

	// Flags overrides
	configPath := flag.String("config", jsonPath, "Path to config JSON")
	port := flag.String("port", cfg.Port, "HTTP port")
	dslDir := flag.String("dsl", cfg.DSLDir, "Path to DSL directory")
	catalogs := flag.String("catalogs", cfg.CatalogsDir, "Path to reference catalogs directory")
	db := flag.String("db", cfg.DBURL, "Postgres URL (empty = in-memory)")
	auto := flag.String("auto-migrate", strconv.FormatBool(cfg.AutoMigrate), "Apply generated DDL at startup (true/false)")
	policy := flag.String("lookup-policy", cfg.LookupPolicy, "Bare model name lookup policy (reject_ambiguous/first_registered)")

	flag.Parse()

	// если через флаг передали другой конфиг — перечитаем
	if *configPath != jsonPath {
		return LoadWithPath(*configPath)
	}

	cfg.Port = strings.TrimSpace(*port)
	cfg.DSLDir = strings.TrimSpace(*dslDir)
	cfg.CatalogsDir = strings.TrimSpace(*catalogs)
	cfg.DBURL = strings.TrimSpace(*db)
	cfg.AutoMigrate = strings.EqualFold(strings.TrimSpace(*auto), "true") ||
		strings.TrimSpace(*auto) == "1"
	cfg.LookupPolicy = strings.TrimSpace(*policy)

	return cfg
}
