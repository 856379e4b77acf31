package main

import (
	"log"
	"os"
	"strings"

	"korela/internal/api"
	"korela/internal/config"
	"korela/internal/dsl"
	"korela/internal/engine"
	"korela/internal/pg"
	"korela/internal/reference"
	"korela/internal/store"
)

func main() {
	cfg := config.LoadWithPath("korela.json")

	policy := dsl.RejectAmbiguous
	if strings.EqualFold(cfg.LookupPolicy, "first_registered") {
		policy = dsl.FirstRegistered
	}
	registry := dsl.NewRegistryWithPolicy(policy)

	// 1. Модели из .dsl-файлов; strict-режим — коллизия имён фатальна
	if err := dsl.LoadAll(cfg.DSLDir, registry, false); err != nil {
		log.Fatalf("DSL load failed: %v", err)
	}
	log.Printf("registered models: %d", registry.Len())

	for _, warn := range registry.Lint() {
		log.Printf("schema warning: %s", warn)
	}
	if report := registry.CheckForCyclicDependencies(); report.HasCycles {
		for _, cycle := range report.Cycles {
			log.Printf("relation cycle: %s", strings.Join(cycle, " -> "))
		}
	}

	// 2. Справочники
	catalogs := map[string]reference.Catalog{}
	if st, err := os.Stat(cfg.CatalogsDir); err == nil && st.IsDir() {
		catalogs, err = reference.LoadCatalogs(cfg.CatalogsDir)
		if err != nil {
			log.Fatalf("catalogs load failed: %v", err)
		}
		log.Printf("loaded catalogs: %d", len(catalogs))
	}

	// 3. Хранилище: Postgres при наличии URL, иначе in-memory
	var st store.Store
	if cfg.DBURL != "" {
		db, err := pg.Open(cfg.DBURL)
		if err != nil {
			log.Fatalf("postgres connect failed: %v", err)
		}
		pgStore := pg.NewStore(db)
		if cfg.AutoMigrate {
			if err := pgStore.Migrate(registry.All()); err != nil {
				log.Fatalf("auto-migrate failed: %v", err)
			}
		}
		st = pgStore
	} else {
		st = store.NewMemory()
	}

	dispatcher := engine.New(registry, st, catalogs)

	log.Printf("korela listening on :%s", cfg.Port)
	if err := api.RunServer(":"+cfg.Port, dispatcher, registry); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
