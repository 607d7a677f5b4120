package main

import (
	"fmt"
	"os"

	"github.com/uniboxhq/unibox/internal/config"
	"github.com/uniboxhq/unibox/internal/db"
	"github.com/uniboxhq/unibox/internal/logger"
)

func runMigrate() error {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.Init(cfg.Log.Level, cfg.Log.Format)
	if err := db.Migrate(cfg.Postgres); err != nil {
		return err
	}
	log.Info("migrations applied")
	return nil
}
