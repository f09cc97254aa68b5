package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/irisanalysis/datalab0826-sub001/internal/config"
	"github.com/irisanalysis/datalab0826-sub001/internal/store"
)

func main() {
	var (
		command = flag.String("command", "up", "Migration command: up, down, version, force")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down)")
		version = flag.Uint("version", 0, "Target version (for force command)")
	)
	flag.Parse()

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config error", zap.Error(err))
	}
	if cfg.DBAdapter != "postgres" {
		log.Fatal("migrations only work with PostgreSQL", zap.String("adapter", cfg.DBAdapter))
	}

	m, err := store.NewMigrator(cfg.PostgresDSN)
	if err != nil {
		log.Fatal("migrator", zap.Error(err))
	}
	defer m.Close()

	if err := run(m, *command, *steps, *version); err != nil {
		log.Fatal("migration failed", zap.String("command", *command), zap.Error(err))
	}
	v, dirty, err := m.Version()
	if err != nil {
		log.Fatal("failed to get version", zap.Error(err))
	}
	log.Info("done", zap.String("command", *command), zap.Uint("version", v), zap.Bool("dirty", dirty))
	if dirty {
		os.Exit(1)
	}
}

func run(m *store.Migrator, command string, steps int, version uint) error {
	switch command {
	case "up":
		if steps > 0 {
			return m.Steps(steps)
		}
		return m.Up()
	case "down":
		if steps > 0 {
			return m.Steps(-steps)
		}
		return m.Down()
	case "version":
		return nil
	case "force":
		if version == 0 {
			return fmt.Errorf("version required for force command (use -version flag)")
		}
		return m.Force(int(version))
	}
	return fmt.Errorf("unknown command: %s (supported: up, down, version, force)", command)
}
