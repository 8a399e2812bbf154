package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"billing-gateways/internal/config"
	"billing-gateways/internal/db"
	"billing-gateways/internal/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func main() {
	mode := flag.String("mode", "up", "migration mode: up or down")
	dir := flag.String("dir", "", "migrations directory (default depends on DB_DRIVER)")
	seed := flag.String("seed", "", "YAML file with gateways to upsert after migrating")
	envFile := flag.String("env-file", "", "env file to load")
	flag.Parse()

	var cfg *config.Config
	if *envFile != "" {
		cfg = config.LoadConfigFrom(*envFile)
	} else {
		cfg = config.LoadConfig()
	}
	logger.Init(cfg.AppEnv)
	defer logger.Sync()
	log := logger.L()

	database, err := db.NewDatabase(cfg)
	if err != nil {
		log.Fatal("failed to connect db", zap.Error(err))
	}
	defer database.Close()

	if *dir == "" {
		*dir = migrationsDir(cfg.DBDriver)
	}

	ctx := context.Background()
	if err := run(ctx, database, *mode, *dir); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}
	if *seed != "" {
		n, err := seedGateways(ctx, database, *seed)
		if err != nil {
			log.Fatal("seeding gateways failed", zap.Error(err))
		}
		log.Info("Gateways seeded", zap.Int("count", n))
	}
}

func migrationsDir(driver string) string {
	if driver == "sqlite3" {
		return "./migrations/sqlite"
	}
	return "./migrations"
}

func run(ctx context.Context, database *sql.DB, mode, migrationsDir string) error {
	_, err := database.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure schema_migrations table: %w", err)
	}

	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.sql"))
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	sort.Strings(files)

	switch mode {
	case "up":
		return runMigrationsUp(ctx, database, files)
	case "down":
		return runMigrationsDown(ctx, database, files)
	default:
		return fmt.Errorf("unknown mode: %s (use 'up' or 'down')", mode)
	}
}

func runMigrationsUp(ctx context.Context, database *sql.DB, files []string) error {
	log := logger.L()
	applied := 0

	for _, file := range files {
		version := filepath.Base(file)

		var exists bool
		err := database.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if exists {
			log.Debug("Skipping applied migration", zap.String("version", version))
			continue
		}

		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}

		log.Info("Applying migration", zap.String("version", version))
		err = inTx(ctx, database, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, extractMigrationPart(string(content), "Up")); err != nil {
				return fmt.Errorf("migration failed (%s): %w", version, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
				return fmt.Errorf("failed to record migration version: %w", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		applied++
	}

	log.Info("Migrations applied", zap.Int("applied", applied))
	return nil
}

func runMigrationsDown(ctx context.Context, database *sql.DB, files []string) error {
	log := logger.L()

	var lastVersion string
	err := database.QueryRowContext(ctx,
		`SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&lastVersion)
	if errors.Is(err, sql.ErrNoRows) {
		log.Info("No migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get last applied migration: %w", err)
	}

	filePath := ""
	for _, f := range files {
		if filepath.Base(f) == lastVersion {
			filePath = f
			break
		}
	}
	if filePath == "" {
		return fmt.Errorf("migration file not found for version: %s", lastVersion)
	}

	content, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filePath, err)
	}

	log.Info("Rolling back migration", zap.String("version", lastVersion))
	return inTx(ctx, database, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, extractMigrationPart(string(content), "Down")); err != nil {
			return fmt.Errorf("rollback failed (%s): %w", filePath, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, lastVersion); err != nil {
			return fmt.Errorf("failed to remove migration record: %w", err)
		}
		return nil
	})
}

func inTx(ctx context.Context, database *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// extractMigrationPart returns the statements between "-- +migrate <section>"
// and the next marker.
func extractMigrationPart(content string, section string) string {
	var part strings.Builder
	inPart := false

	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "-- +migrate") {
			if inPart {
				break
			}
			inPart = strings.Contains(line, "-- +migrate "+section)
			continue
		}
		if inPart {
			part.WriteString(line + "\n")
		}
	}
	return part.String()
}

type gatewaySeed struct {
	Name        string          `yaml:"name"`
	DisplayName string          `yaml:"display_name"`
	FixedFee    decimal.Decimal `yaml:"fixed_fee"`
	PercentFee  decimal.Decimal `yaml:"percent_fee"`
	Enabled     *bool           `yaml:"enabled"`
}

type seedFile struct {
	Gateways []gatewaySeed `yaml:"gateways"`
}

func loadSeed(path string) ([]gatewaySeed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, g := range f.Gateways {
		if g.Name == "" {
			return nil, fmt.Errorf("gateway #%d has no name", i+1)
		}
		if g.DisplayName == "" {
			f.Gateways[i].DisplayName = g.Name
		}
	}
	return f.Gateways, nil
}

// seedGateways upserts the gateways listed in path, keyed on name.
func seedGateways(ctx context.Context, database *sql.DB, path string) (int, error) {
	gateways, err := loadSeed(path)
	if err != nil {
		return 0, err
	}

	err = inTx(ctx, database, func(tx *sql.Tx) error {
		for _, g := range gateways {
			enabled := g.Enabled == nil || *g.Enabled
			_, err := tx.ExecContext(ctx, `
				INSERT INTO gateways (name, display_name, fixed_fee, percent_fee, enabled)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (name) DO UPDATE SET
					display_name = excluded.display_name,
					fixed_fee = excluded.fixed_fee,
					percent_fee = excluded.percent_fee,
					enabled = excluded.enabled
			`, g.Name, g.DisplayName, g.FixedFee.String(), g.PercentFee.String(), enabled)
			if err != nil {
				return fmt.Errorf("upsert gateway %s: %w", g.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(gateways), nil
}
