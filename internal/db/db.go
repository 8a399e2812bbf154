package db

import (
	"database/sql"
	"fmt"
	"log"

	"billing-gateways/internal/config"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

func InitDB(cfg *config.Config) *sql.DB {
	db, err := NewDatabase(cfg)
	if err != nil {
		log.Fatal(err)
	}

	log.Println("Database connection established")
	return db
}

func NewDatabase(cfg *config.Config) (*sql.DB, error) {
	return newDatabaseWithDriver(cfg, cfg.DBDriver)
}

func newDatabaseWithDriver(cfg *config.Config, driver string) (*sql.DB, error) {
	db, err := sql.Open(driver, buildDSN(cfg, driver))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping DB: %w", err)
	}

	if driver == "sqlite3" {
		// sqlite serializes writers; a single connection avoids SQLITE_BUSY inside RunInTx.
		db.SetMaxOpenConns(1)
	}

	return db, nil
}

func buildDSN(cfg *config.Config, driver string) string {
	if driver == "sqlite3" {
		return fmt.Sprintf("file:%s?_foreign_keys=on", cfg.DBPath)
	}
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort,
	)
}
