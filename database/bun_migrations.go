package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// AppliedMigration is one row of the migrations tracking table
type AppliedMigration struct {
	bun.BaseModel `bun:"table:bun_schema_migrations"`
	Version       string `bun:"version,pk"`
	Name          string `bun:"name"`
}

type migration struct {
	version string
	name    string
	up      func(context.Context, *bun.DB) error
}

var migrations = []migration{
	{"001", "create_documents", init001CreateDocuments},
	{"002", "create_document_pages", init002CreateDocumentPages},
	{"003", "create_processing_statuses", init003CreateProcessingStatuses},
	{"004", "add_processing_attempt", init004AddProcessingAttempt},
}

// runMigrations runs all Bun migrations
func (b *BunDB) runMigrations(ctx context.Context) error {
	// Create a simple migrations tracking table
	_, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS bun_schema_migrations (
			version TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var applied []AppliedMigration
	err = b.db.NewSelect().
		Model(&applied).
		Scan(ctx)
	if err != nil {
		return fmt.Errorf("failed to check applied migrations: %w", err)
	}

	appliedMap := make(map[string]bool)
	for _, m := range applied {
		appliedMap[m.Version] = true
	}

	for _, m := range migrations {
		if appliedMap[m.version] {
			continue
		}

		Logger.Info("Running migration", "version", m.version, "name", m.name)
		if err := m.up(ctx, b.db); err != nil {
			return fmt.Errorf("failed to run migration %s: %w", m.version, err)
		}

		_, err = b.db.NewInsert().
			Model(&AppliedMigration{Version: m.version, Name: m.name}).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to mark migration %s as applied: %w", m.version, err)
		}
	}

	Logger.Info("All migrations completed successfully")
	return nil
}

// columnTypes rewrites the portable placeholders in a CREATE statement for the connected dialect
func columnTypes(db *bun.DB, ddl string) string {
	timestamp, jsonType := "TIMESTAMP", "TEXT"
	if db.Dialect().Name() == dialect.PG {
		timestamp, jsonType = "TIMESTAMPTZ", "JSONB"
	}
	return strings.NewReplacer("{{TIMESTAMP}}", timestamp, "{{JSON}}", jsonType).Replace(ddl)
}

func execAll(ctx context.Context, db *bun.DB, statements []string) error {
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, columnTypes(db, stmt)); err != nil {
			return err
		}
	}
	return nil
}

// Migration 001: documents and their versions
func init001CreateDocuments(ctx context.Context, db *bun.DB) error {
	err := execAll(ctx, db, []string{`
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			team_id TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			download_only BOOLEAN NOT NULL DEFAULT FALSE,
			created_at {{TIMESTAMP}} NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, `
		CREATE TABLE IF NOT EXISTS document_versions (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL REFERENCES documents(id),
			team_id TEXT NOT NULL,
			file TEXT NOT NULL,
			storage_type TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			num_pages INTEGER NOT NULL DEFAULT 0,
			is_vertical BOOLEAN NOT NULL DEFAULT FALSE,
			has_pages BOOLEAN NOT NULL DEFAULT FALSE,
			is_primary BOOLEAN NOT NULL DEFAULT FALSE,
			version_number INTEGER NOT NULL DEFAULT 1,
			file_size BIGINT NOT NULL DEFAULT 0,
			created_at {{TIMESTAMP}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at {{TIMESTAMP}} NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		"CREATE INDEX IF NOT EXISTS idx_documents_team ON documents(team_id)",
		"CREATE INDEX IF NOT EXISTS idx_document_versions_document ON document_versions(document_id)",
	})
	if err != nil {
		return fmt.Errorf("failed to create documents tables: %w", err)
	}
	return nil
}

// Migration 002: rendered pages, one row per (version, page number)
func init002CreateDocumentPages(ctx context.Context, db *bun.DB) error {
	err := execAll(ctx, db, []string{`
		CREATE TABLE IF NOT EXISTS document_pages (
			id TEXT PRIMARY KEY,
			version_id TEXT NOT NULL REFERENCES document_versions(id),
			page_number INTEGER NOT NULL,
			file TEXT NOT NULL,
			storage_type TEXT NOT NULL,
			page_links {{JSON}},
			metadata {{JSON}},
			created_at {{TIMESTAMP}} NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_document_pages_version_page ON document_pages(version_id, page_number)",
	})
	if err != nil {
		return fmt.Errorf("failed to create document_pages table: %w", err)
	}
	return nil
}

// Migration 003: processing status, one row per version
func init003CreateProcessingStatuses(ctx context.Context, db *bun.DB) error {
	err := execAll(ctx, db, []string{`
		CREATE TABLE IF NOT EXISTS document_processing_statuses (
			document_version_id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'QUEUED',
			progress INTEGER NOT NULL DEFAULT 0,
			message TEXT,
			error TEXT,
			mode TEXT NOT NULL DEFAULT 'local',
			created_at {{TIMESTAMP}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at {{TIMESTAMP}} NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		"CREATE INDEX IF NOT EXISTS idx_processing_statuses_sweep ON document_processing_statuses(mode, status, updated_at)",
	})
	if err != nil {
		return fmt.Errorf("failed to create document_processing_statuses table: %w", err)
	}
	return nil
}

// Migration 004: schedule counter, folded into delegated idempotency keys
func init004AddProcessingAttempt(ctx context.Context, db *bun.DB) error {
	_, err := db.ExecContext(ctx, "ALTER TABLE document_processing_statuses ADD COLUMN attempt INTEGER NOT NULL DEFAULT 0")
	if err != nil {
		return fmt.Errorf("failed to add attempt column: %w", err)
	}
	return nil
}
