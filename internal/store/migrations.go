package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const schemaVersion = "1"

// migrate creates all tables if they don't exist and seeds metadata.
func (s *Store) migrate() error {
	bootstrapDone, err := s.isMetaFlagEnabled("schema_bootstrap_complete")
	if err != nil {
		return fmt.Errorf("checking bootstrap state: %w", err)
	}

	if !bootstrapDone {
		if err := s.runBootstrapDDL(); err != nil {
			return err
		}
	}

	if err := s.seedMeta(); err != nil {
		return fmt.Errorf("seeding metadata: %w", err)
	}

	if !bootstrapDone {
		if err := s.setMetaFlag("schema_bootstrap_complete"); err != nil {
			return fmt.Errorf("marking bootstrap complete: %w", err)
		}
	}

	// Schema evolution: add metadata column to entities (v0.2.0).
	// Uses ALTER TABLE which can't be inside CREATE TABLE IF NOT EXISTS.
	// We check for column existence first to make it idempotent.
	if err := s.migrateEntityMetadataColumn(); err != nil {
		return fmt.Errorf("migrating entity metadata column: %w", err)
	}

	return nil
}

func (s *Store) runBootstrapDDL() error {
	statements := []string{
		// Entity candidates. merged_into is the tombstone forward pointer:
		// a non-NULL value means the row was absorbed and is retained only
		// so old ids stay resolvable (and reversible).
		`CREATE TABLE IF NOT EXISTS entities (
			id                  TEXT PRIMARY KEY,
			primary_name        TEXT NOT NULL,
			entity_type         TEXT NOT NULL CHECK(entity_type IN ('character','location','org','concept','person','entity')),
			source_table        TEXT NOT NULL DEFAULT 'entities',
			confidence          REAL NOT NULL DEFAULT 1.0 CHECK(confidence >= 0 AND confidence <= 1),
			usage_count         INTEGER NOT NULL DEFAULT 0 CHECK(usage_count >= 0),
			first_seen          DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_seen           DATETIME DEFAULT CURRENT_TIMESTAMP,
			resolution_tier     TEXT NOT NULL CHECK(resolution_tier IN ('primary','secondary','tertiary')),
			visibility_override INTEGER,
			merged_into         TEXT REFERENCES entities(id),
			merged_at           DATETIME,
			created_at          DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at          DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_tier ON entities(resolution_tier)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_merged_into ON entities(merged_into)`,

		// Alias sets. Order-irrelevant, no duplicates per entity.
		`CREATE TABLE IF NOT EXISTS entity_aliases (
			entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
			alias     TEXT NOT NULL,
			added_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(entity_id, alias)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_aliases_entity ON entity_aliases(entity_id)`,

		// Detected duplicate pairs, stored canonically (entity_a_id < entity_b_id).
		// The partial unique index enforces at most one OPEN conflict per pair;
		// resolved records are immutable history.
		`CREATE TABLE IF NOT EXISTS conflicts (
			id            TEXT PRIMARY KEY,
			entity_a_id   TEXT NOT NULL REFERENCES entities(id),
			entity_b_id   TEXT NOT NULL REFERENCES entities(id),
			entity_a_type TEXT NOT NULL,
			entity_b_type TEXT NOT NULL,
			similarity    REAL NOT NULL CHECK(similarity >= 0 AND similarity <= 1),
			reason        TEXT NOT NULL CHECK(reason IN ('name_similarity','context_overlap','coreference','temporal_overlap')),
			status        TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open','merged','dismissed')),
			detected_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			resolved_at   DATETIME,
			CHECK(entity_a_id < entity_b_id)
		)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conflicts_open_pair
			ON conflicts(entity_a_id, entity_b_id) WHERE status = 'open'`,
		`CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts(status)`,

		// Merge audit/undo log. metadata carries the full moved-reference-id
		// list so reversal is exact replay, never recomputation.
		`CREATE TABLE IF NOT EXISTS merge_records (
			id          TEXT PRIMARY KEY,
			source_id   TEXT NOT NULL REFERENCES entities(id),
			target_id   TEXT NOT NULL REFERENCES entities(id),
			source_type TEXT NOT NULL,
			target_type TEXT NOT NULL,
			merged_by   TEXT NOT NULL CHECK(merged_by IN ('system','user')),
			reason      TEXT,
			reversible  INTEGER NOT NULL DEFAULT 1,
			metadata    TEXT NOT NULL,
			merged_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			reverted_at DATETIME
		)`,

		`CREATE INDEX IF NOT EXISTS idx_merges_source ON merge_records(source_id)`,
		`CREATE INDEX IF NOT EXISTS idx_merges_target ON merge_records(target_id)`,

		// External references that name an entity. The merge executor and the
		// reversal manager are the only writers allowed to move entity_id.
		`CREATE TABLE IF NOT EXISTS entity_references (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL CHECK(kind IN ('memory','event','claim','timeline')),
			entity_id   TEXT NOT NULL REFERENCES entities(id),
			source_doc  TEXT,
			occurred_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_refs_entity ON entity_references(entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_refs_kind ON entity_references(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_refs_doc ON entity_references(source_doc)`,

		// Precomputed coreference hints from the upstream extractor.
		// Canonical pair ordering, same as conflicts.
		`CREATE TABLE IF NOT EXISTS coref_signals (
			entity_a_id TEXT NOT NULL,
			entity_b_id TEXT NOT NULL,
			score       REAL NOT NULL CHECK(score >= 0 AND score <= 1),
			source      TEXT,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(entity_a_id, entity_b_id),
			CHECK(entity_a_id < entity_b_id)
		)`,

		// Store metadata
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning bootstrap transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("bootstrap DDL %q: %w", firstLine(stmt), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bootstrap: %w", err)
	}
	return nil
}

func (s *Store) seedMeta() error {
	_, err := s.db.Exec(
		`INSERT INTO meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO NOTHING`, schemaVersion)
	return err
}

func (s *Store) isMetaFlagEnabled(key string) (bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		// meta table doesn't exist yet on a fresh database
		if strings.Contains(err.Error(), "no such table") {
			return false, nil
		}
		return false, err
	}
	return value == "1", nil
}

func (s *Store) setMetaFlag(key string) error {
	_, err := s.db.Exec(
		`INSERT INTO meta (key, value) VALUES (?, '1')
		 ON CONFLICT(key) DO UPDATE SET value = '1'`, key)
	return err
}

// migrateEntityMetadataColumn adds the free-form metadata column used by the
// edit endpoint. Idempotent via pragma_table_info probe.
func (s *Store) migrateEntityMetadataColumn() error {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info('entities') WHERE name='metadata'",
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("probing metadata column: %w", err)
	}
	if count > 0 {
		return nil
	}
	if _, err := s.db.Exec("ALTER TABLE entities ADD COLUMN metadata TEXT"); err != nil {
		return fmt.Errorf("adding metadata column: %w", err)
	}
	return nil
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if idx := strings.IndexByte(stmt, '\n'); idx > 0 {
		return stmt[:idx]
	}
	return stmt
}
