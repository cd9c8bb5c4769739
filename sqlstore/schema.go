package sqlstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/coldbrewdb/akavache/serialize"
)

// currentSchemaVersion is the layout migrateSchema converges every opened
// database to. Version 1 predates created_at_ticks; version 2 added it.
const currentSchemaVersion = 2

const schemaInfoTable = `
CREATE TABLE IF NOT EXISTS schema_info (version INTEGER NOT NULL);
`

// migrateSchema brings db up to currentSchemaVersion. It creates the
// schema_info bookkeeping table if absent, and when an existing database
// predates either schema_info itself or created_at_ticks, migrates it in
// place: a database with a cache_entries table but no recorded version is
// either a pre-schema_info v2 database (created_at_ticks already present,
// nothing to move) or a true v1 database, which gets its table renamed
// aside, rebuilt under the current layout, and its rows copied across with
// created_at synthesized as now.
func migrateSchema(db *sql.DB, now time.Time) error {
	if _, err := db.Exec(schemaInfoTable); err != nil {
		return fmt.Errorf("creating schema_info: %w", err)
	}

	version, err := readSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version == currentSchemaVersion {
		return nil
	}

	if version == 0 {
		legacy, err := tableExists(db, "cache_entries")
		if err != nil {
			return err
		}
		if legacy {
			hasTicks, err := columnExists(db, "cache_entries", "created_at_ticks")
			if err != nil {
				return err
			}
			if !hasTicks {
				if err := migrateV1ToV2(db, now); err != nil {
					return fmt.Errorf("migrating v1 schema: %w", err)
				}
			}
		}
	}

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return setSchemaVersion(db, currentSchemaVersion)
}

func readSchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(`SELECT version FROM schema_info LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(`DELETE FROM schema_info`); err != nil {
		return err
	}
	_, err := db.Exec(`INSERT INTO schema_info (version) VALUES (?)`, version)
	return err
}

func tableExists(db *sql.DB, name string) (bool, error) {
	var found string
	err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notNull, pk int
		var name, colType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// migrateV1ToV2 renames the pre-existing cache_entries table aside, creates
// the current layout, copies every row across with created_at_ticks
// synthesized as now (v1 rows carry no creation time at all), and drops
// the old table.
func migrateV1ToV2(db *sql.DB, now time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`ALTER TABLE cache_entries RENAME TO cache_entries_v1`); err != nil {
		return fmt.Errorf("renaming v1 table: %w", err)
	}
	if _, err := tx.Exec(schema); err != nil {
		return fmt.Errorf("creating v2 table: %w", err)
	}

	nowTicks := serialize.ToTicks(now)
	if _, err := tx.Exec(`
		INSERT INTO cache_entries (key, type_name, value, created_at_ticks, expires_at_ticks)
		SELECT key, type_name, value, ?, expires_at_ticks FROM cache_entries_v1
	`, nowTicks); err != nil {
		return fmt.Errorf("copying v1 rows: %w", err)
	}
	if _, err := tx.Exec(`DROP TABLE cache_entries_v1`); err != nil {
		return fmt.Errorf("dropping v1 table: %w", err)
	}

	return tx.Commit()
}
