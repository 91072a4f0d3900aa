package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const pluginColumns = `format, identifier, uid, name, manufacturer, category, version,
	is_instrument, num_inputs, num_outputs, file_mod_time, last_scanned`

// Store persists catalogs to SQLite. Every Save rewrites both tables in a
// single transaction, so readers see the previous catalog or the new one.
type Store struct {
	db *sql.DB
}

// NewStore creates a catalog store on a migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Load reads the persisted catalog. An empty database yields an empty catalog.
func (s *Store) Load(ctx context.Context) (*Catalog, error) {
	c := New()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pluginColumns+` FROM plugins ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("loading plugins: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning plugin: %w", err)
		}
		c.descriptors = append(c.descriptors, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating plugins: %w", err)
	}

	bl, err := s.db.QueryContext(ctx, `SELECT identifier, added_at FROM blacklist`)
	if err != nil {
		return nil, fmt.Errorf("loading blacklist: %w", err)
	}
	defer bl.Close() //nolint:errcheck

	for bl.Next() {
		var id, addedAt string
		if err := bl.Scan(&id, &addedAt); err != nil {
			return nil, fmt.Errorf("scanning blacklist entry: %w", err)
		}
		c.blacklist[id] = parseTime(addedAt)
	}
	if err := bl.Err(); err != nil {
		return nil, fmt.Errorf("iterating blacklist: %w", err)
	}
	return c, nil
}

// Save replaces the persisted catalog with c.
func (s *Store) Save(ctx context.Context, c *Catalog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning catalog save: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM plugins`); err != nil {
		return fmt.Errorf("clearing plugins: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM blacklist`); err != nil {
		return fmt.Errorf("clearing blacklist: %w", err)
	}

	for i, d := range c.descriptors {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO plugins (position, `+pluginColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			i, d.Format, d.Identifier, d.UID, d.Name, d.Manufacturer, d.Category, d.Version,
			boolToInt(d.IsInstrument), d.NumInputs, d.NumOutputs,
			formatTime(d.FileModTime), formatTime(d.LastScanned),
		)
		if err != nil {
			return fmt.Errorf("inserting plugin %s: %w", d.Identifier, err)
		}
	}

	now := time.Now().UTC()
	for id, at := range c.blacklist {
		if at.IsZero() {
			at = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO blacklist (identifier, added_at) VALUES (?, ?)`, id, formatTime(at)); err != nil {
			return fmt.Errorf("inserting blacklist entry %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing catalog: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDescriptor(row rowScanner) (*Descriptor, error) {
	var d Descriptor
	var instrument int
	var modTime, scanned string
	err := row.Scan(
		&d.Format, &d.Identifier, &d.UID, &d.Name, &d.Manufacturer, &d.Category, &d.Version,
		&instrument, &d.NumInputs, &d.NumOutputs, &modTime, &scanned,
	)
	if err != nil {
		return nil, err
	}
	d.IsInstrument = instrument != 0
	d.FileModTime = parseTime(modTime)
	d.LastScanned = parseTime(scanned)
	return &d, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
