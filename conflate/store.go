package conflate

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/paulmach/orb/encoding/wkb"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// containerMigrate brings the schema of a container file up to date.
func containerMigrate(db *sql.DB, logger *slog.Logger) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("opening embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	// m.Close would close db, which belongs to the caller.
	m.Log = &migrateLogger{logger: logger}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating container schema: %w", err)
	}
	return nil
}

// containerVersion is the schema version of the newest embedded migration.
func containerVersion() (uint, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("opening embedded migrations: %w", err)
	}
	defer src.Close()
	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("reading embedded migrations: %w", err)
	}
	for {
		next, err := src.Next(v)
		if errors.Is(err, os.ErrNotExist) {
			return v, nil
		}
		if err != nil {
			return 0, fmt.Errorf("reading embedded migrations: %w", err)
		}
		v = next
	}
}

// checkContainerVersion fails unless the file was migrated to the current schema.
// Reading never migrates; only Save writes the schema.
func checkContainerVersion(db *sql.DB) error {
	want, err := containerVersion()
	if err != nil {
		return err
	}
	var (
		version int64
		dirty   bool
	)
	if err := db.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty); err != nil {
		return fmt.Errorf("%w: no container schema: %v", ErrWrongType, err)
	}
	if dirty || version != int64(want) {
		return fmt.Errorf("%w: container schema version %d (dirty %t), want %d", ErrWrongType, version, dirty, want)
	}
	return nil
}

// migrateLogger implements migrate.Logger on top of slog.
type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	if l.logger != nil {
		l.logger.Debug(fmt.Sprintf("[migrate] "+format, v...))
	}
}

func (l *migrateLogger) Verbose() bool { return false }

// Save writes the container to a single SQLite file. The file is built next to path
// and renamed into place, so readers never observe a partial container.
func (c *CandidatePairs) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".candidates-*.db")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := c.writeSQLite(tmpPath); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

func (c *CandidatePairs) writeSQLite(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("opening container: %w", err)
	}
	defer db.Close()

	if err := containerMigrate(db, nil); err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	meta := map[string]string{
		"name_a": c.DatasetA.Name,
		"name_b": c.DatasetB.Name,
		"crs_a":  c.DatasetA.CRS,
		"crs_b":  c.DatasetB.CRS,
	}
	for k, v := range meta {
		if _, err := tx.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("writing meta %s: %w", k, err)
		}
	}

	stmt, err := tx.Prepare(`INSERT INTO buildings (dataset, seq, id, original_id, neighborhood, geom) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing buildings insert: %w", err)
	}
	defer stmt.Close()
	for _, d := range []struct {
		label string
		ds    *Dataset
	}{{"A", c.DatasetA}, {"B", c.DatasetB}} {
		for i, b := range d.ds.Buildings {
			geom, err := wkb.Marshal(b.Geometry)
			if err != nil {
				return fmt.Errorf("encoding building %s: %w", b.ID, err)
			}
			if _, err := stmt.Exec(d.label, i, b.ID, b.OriginalID, b.Neighborhood, geom); err != nil {
				return fmt.Errorf("writing building %s: %w", b.ID, err)
			}
		}
	}

	pairStmt, err := tx.Prepare(`INSERT INTO pairs (seq, id_existing, id_new, match) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing pairs insert: %w", err)
	}
	defer pairStmt.Close()
	for i, p := range c.Pairs {
		if _, err := pairStmt.Exec(i, p.IDExisting, p.IDNew, p.Match); err != nil {
			return fmt.Errorf("writing pair %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing container: %w", err)
	}
	return nil
}

// LoadCandidatePairs reads and validates a container written by Save. The file is
// opened read-only.
func LoadCandidatePairs(path string) (*CandidatePairs, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("opening container %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("opening container %s: %w", path, err)
	}
	dsn := (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs), RawQuery: "mode=ro"}).String()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening container: %w", err)
	}
	defer db.Close()

	if err := checkContainerVersion(db); err != nil {
		return nil, fmt.Errorf("container %s: %w", path, err)
	}

	meta := map[string]string{}
	rows, err := db.Query(`SELECT key, value FROM meta`)
	if err != nil {
		return nil, fmt.Errorf("reading meta: %w", err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning meta: %w", err)
		}
		meta[k] = v
	}
	rows.Close()

	a, err := loadDataset(db, "A", meta["name_a"], meta["crs_a"])
	if err != nil {
		return nil, err
	}
	b, err := loadDataset(db, "B", meta["name_b"], meta["crs_b"])
	if err != nil {
		return nil, err
	}

	pairs := []Pair{}
	rows, err = db.Query(`SELECT id_existing, id_new, match FROM pairs ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("reading pairs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.IDExisting, &p.IDNew, &p.Match); err != nil {
			return nil, fmt.Errorf("scanning pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading pairs: %w", err)
	}

	return NewCandidatePairs(a, b, pairs)
}

func loadDataset(db *sql.DB, label, name, crs string) (*Dataset, error) {
	rows, err := db.Query(`SELECT id, original_id, neighborhood, geom FROM buildings WHERE dataset = ? ORDER BY seq`, label)
	if err != nil {
		return nil, fmt.Errorf("reading dataset %s: %w", label, err)
	}
	defer rows.Close()

	buildings := []Building{}
	for rows.Next() {
		var b Building
		var geom []byte
		if err := rows.Scan(&b.ID, &b.OriginalID, &b.Neighborhood, &geom); err != nil {
			return nil, fmt.Errorf("scanning dataset %s: %w", label, err)
		}
		g, err := wkb.Unmarshal(geom)
		if err != nil {
			return nil, fmt.Errorf("decoding building %s: %w", b.ID, err)
		}
		b.Geometry = g
		buildings = append(buildings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading dataset %s: %w", label, err)
	}
	return NewDataset(name, crs, buildings), nil
}
