package db

import (
	"fmt"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // registers the "file" migration source
	"github.com/pkg/errors"
)

func (d *DB) migrator() (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(d.DB.DB, &postgres.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "could not create postgres migration driver")
	}
	m, err := migrate.NewWithDatabaseInstance(d.migrationsPath, "postgres", driver)
	if err != nil {
		return nil, errors.Wrap(err, "could not construct migrator")
	}
	return m, nil
}

// MigrateUp applies every migration that hasn't been applied yet.
func (d *DB) MigrateUp() error {
	m, err := d.migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "could not migrate up")
	}
	return nil
}

// MigrateDown rolls back the given number of migration steps.
func (d *DB) MigrateDown(steps int) error {
	m, err := d.migrator()
	if err != nil {
		return err
	}
	if err := m.Steps(-steps); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "could not migrate down")
	}
	return nil
}

// MigrateToVersion migrates up or down to land exactly on the given version.
func (d *DB) MigrateToVersion(version uint) error {
	m, err := d.migrator()
	if err != nil {
		return err
	}
	if err := m.Migrate(version); err != nil && err != migrate.ErrNoChange {
		return errors.Wrapf(err, "could not migrate to version %d", version)
	}
	return nil
}

// ForceVersion sets the migration version without running any migration,
// and clears the dirty flag. Use after manually fixing a dirty migration.
func (d *DB) ForceVersion(version int) error {
	m, err := d.migrator()
	if err != nil {
		return err
	}
	if err := m.Force(version); err != nil {
		return errors.Wrapf(err, "could not force version %d", version)
	}
	return nil
}

// MigrationStatusInfo describes where the DB's schema currently stands.
type MigrationStatusInfo struct {
	Version uint
	Dirty   bool
}

// MigrationStatus reports the currently-applied migration version.
func (d *DB) MigrationStatus() (MigrationStatusInfo, error) {
	m, err := d.migrator()
	if err != nil {
		return MigrationStatusInfo{}, err
	}
	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return MigrationStatusInfo{}, errors.Wrap(err, "could not read migration version")
	}
	return MigrationStatusInfo{Version: version, Dirty: dirty}, nil
}

// MigrationFile describes one migration found on disk.
type MigrationFile struct {
	Version     uint
	Description string
}

var migrationFileNameRe = regexp.MustCompile(`^(\d+)_(.+)\.up\.sql$`)

// ListVersions lists every "up" migration file under the configured
// migrations path, in ascending version order.
func (d *DB) ListVersions() []MigrationFile {
	dir := strings.TrimPrefix(strings.TrimPrefix(d.migrationsPath, "file://"), "file:")
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.WithError(err).WithField("dir", dir).Warn("could not list migrations directory")
		return nil
	}

	var files []MigrationFile
	for _, entry := range entries {
		match := migrationFileNameRe.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, err := strconv.ParseUint(match[1], 10, 64)
		if err != nil {
			continue
		}
		files = append(files, MigrationFile{
			Version:     uint(version),
			Description: strings.ReplaceAll(match[2], "_", " "),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Version < files[j].Version })
	return files
}

// CreateMigration writes an empty up/down migration pair with a
// timestamp-prefixed version, returning the base file name used.
func (d *DB) CreateMigration(name string) (string, error) {
	dir := strings.TrimPrefix(strings.TrimPrefix(d.migrationsPath, "file://"), "file:")
	version := time.Now().UTC().Format("20060102150405")
	base := fmt.Sprintf("%s_%s", version, snakeCase(name))

	for _, suffix := range []string{".up.sql", ".down.sql"} {
		f, err := os.Create(path.Join(dir, base+suffix))
		if err != nil {
			return "", errors.Wrapf(err, "could not create migration file %s%s", base, suffix)
		}
		_ = f.Close()
	}
	return base, nil
}

// Drop removes every table, including the schema_migrations table itself.
func (d *DB) Drop() error {
	m, err := d.migrator()
	if err != nil {
		return err
	}
	if err := m.Drop(); err != nil {
		return errors.Wrap(err, "could not drop database")
	}
	return nil
}

// Reset drops the database, then re-applies every migration.
func (d *DB) Reset() error {
	if err := d.Drop(); err != nil {
		return err
	}
	return d.MigrateUp()
}

func snakeCase(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "-", " ")
	fields := strings.Fields(s)
	return strings.ToLower(strings.Join(fields, "_"))
}
