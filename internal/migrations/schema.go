package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
)

// sqlFS contains the embedded SQL migration files.
//
//go:embed sql/*.sql
var sqlFS embed.FS

// Status describes the schema version recorded in the database.
type Status struct {
	Version uint
	Dirty   bool
	Fresh   bool
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrations: create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(sqlFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrations: init migrate instance: %w", err)
	}
	return m, nil
}

// Up applies all pending database migrations. It is safe to call multiple
// times; when the database schema is up to date, the function is a no-op.
func Up(db *sql.DB, logger logrus.FieldLogger) error {
	log := logger.WithField("component", "migrations")

	m, err := newMigrator(db)
	if err != nil {
		return err
	}

	currentVersion := uint(0)
	if v, _, verr := m.Version(); verr == nil {
		currentVersion = v
		log.Infof("current database schema version: %d", v)
	} else if errors.Is(verr, migrate.ErrNilVersion) {
		log.Info("no existing migration version (fresh database)")
	} else {
		log.Warnf("unable to determine current version: %v", verr)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Infof("database is up to date (version %d)", currentVersion)
			return nil
		}
		return fmt.Errorf("migrations: apply: %w", err)
	}

	if v, _, err := m.Version(); err == nil {
		log.Infof("applied migrations; new schema version: %d", v)
	} else {
		log.Warnf("applied migrations but failed to read new version: %v", err)
	}

	return nil
}

// CurrentStatus reports the recorded schema version and dirty flag.
func CurrentStatus(db *sql.DB) (Status, error) {
	m, err := newMigrator(db)
	if err != nil {
		return Status{}, err
	}

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{Fresh: true}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("migrations: read version: %w", err)
	}
	return Status{Version: v, Dirty: dirty}, nil
}

// FixDirtyDatabase clears the dirty flag left by an interrupted migration by
// forcing the schema back to the last version that completed cleanly.
func FixDirtyDatabase(db *sql.DB) error {
	status, err := CurrentStatus(db)
	if err != nil {
		return err
	}
	if !status.Dirty {
		return nil
	}

	target := int(status.Version) - 1
	if target < 1 {
		target = -1
	}
	return forceVersion(db, target)
}

// ForceVersion records version as applied without running any migration.
func ForceVersion(db *sql.DB, version uint) error {
	return forceVersion(db, int(version))
}

func forceVersion(db *sql.DB, version int) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Force(version); err != nil {
		return fmt.Errorf("migrations: force version %d: %w", version, err)
	}
	return nil
}
