// Package db wraps our Postgres connection and migration tooling.
package db

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers the "postgres" sql driver
	"github.com/pkg/errors"

	"github.com/stablegate/stablegate/build"
)

var log = build.AddSubLogger("DB")

// Config has everything we need to connect to Postgres and find our
// migrations.
type Config struct {
	User     string
	Password string
	Host     string
	Port     int
	Name     string

	// MigrationsPath needs a scheme prefix, e.g. "file://./migrations"
	MigrationsPath string
}

// DB is our Postgres connection, plus whatever it needs to run migrations.
type DB struct {
	*sqlx.DB
	migrationsPath string
}

// Open opens a connection to Postgres using the given config. It does not
// apply migrations - call MigrateUp explicitly.
func Open(conf Config) (*DB, error) {
	q := make(url.Values)
	q.Set("sslmode", "disable")
	q.Set("timezone", "utc")

	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(conf.User, conf.Password),
		Host:     conf.Host + ":" + strconv.Itoa(conf.Port),
		Path:     conf.Name,
		RawQuery: q.Encode(),
	}

	sqlxDB, err := sqlx.Open("postgres", dsn.String())
	if err != nil {
		return nil, errors.Wrapf(err, "cannot connect to database %q with user %q", conf.Name, conf.User)
	}
	if err := sqlxDB.Ping(); err != nil {
		return nil, errors.Wrapf(err, "cannot ping database %q", conf.Name)
	}

	log.WithField("database", conf.Name).WithField("host", conf.Host).Info("opened connection to DB")

	return &DB{
		DB:             sqlxDB,
		migrationsPath: conf.MigrationsPath,
	}, nil
}

// StateMutationStatementTimeout and SweeperStatementTimeout are the
// per-transaction statement timeouts: 2s for state mutations
// (ingress/matcher/dispatcher), 10s for the sweeper's larger batch
// scans.
const (
	StateMutationStatementTimeout = 2 * time.Second
	SweeperStatementTimeout       = 10 * time.Second
)

// BeginTx starts a transaction with the state-mutation statement
// timeout. Callers that need the longer sweeper timeout should use
// BeginTxTimeout instead.
func (d *DB) BeginTx() (*sqlx.Tx, error) {
	return d.BeginTxTimeout(StateMutationStatementTimeout)
}

// BeginTxTimeout starts a transaction with an explicit Postgres
// statement_timeout applied via SET LOCAL, so it only affects this
// transaction and is automatically cleared on commit/rollback.
func (d *DB) BeginTxTimeout(timeout time.Duration) (*sqlx.Tx, error) {
	tx, err := d.DB.Beginx()
	if err != nil {
		return nil, err
	}
	ms := timeout.Milliseconds()
	if _, err := tx.Exec(fmt.Sprintf("SET LOCAL statement_timeout = %d", ms)); err != nil {
		_ = tx.Rollback()
		return nil, errors.Wrap(err, "could not set statement timeout")
	}
	return tx, nil
}
