package testutil

import (
	"fmt"
	"path"
	"runtime"
	"strings"

	"github.com/pkg/errors"

	"github.com/stablegate/stablegate/internal/platform/db"
	"github.com/stablegate/stablegate/util"
)

// GetDatabaseConfig returns a DB config suitable for testing purposes. The
// given argument is added to the name of the database. Host and port
// default to the docker-compose test Postgres instance, but can be
// overridden with TEST_DATABASE_HOST/TEST_DATABASE_PORT for CI runners
// that expose Postgres differently.
func GetDatabaseConfig(name string) db.Config {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		log.Fatal("Could not find path to migrations files")
	}

	splitPath := strings.Split(filename, "testutil")
	basePath := splitPath[0]

	migrations := path.Join("file:", path.Clean(basePath), "internal", "platform", "db", "migrations")
	return db.Config{
		User:           "stablegate_test",
		Password:       "password",
		Port:           util.GetEnvAsIntOrElse("TEST_DATABASE_PORT", 5434),
		Host:           util.GetEnvOrElse("TEST_DATABASE_HOST", "localhost"),
		Name:           "stablegate_" + name,
		MigrationsPath: migrations,
	}
}

// CreateIfNotExists creates a new database from the given config if it does
// not exist.
func CreateIfNotExists(conf db.Config) error {
	rootConfig := db.Config{
		User:     "postgres",
		Password: "postgres",
		Host:     conf.Host,
		Port:     conf.Port,
		Name:     "postgres",
	}

	database, err := db.Open(rootConfig)
	if err != nil {
		return errors.Wrap(err, "couldn't connect to root Postgres DB")
	}
	defer func() {
		if closeErr := database.Close(); closeErr != nil {
			log.WithError(closeErr).Warn("could not close root DB connection")
		}
	}()

	rows, err := database.Query("SELECT datname FROM pg_database WHERE datname=$1",
		conf.Name)
	if err != nil {
		return errors.Wrap(err, "couldn't query pg_database")
	}
	defer func() { _ = rows.Close() }()

	if err = rows.Err(); err != nil {
		return errors.Wrap(err, "rows.Err()")
	}

	// database does not exist
	if !rows.Next() {
		_, err = database.Exec(fmt.Sprintf("CREATE DATABASE %s", conf.Name))
		if err != nil {
			return errors.Wrap(err, "cannot create database")
		}

		if _, err = database.Exec(fmt.Sprintf(
			"GRANT ALL PRIVILEGES ON DATABASE %s TO %s",
			conf.Name,
			conf.User)); err != nil {
			return errors.Wrap(err, "cannot grant privileges to test user")
		}
	}

	return nil
}

// InitDatabase initializes a DB for the given config such that tests can
// be run against it
func InitDatabase(config db.Config) *db.DB {
	log.Info("Opening, destroying and creating test DB")

	if err := CreateIfNotExists(config); err != nil {
		log.Fatalf("could not create test DB with config %+v: %v", config, err)
	}

	testDB, err := db.Open(config)
	if err != nil {
		log.Fatalf("could not open test DB with config %+v: %v", config, err)
	}

	if err = testDB.Reset(); err != nil {
		log.Fatalf("could not reset test database: %v", err)
	}

	return testDB
}
