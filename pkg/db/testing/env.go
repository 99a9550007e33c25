// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"database/sql"
	"log"
	"log/slog"
	"os"
	"testing"

	"github.com/cobaltcore-dev/cortex-placement/pkg/db/testing/containers"
	"github.com/go-gorp/gorp"
	_ "github.com/mattn/go-sqlite3"
)

type DBEnv struct {
	*gorp.DbMap
	Close func()
}

// Set up a fresh database for a test.
//
// To run tests faster, the default is running with sqlite. Set
// POSTGRES_CONTAINER=1 to run against a real postgres container.
// Set DB_TRACE=1 to log all executed statements.
func SetupDBEnv(t *testing.T) DBEnv {
	t.Helper()
	var env DBEnv
	if os.Getenv("POSTGRES_CONTAINER") == "1" {
		slog.Info("Using real postgres container")
		container := containers.PostgresContainer{}
		container.Init(t)
		db, err := sql.Open("postgres", container.DSN())
		if err != nil {
			t.Fatal(err)
		}
		env.DbMap = &gorp.DbMap{Db: db, Dialect: gorp.PostgresDialect{}}
		env.Close = func() {
			db.Close()
			container.Close()
		}
	} else {
		slog.Debug("Using sqlite")
		dsn := "file:" + t.TempDir() + "/test.db?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
		sqlDB, err := sql.Open("sqlite3", dsn)
		if err != nil {
			t.Fatal(err)
		}
		env.DbMap = &gorp.DbMap{Db: sqlDB, Dialect: gorp.SqliteDialect{}}
		env.Close = func() { sqlDB.Close() }
	}
	if os.Getenv("DB_TRACE") == "1" {
		env.TraceOn("[gorp]", log.New(os.Stdout, "placement:", log.Lmicroseconds))
	}
	return env
}
