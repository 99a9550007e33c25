// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/cobaltcore-dev/cortex-placement/pkg/conf"
	"github.com/go-gorp/gorp"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/easypg"
)

// Wrapper around gorp.DbMap that adds some convenience functions.
type DB struct {
	*gorp.DbMap
	// Database configuration, used for reconnects.
	DBConfig conf.DBConfig
	// Monitor for database related metrics.
	monitor Monitor
}

// Model that is stored in its own table.
type Table interface {
	// Name of the table in the database.
	TableName() string
	// Indexes to create on the table, keyed by index name.
	Indexes() map[string][]string
}

// Wrap an existing gorp database map, e.g. from a test environment.
func NewDB(dbMap *gorp.DbMap, monitor Monitor) *DB {
	return &DB{DbMap: dbMap, monitor: monitor}
}

// Create a new postgres database and wait until it is connected.
func NewPostgresDB(ctx context.Context, c conf.DBConfig, registry prometheus.Registerer, monitor Monitor) (*DB, error) {
	dbURL, err := easypg.URLFrom(easypg.URLParts{
		HostName:          c.Host,
		Port:              strconv.Itoa(c.Port),
		UserName:          c.User,
		Password:          c.Password,
		ConnectionOptions: "sslmode=disable",
		DatabaseName:      c.Database,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("connecting to database", "host", c.Host, "database", c.Database)
	sqlDB, err := sql.Open("postgres", dbURL.String())
	if err != nil {
		return nil, err
	}
	if err := pingWithRetries(ctx, sqlDB, c, monitor); err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(16)
	dbMap := &gorp.DbMap{Db: sqlDB, Dialect: gorp.PostgresDialect{}}
	if registry != nil {
		registry.MustRegister(&monitor)
	}
	slog.Info("database is ready")
	return &DB{DbMap: dbMap, DBConfig: c, monitor: monitor}, nil
}

// Ping the database until it responds or the configured retries are exhausted.
func pingWithRetries(ctx context.Context, sqlDB *sql.DB, c conf.DBConfig, monitor Monitor) error {
	maxRetries := c.Reconnect.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 10
	}
	interval := time.Duration(c.Reconnect.RetryIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	var err error
	for i := range maxRetries {
		if monitor.connectionAttempts != nil {
			monitor.connectionAttempts.WithLabelValues(c.Host, c.Database).Inc()
		}
		if err = sqlDB.PingContext(ctx); err == nil {
			return nil
		}
		slog.Error("failed to connect to database, retrying...", "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("giving up connecting to database: %w", err)
}

// Periodically ping the database and panic if it stays unreachable.
// Blocks until the context is cancelled.
func (d *DB) CheckLivenessPeriodically(ctx context.Context) {
	interval := time.Duration(d.DBConfig.Reconnect.LivenessPingIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Db.PingContext(ctx); err == nil {
				continue
			}
			slog.Error("database is not reachable, reconnecting")
			if err := pingWithRetries(ctx, d.Db, d.DBConfig, d.monitor); err != nil {
				if ctx.Err() != nil {
					return
				}
				panic(err)
			}
		}
	}
}

// Adds missing functionality to gorp.DbMap which creates tables and their indexes.
func (d *DB) CreateTable(tables ...Table) error {
	tx, err := d.Begin()
	if err != nil {
		return err
	}
	for _, t := range tables {
		tableMap, err := d.TableFor(tableType(t), false)
		if err != nil {
			return errors.Join(err, tx.Rollback())
		}
		slog.Info("creating table", "table", t.TableName())
		sql := tableMap.SqlForCreate(true) // true means to add IF NOT EXISTS
		if _, err := tx.Exec(sql); err != nil {
			return errors.Join(err, tx.Rollback())
		}
		for name, columns := range t.Indexes() {
			sql := fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
				name, t.TableName(), strings.Join(columns, ", "),
			)
			if _, err := tx.Exec(sql); err != nil {
				return errors.Join(err, tx.Rollback())
			}
		}
	}
	return tx.Commit()
}

// Adds a Model table to the database.
func (d *DB) AddTable(t Table) *gorp.TableMap {
	slog.Debug("adding table", "table", t.TableName())
	return d.AddTableWithName(t, t.TableName())
}

// Check if a table exists in the database.
func (d *DB) TableExists(t Table) bool {
	query := `SELECT EXISTS (
		SELECT 1
		FROM   information_schema.tables
		WHERE  table_name = :table_name
	);`
	if _, ok := d.Dialect.(gorp.SqliteDialect); ok {
		query = `SELECT EXISTS (
			SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = :table_name
		);`
	}
	var exists bool
	err := d.SelectOne(&exists, query, map[string]any{"table_name": t.TableName()})
	if err != nil {
		slog.Error("failed to check if table exists", "error", err)
		return false
	}
	return exists
}

// Run the given function inside a transaction bound to the context.
// The transaction is committed if the function returns nil and rolled
// back otherwise.
func (d *DB) InTransaction(ctx context.Context, label string, fn func(tx gorp.SqlExecutor) error) (err error) {
	if d.monitor.txTimer != nil {
		timer := prometheus.NewTimer(d.monitor.txTimer.WithLabelValues(label))
		defer timer.ObserveDuration()
	}
	// Beginning on the context-bound map ties the transaction to ctx, so
	// cancellation rolls it back in the driver.
	tx, err := d.DbMap.WithContext(ctx).(*gorp.DbMap).Begin()
	if err != nil {
		return err
	}
	if err := fn(tx.WithContext(ctx)); err != nil {
		if d.monitor.txFailures != nil {
			d.monitor.txFailures.WithLabelValues(label).Inc()
		}
		return errors.Join(err, tx.Rollback())
	}
	return tx.Commit()
}

func tableType(t Table) reflect.Type {
	typ := reflect.TypeOf(t)
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	return typ
}

// Convenience function to the database connection.
func (d *DB) Close() {
	if err := d.DbMap.Db.Close(); err != nil {
		slog.Error("failed to close database connection", "error", err)
	}
}
