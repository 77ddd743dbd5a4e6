package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/nais/skilld/pkg/skilld/metrics"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNotFound = fmt.Errorf("database row not found")
)

type Database struct {
	conn *pgxpool.Pool
}

func IsErrNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// New sets up a connection pool without connecting. Use Ping to find out
// whether the database is reachable.
func New(ctx context.Context, dsn string) (*Database, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	config.LazyConnect = true

	conn, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Database{
		conn: conn,
	}, nil
}

// Pool returns the connection pool, for sharing with the database lock backend.
func (db *Database) Pool() *pgxpool.Pool {
	return db.conn
}

func (db *Database) Close() {
	db.conn.Close()
}

func (db *Database) Ping(ctx context.Context) error {
	now := time.Now()
	_, err := db.conn.Exec(ctx, `SELECT 1;`)
	metrics.DatabaseQuery(now, err)
	return err
}

func (db *Database) timedQuery(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	now := time.Now()
	rows, err := db.conn.Query(ctx, sql, args...)
	metrics.DatabaseQuery(now, err)
	return rows, err
}

func (db *Database) timedExec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	now := time.Now()
	tag, err := db.conn.Exec(ctx, sql, args...)
	metrics.DatabaseQuery(now, err)
	return tag, err
}

func (db *Database) Migrate(ctx context.Context) error {
	var version int

	query := `SELECT COALESCE(MAX(version), 0) FROM migrations`
	row := db.conn.QueryRow(ctx, query)
	err := row.Scan(&version)

	if err != nil {
		// error might be due to no schema.
		// no way to detect this, so log error and continue with migrations.
		log.Warnf("unable to get current migration version: %s", err)
	}

	for version < len(migrations) {
		log.Infof("migrating database schema to version %d", version+1)

		_, err = db.conn.Exec(ctx, migrations[version])
		if err != nil {
			return fmt.Errorf("migrating to version %d: %s", version+1, err)
		}

		version++
	}

	return nil
}
