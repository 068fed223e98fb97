// Package store is the authoritative content store: tenants, projects,
// pages, custom domains and publications. It runs on SQLite
// (modernc.org/sqlite, the default) or PostgreSQL (pgx) through sqlx, with
// queries written once using ? placeholders and rebound per driver.
package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/keithlinneman/sitepress/internal/log"
	"github.com/keithlinneman/sitepress/internal/xerrors"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

func init() {
	// sqlx only knows modernc's driver name through registration
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

type Options struct {
	Driver string
	DSN    string
	Logger log.Logger

	MaxOpenConns int
	MaxIdleConns int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.Driver == "" {
		o.Driver = DriverSQLite
	}
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 15
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 5
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Store struct {
	db     *sqlx.DB
	logger log.Logger
	now    func() time.Time
}

// Open connects, pings and migrates the database.
func Open(ctx context.Context, opts Options) (*Store, error) {
	opts.setDefaults()

	dsn := opts.DSN
	switch opts.Driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
	default:
		return nil, xerrors.Newf("unsupported database driver %q", opts.Driver)
	}

	db, err := sqlx.Open(opts.Driver, dsn)
	if err != nil {
		return nil, xerrors.Wrap(err, "open database")
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(err, "ping database")
	}

	s := New(db, opts)
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle without migrating. Used by tests that drive
// the store against sqlmock.
func New(db *sqlx.DB, opts Options) *Store {
	opts.setDefaults()
	return &Store{
		db:     db,
		logger: opts.Logger.With("component", "store"),
		now:    func() time.Time { return opts.Now().UTC() },
	}
}

// sqliteDSN turns on foreign keys, WAL and a busy timeout, and makes
// transactions take the write lock up front so concurrent writers wait
// instead of failing.
func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "file:sitepress.db"
	}
	params := []struct{ key, param string }{
		{"foreign_keys", "_pragma=foreign_keys(1)"},
		{"busy_timeout", "_pragma=busy_timeout(5000)"},
		{"journal_mode", "_pragma=journal_mode(WAL)"},
		{"_txlock", "_txlock=immediate"},
	}
	for _, p := range params {
		if strings.Contains(dsn, p.key) {
			continue
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + p.param
	}
	return dsn
}

func (s *Store) Close() error { return s.db.Close() }

// Ping backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return xerrors.Wrap(s.db.PingContext(ctx), "ping database")
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(err, "commit transaction")
	}
	return nil
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// notFound converts sql.ErrNoRows into a NotFound error naming what was
// looked up; other errors pass through mapErr.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return xerrors.Ef(xerrors.KindNotFound, format+" not found", args...)
	}
	return mapErr(err, format, args...)
}
