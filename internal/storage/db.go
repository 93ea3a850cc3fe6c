package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB is a connection pool together with the statement builder of its dialect.
type DB struct {
	*sqlx.DB

	driver string
	sb     sq.StatementBuilderType
}

func init() {
	// modernc registers itself as "sqlite", which sqlx doesn't know by name.
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	var format sq.PlaceholderFormat

	switch driver {
	case DriverPostgres:
		format = sq.Dollar
	case DriverSQLite:
		format = sq.Question
		dsn = sqliteDSN(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		// sqlite has a single writer, one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(4)
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	return &DB{
		DB:     db,
		driver: driver,
		sb:     sq.StatementBuilder.PlaceholderFormat(format),
	}, nil
}

func (db *DB) Driver() string {
	return db.driver
}

// Builder returns a squirrel statement builder using the dialect placeholders.
func (db *DB) Builder() sq.StatementBuilderType {
	return db.sb
}

// Migrate creates the schema if it does not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	script, err := migrations.ReadFile("migrations/" + db.driver + ".sql")
	if err != nil {
		return fmt.Errorf("read %s migration: %w", db.driver, err)
	}

	if _, err := db.ExecContext(ctx, string(script)); err != nil {
		return fmt.Errorf("apply %s migration: %w", db.driver, err)
	}

	return nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func now() time.Time {
	return time.Now().UTC()
}
