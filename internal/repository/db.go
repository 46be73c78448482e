package repository

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/joseph-ayodele/credit-extractor/internal/common"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is the metadata store handle shared by every repository.
type DB struct {
	drv  *entsql.Driver
	pool *pgxpool.Pool
	log  *slog.Logger
	now  func() time.Time
}

// Open connects to Postgres for postgres:// DSNs and to SQLite otherwise,
// then applies pending migrations.
func Open(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*DB, error) {
	var (
		db  *DB
		err error
	)
	if isPostgres(cfg.DSN) {
		db, err = openPostgres(ctx, cfg, logger)
	} else {
		db, err = openSQLite(ctx, cfg, logger)
	}
	if err != nil {
		return nil, err
	}
	if err := db.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("successfully connected to database", "dialect", db.drv.Dialect())
	return db, nil
}

// DriverName reports which driver Open picks for dsn.
func DriverName(dsn string) string {
	if isPostgres(dsn) {
		return "postgres"
	}
	return "sqlite"
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func openPostgres(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*DB, error) {
	logger.Info("connecting to database", "driver", "pgx")
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}

	pc.MaxConns = cfg.MaxConns
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	pc.ConnConfig.RuntimeParams["application_name"] = "credit-extractor"
	if cfg.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}

	// Wrap pool as *sql.DB for the ent driver.
	sqlDB := stdlib.OpenDBFromPool(pool)
	return &DB{
		drv:  entsql.OpenDB(dialect.Postgres, sqlDB),
		pool: pool,
		log:  logger,
		now:  time.Now,
	}, nil
}

func openSQLite(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*DB, error) {
	dsn := strings.TrimPrefix(strings.TrimPrefix(cfg.DSN, "sqlite://"), "sqlite:")
	logger.Info("connecting to database", "driver", "sqlite", "dsn", dsn)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and :memory: is per connection.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetConnMaxIdleTime(0)

	pragmas := []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"}
	if !strings.Contains(dsn, ":memory:") && !strings.Contains(dsn, "mode=memory") {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := sqlDB.ExecContext(ctx, p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	return &DB{
		drv: entsql.OpenDB(dialect.SQLite, sqlDB),
		log: logger,
		now: time.Now,
	}, nil
}

// Dialect returns the ent dialect name of the connection.
func (db *DB) Dialect() string {
	return db.drv.Dialect()
}

// Driver exposes the ent SQL driver.
func (db *DB) Driver() *entsql.Driver {
	return db.drv
}

// Close closes the database connections gracefully
func (db *DB) Close() {
	if db == nil {
		return
	}
	db.log.Info("closing database connections")
	if err := db.drv.Close(); err != nil {
		db.log.Error("failed to close database driver", "error", err)
	}
	if db.pool != nil {
		db.pool.Close()
	}
	db.log.Info("database connections closed")
}

// HealthCheck pings the database, bounded by timeout when positive.
func (db *DB) HealthCheck(ctx context.Context, timeout time.Duration) error {
	db.log.Debug("pinging database")
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := db.drv.DB().PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	db.log.Debug("database ping successful")
	return nil
}

// AppliedMigrations returns the recorded migration versions in order.
func (db *DB) AppliedMigrations(ctx context.Context) ([]int, error) {
	q, args := db.sql().Select("version").From(db.sql().Table("schema_version")).OrderBy("version").Query()
	var rows entsql.Rows
	if err := db.drv.Query(ctx, q, args, &rows); err != nil {
		return nil, storeErr("list migrations", err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, storeErr("scan migration", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (db *DB) sql() *entsql.DialectBuilder {
	return entsql.Dialect(db.drv.Dialect())
}

// migrate applies embedded migrations that are not yet recorded in schema_version.
func (db *DB) migrate(ctx context.Context) error {
	var res sql.Result
	if err := db.drv.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`, []any{}, &res); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		q, args := db.sql().Select(entsql.Count("*")).
			From(db.sql().Table("schema_version")).
			Where(entsql.EQ("version", version)).
			Query()
		var exists int
		if err := scanOne(ctx, db.drv, q, args, &exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		err = db.inTx(ctx, func(tx dialect.Tx) error {
			for _, stmt := range splitStatements(string(content)) {
				var res sql.Result
				if err := tx.Exec(ctx, stmt, []any{}, &res); err != nil {
					return fmt.Errorf("applying migration %d: %w", version, err)
				}
			}
			q, args := db.sql().Insert("schema_version").
				Columns("version", "applied_at").
				Values(version, formatTime(db.now())).
				Query()
			var res sql.Result
			if err := tx.Exec(ctx, q, args, &res); err != nil {
				return fmt.Errorf("recording migration %d: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		db.log.Info("db.migration.applied", "version", version, "file", entry.Name())
	}
	return nil
}

// parseMigrationVersion extracts the leading number of "0001_init.sql".
func parseMigrationVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("migration %q has no version prefix", name)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("migration %q: %w", name, err)
	}
	return v, nil
}

// splitStatements splits a DDL file on ';'. Migrations carry no string literals with semicolons.
func splitStatements(content string) []string {
	var out []string
	for _, part := range strings.Split(content, ";") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			lines = append(lines, line)
		}
		if stmt := strings.TrimSpace(strings.Join(lines, "\n")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// inTx runs fn in a transaction, rolling back on error.
func (db *DB) inTx(ctx context.Context, fn func(tx dialect.Tx) error) error {
	tx, err := db.drv.Tx(ctx)
	if err != nil {
		return storeErr("begin tx", err)
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			db.log.Warn("db.tx.rollback_failed", "error", rerr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit tx", err)
	}
	return nil
}
