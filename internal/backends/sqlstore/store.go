// Package sqlstore implements ports.RepositoryStore on a relational database. PostgreSQL (pgx) and
// SQLite (pure Go driver) share one set of queries; the schema is applied with goose on Open.
package sqlstore

import (
	"cmp"
	"confstore/internal/codec"
	"confstore/internal/types"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	log "github.com/sirupsen/logrus"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// goose keeps its base FS and dialect in package globals.
var migrateMu sync.Mutex

// DBTX is the subset of database/sql used by the queries. Both *sql.DB and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db      *sql.DB
	dialect string
	codec   codec.Codec
	timeout time.Duration
}

// Open connects to dsn, applies pending migrations and returns a ready store.
// For SQLite the dsn is a file path; the pool is pinned to one connection so writers serialize.
func Open(ctx context.Context, dialect, dsn string, c codec.Codec, timeout time.Duration) (*Store, error) {
	var driver string
	switch dialect {
	case DialectPostgres:
		driver = "pgx"
	case DialectSQLite:
		driver = "sqlite"
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := RunMigrations(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return New(db, dialect, c, timeout), nil
}

// New wraps an already migrated database.
func New(db *sql.DB, dialect string, c codec.Codec, timeout time.Duration) *Store {
	return &Store{db: db, dialect: dialect, codec: c, timeout: timeout}
}

// RunMigrations applies the embedded schema for dialect.
func RunMigrations(ctx context.Context, db *sql.DB, dialect string) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(log.StandardLogger())
	gooseDialect := "pgx"
	if dialect == DialectSQLite {
		gooseDialect = "sqlite3"
	}
	if err := goose.SetDialect(gooseDialect); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations/"+dialect)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateRepository(ctx context.Context, repo types.RepositoryID) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO repositories (namespace, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT (namespace, name) DO NOTHING`),
		repo.Namespace, repo.Name, time.Now().Unix())
	if err != nil {
		return translate(err, "create repository")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return translate(err, "create repository")
	}
	if n == 0 {
		return types.RepositoryExistsErr(repo)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key types.EntryKey) (types.Entry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.requireRepository(ctx, s.db, key.RepositoryID); err != nil {
		return types.Entry{}, err
	}
	var raw []byte
	var ver int64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT value, version FROM entries WHERE namespace = ? AND repository = ? AND key = ?`),
		key.Namespace, key.Name, key.Key).Scan(&raw, &ver)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Entry{}, types.KeyNotFoundErr(key.Key)
	}
	if err != nil {
		return types.Entry{}, translate(err, "get")
	}
	val, err := s.decode(raw)
	if err != nil {
		return types.Entry{}, err
	}
	return types.Entry{Key: key.Key, Value: val, Version: ver}, nil
}

func (s *Store) GetVersion(ctx context.Context, key types.EntryKey, version int64) (types.Entry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var raw []byte
	err := s.withTx(ctx, s.snapshot(), func(ctx context.Context, tx DBTX) error {
		if err := s.requireEntry(ctx, tx, key); err != nil {
			return err
		}
		err := tx.QueryRowContext(ctx, s.q(`
			SELECT value FROM entry_history WHERE namespace = ? AND repository = ? AND key = ? AND version = ?`),
			key.Namespace, key.Name, key.Key, version).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return types.KeyVersionNotFoundErr(key.Key, version)
		}
		return err
	})
	if err != nil {
		return types.Entry{}, translate(err, "get version")
	}
	val, err := s.decode(raw)
	if err != nil {
		return types.Entry{}, err
	}
	return types.Entry{Key: key.Key, Value: val, Version: version}, nil
}

func (s *Store) History(ctx context.Context, key types.EntryKey) ([]types.Entry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var out []types.Entry
	err := s.withTx(ctx, s.snapshot(), func(ctx context.Context, tx DBTX) error {
		if err := s.requireEntry(ctx, tx, key); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, s.q(`
			SELECT version, value FROM entry_history WHERE namespace = ? AND repository = ? AND key = ?
			ORDER BY version`),
			key.Namespace, key.Name, key.Key)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var raw []byte
			e := types.Entry{Key: key.Key}
			if err := rows.Scan(&e.Version, &raw); err != nil {
				return err
			}
			if e.Value, err = s.decode(raw); err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, translate(err, "history")
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, key types.EntryKey, value types.Value, expected int64) (int64, error) {
	if err := types.ValidateExpected(expected); err != nil {
		return 0, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	encoded := s.codec.Encode(value)

	var next int64
	err := s.withTx(ctx, nil, func(ctx context.Context, tx DBTX) error {
		if err := s.requireRepository(ctx, tx, key.RepositoryID); err != nil {
			return err
		}
		var err error
		switch expected {
		case types.AnyVersion:
			err = tx.QueryRowContext(ctx, s.q(`
				INSERT INTO entries (namespace, repository, key, value, version) VALUES (?, ?, ?, ?, 1)
				ON CONFLICT (namespace, repository, key)
				DO UPDATE SET value = excluded.value, version = entries.version + 1
				RETURNING version`),
				key.Namespace, key.Name, key.Key, encoded).Scan(&next)
		case types.CreateOnly:
			next = 1
			err = s.execOne(ctx, tx, key, expected, `
				INSERT INTO entries (namespace, repository, key, value, version) VALUES (?, ?, ?, ?, 1)
				ON CONFLICT (namespace, repository, key) DO NOTHING`,
				key.Namespace, key.Name, key.Key, encoded)
		default:
			next = expected + 1
			err = s.execOne(ctx, tx, key, expected, `
				UPDATE entries SET value = ?, version = version + 1
				WHERE namespace = ? AND repository = ? AND key = ? AND version = ?`,
				encoded, key.Namespace, key.Name, key.Key, expected)
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO entry_history (namespace, repository, key, version, value) VALUES (?, ?, ?, ?, ?)`),
			key.Namespace, key.Name, key.Key, next, encoded)
		return err
	})
	if err != nil {
		return 0, translate(err, "put")
	}
	return next, nil
}

func (s *Store) Remove(ctx context.Context, key types.EntryKey) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	err := s.withTx(ctx, nil, func(ctx context.Context, tx DBTX) error {
		if err := s.requireRepository(ctx, tx, key.RepositoryID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`
			DELETE FROM entries WHERE namespace = ? AND repository = ? AND key = ?`),
			key.Namespace, key.Name, key.Key)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return types.KeyNotFoundErr(key.Key)
		}
		_, err = tx.ExecContext(ctx, s.q(`
			DELETE FROM entry_history WHERE namespace = ? AND repository = ? AND key = ?`),
			key.Namespace, key.Name, key.Key)
		return err
	})
	if err != nil {
		return "", translate(err, "remove")
	}
	return key.Key, nil
}

func (s *Store) Entries(ctx context.Context, repo types.RepositoryID) ([]types.Entry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.requireRepository(ctx, s.db, repo); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT key, value, version FROM entries WHERE namespace = ? AND repository = ?`),
		repo.Namespace, repo.Name)
	if err != nil {
		return nil, translate(err, "entries")
	}
	defer rows.Close()

	out := []types.Entry{}
	for rows.Next() {
		var raw []byte
		var e types.Entry
		if err := rows.Scan(&e.Key, &raw, &e.Version); err != nil {
			return nil, translate(err, "entries")
		}
		if e.Value, err = s.decode(raw); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "entries")
	}
	// byte order, independent of the database collation
	slices.SortFunc(out, func(a, b types.Entry) int { return cmp.Compare(a.Key, b.Key) })
	return out, nil
}

// execOne runs a conditional write; zero affected rows is a version conflict.
func (s *Store) execOne(ctx context.Context, tx DBTX, key types.EntryKey, expected int64, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return types.VersionConflictErr(key.Key, expected)
	}
	return nil
}

func (s *Store) requireRepository(ctx context.Context, db DBTX, repo types.RepositoryID) error {
	var one int
	err := db.QueryRowContext(ctx, s.q(`
		SELECT 1 FROM repositories WHERE namespace = ? AND name = ?`),
		repo.Namespace, repo.Name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return types.RepositoryNotFoundErr(repo)
	}
	return translate(err, "lookup")
}

func (s *Store) requireEntry(ctx context.Context, db DBTX, key types.EntryKey) error {
	if err := s.requireRepository(ctx, db, key.RepositoryID); err != nil {
		return err
	}
	var one int
	err := db.QueryRowContext(ctx, s.q(`
		SELECT 1 FROM entries WHERE namespace = ? AND repository = ? AND key = ?`),
		key.Namespace, key.Name, key.Key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return types.KeyNotFoundErr(key.Key)
	}
	return translate(err, "lookup")
}

// withTx begins a transaction, runs fn and commits on success or rolls back on error or panic.
func (s *Store) withTx(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(ctx, tx)
}

// snapshot is the isolation for multi-statement reads. PostgreSQL needs repeatable read so every
// statement sees the same snapshot; SQLite transactions already do.
func (s *Store) snapshot() *sql.TxOptions {
	if s.dialect != DialectPostgres {
		return nil
	}
	return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
}

// q rewrites ? placeholders into $n for PostgreSQL.
func (s *Store) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) decode(raw []byte) (types.Value, error) {
	out, err := s.codec.Decode(raw)
	if err != nil {
		return nil, types.DataAccessErr(err, "sql: undecodable value")
	}
	return out, nil
}

func translate(err error, op string) error {
	if err == nil {
		return nil
	}
	var te *types.Error
	if errors.As(err, &te) {
		return err
	}
	return types.DataAccessErr(err, "sql %s failed", op)
}
