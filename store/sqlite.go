package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver

	"github.com/weiihann/gemmsweep/harness"
)

const createResults = `
CREATE TABLE IF NOT EXISTS Results (
	ID INTEGER PRIMARY KEY AUTOINCREMENT,
	Date TEXT NOT NULL,
	M INTEGER NOT NULL,
	N INTEGER NOT NULL,
	K INTEGER NOT NULL,
	Threads INTEGER NOT NULL,
	TimeSeconds REAL NOT NULL,
	GFLOPS REAL NOT NULL
)`

// SQLite stores records in a Results table of an SQLite database.
// It is safe for concurrent use by multiple goroutines.
type SQLite struct {
	path   string
	db     *sql.DB
	insert *sql.Stmt
}

// OpenSQLite opens or creates the database at path. Use ":memory:" for a
// private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	return openSQLite(path, path, false)
}

// OpenSQLiteReadOnly opens an existing database without creating or
// altering it. Append on the returned store fails with ErrWrite.
func OpenSQLiteReadOnly(path string) (*SQLite, error) {
	return openSQLite(path, "file:"+path+"?mode=ro", true)
}

func openSQLite(path, dsn string, readOnly bool) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases shared and
	// serialises writers.
	db.SetMaxOpenConns(1)

	if readOnly {
		return &SQLite{path: path, db: db}, nil
	}

	if _, err := db.Exec(createResults); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create table in %s: %v", ErrWrite, path, err)
	}

	insert, err := db.Prepare(
		"INSERT INTO Results(Date, M, N, K, Threads, TimeSeconds, GFLOPS) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare insert in %s: %w", path, err)
	}

	return &SQLite{path: path, db: db, insert: insert}, nil
}

// Append implements Store. All rows of res are inserted in one
// transaction.
func (s *SQLite) Append(ctx context.Context, res harness.SweepResult, now time.Time) error {
	if s.insert == nil {
		return fmt.Errorf("%w: %s is open read-only", ErrWrite, s.path)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin %s: %v", ErrWrite, s.path, err)
	}

	stmt := tx.StmtContext(ctx, s.insert)
	for _, r := range records(res, now) {
		_, err := stmt.ExecContext(ctx,
			r.Date.Format(DateLayout),
			r.Size.M, r.Size.N, r.Size.K,
			r.Threads, r.TimeSeconds, r.GFLOPS,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: insert into %s: %v", ErrWrite, s.path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit %s: %v", ErrWrite, s.path, err)
	}

	return nil
}

// ReadAll implements Store.
func (s *SQLite) ReadAll(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT ID, Date, M, N, K, Threads, TimeSeconds, GFLOPS FROM Results ORDER BY ID")
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", ErrRead, s.path, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r    Record
			id   int64
			date string
		)
		if err := rows.Scan(&id, &date, &r.Size.M, &r.Size.N, &r.Size.K,
			&r.Threads, &r.TimeSeconds, &r.GFLOPS); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", ErrRead, s.path, err)
		}

		r.Date, err = time.ParseInLocation(DateLayout, date, time.Local)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: row %d: date %q: %v", ErrRead, s.path, id, date, err)
		}
		if err := validate(r); err != nil {
			return nil, fmt.Errorf("%w: %s: row %d: %v", ErrRead, s.path, id, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRead, s.path, err)
	}

	return out, nil
}

// Close implements Store.
func (s *SQLite) Close() error {
	if s.insert != nil {
		s.insert.Close()
	}
	return s.db.Close()
}
