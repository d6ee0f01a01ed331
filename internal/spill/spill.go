// Package spill keeps long ordered tuple lists of a crosstab grid in a
// temporary SQLite database instead of memory.
package spill

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/vinodismyname/xcelpivot/internal/crosstab"
	_ "modernc.org/sqlite"
)

const pageSize = 256

// Store is a crosstab.TupleStore backed by a private SQLite file. Appends are
// batched in one transaction that is committed on the first read. Reads load
// whole pages of consecutive positions into a small cache.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	tx     *sql.Tx
	insert *sql.Stmt
	n      int

	page      int
	pageItems []*crosstab.Tuple
}

// Open creates an empty store in dir. An empty dir uses the OS temp dir.
func Open(dir string) (*Store, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "xtab-spill-"+uuid.NewString()+".db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("spill: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"PRAGMA journal_mode=OFF",
		"PRAGMA synchronous=OFF",
		"CREATE TABLE tuples (pos INTEGER PRIMARY KEY, body BLOB NOT NULL)",
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			_ = os.Remove(path)
			return nil, fmt.Errorf("spill: init: %w", err)
		}
	}
	return &Store{db: db, path: path, page: -1}, nil
}

// Func returns a crosstab.SpillFunc opening stores in dir.
func Func(dir string) crosstab.SpillFunc {
	return func() (crosstab.TupleStore, error) { return Open(dir) }
}

// Path is the database file of the store.
func (s *Store) Path() string { return s.path }

func (s *Store) Append(t *crosstab.Tuple) error {
	body, err := crosstab.MarshalTuple(t)
	if err != nil {
		return fmt.Errorf("spill: encode: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		if s.tx, err = s.db.Begin(); err != nil {
			return fmt.Errorf("spill: begin: %w", err)
		}
		if s.insert, err = s.tx.Prepare("INSERT INTO tuples (pos, body) VALUES (?, ?)"); err != nil {
			_ = s.tx.Rollback()
			s.tx = nil
			return fmt.Errorf("spill: prepare: %w", err)
		}
	}
	if _, err := s.insert.Exec(s.n, body); err != nil {
		return fmt.Errorf("spill: insert %d: %w", s.n, err)
	}
	s.n++
	s.page = -1
	return nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func (s *Store) At(i int) (*crosstab.Tuple, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= s.n {
		return nil, fmt.Errorf("spill: tuple index %d out of range", i)
	}
	if err := s.flush(); err != nil {
		return nil, err
	}
	p := i / pageSize
	if p != s.page {
		if err := s.load(p); err != nil {
			return nil, err
		}
	}
	return s.pageItems[i-p*pageSize], nil
}

func (s *Store) flush() error {
	if s.tx == nil {
		return nil
	}
	_ = s.insert.Close()
	err := s.tx.Commit()
	s.tx, s.insert = nil, nil
	if err != nil {
		return fmt.Errorf("spill: commit: %w", err)
	}
	return nil
}

func (s *Store) load(p int) error {
	rows, err := s.db.Query("SELECT body FROM tuples WHERE pos >= ? AND pos < ? ORDER BY pos", p*pageSize, (p+1)*pageSize)
	if err != nil {
		return fmt.Errorf("spill: query page %d: %w", p, err)
	}
	defer rows.Close()

	items := make([]*crosstab.Tuple, 0, pageSize)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return fmt.Errorf("spill: scan: %w", err)
		}
		t, err := crosstab.UnmarshalTuple(body)
		if err != nil {
			return err
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("spill: read page %d: %w", p, err)
	}
	s.page, s.pageItems = p, items
	return nil
}

// Close drops the database and removes its file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.tx != nil {
		_ = s.insert.Close()
		errs = append(errs, s.tx.Rollback())
		s.tx, s.insert = nil, nil
	}
	errs = append(errs, s.db.Close())
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	s.pageItems = nil
	return errors.Join(errs...)
}
