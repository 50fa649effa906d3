package servicelocator

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/beamworks/beam/routines"
)

// SqlDataStore persists the locator's state in SQLite. A recursive
// routine-mutex serializes transactions the same way the in-memory
// store does; WAL mode keeps concurrent readers cheap.
type SqlDataStore struct {
	db *sql.DB

	mu routines.RecursiveMutex
	tx *sql.Tx
}

// NewSqlDataStore opens (or creates) the database and initializes the
// schema, including the root directory.
func NewSqlDataStore(path string) (*SqlDataStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("servicelocator: open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SqlDataStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("servicelocator: migrate store: %w", err)
	}
	return s, nil
}

func (s *SqlDataStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		type INTEGER NOT NULL,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS edges (
		parent INTEGER NOT NULL REFERENCES entries(id),
		child  INTEGER NOT NULL REFERENCES entries(id),
		PRIMARY KEY (parent, child)
	);

	CREATE TABLE IF NOT EXISTS passwords (
		account INTEGER PRIMARY KEY REFERENCES entries(id),
		hash    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS permissions (
		source INTEGER NOT NULL,
		target INTEGER NOT NULL,
		bits   INTEGER NOT NULL,
		PRIMARY KEY (source, target)
	);

	CREATE TABLE IF NOT EXISTS login_times (
		account    INTEGER PRIMARY KEY REFERENCES entries(id),
		registered INTEGER NOT NULL DEFAULT 0,
		last_login INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_entries_name ON entries(type, name);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO entries (id, type, name) VALUES (0, ?, '*')`,
		EntryDirectory)
	return err
}

// querier returns the active transaction, or the database outside one.
// Must be called with the store lock held.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

func (s *SqlDataStore) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *SqlDataStore) WithTransaction(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		// Nested: join the outer transaction.
		return fn()
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("servicelocator: begin transaction: %w", err)
	}
	s.tx = tx
	err = fn()
	s.tx = nil
	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SqlDataStore) loadEntry(by string, arg any) (DirectoryEntry, error) {
	var entry DirectoryEntry
	var entryType int
	row := s.q().QueryRow(
		`SELECT id, type, name FROM entries WHERE `+by, arg)
	if err := row.Scan(&entry.ID, &entryType, &entry.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DirectoryEntry{}, ErrEntryNotFound
		}
		return DirectoryEntry{}, err
	}
	entry.Type = EntryType(entryType)
	return entry, nil
}

func (s *SqlDataStore) LoadDirectoryEntry(id uint32) (DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadEntry("id = ?", id)
}

func (s *SqlDataStore) loadByType(t EntryType) ([]DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.q().Query(
		`SELECT id, type, name FROM entries WHERE type = ? ORDER BY id`, t)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]DirectoryEntry, error) {
	defer rows.Close()
	var out []DirectoryEntry
	for rows.Next() {
		var entry DirectoryEntry
		var entryType int
		if err := rows.Scan(&entry.ID, &entryType, &entry.Name); err != nil {
			return nil, err
		}
		entry.Type = EntryType(entryType)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SqlDataStore) LoadAllAccounts() ([]DirectoryEntry, error) {
	return s.loadByType(EntryAccount)
}

func (s *SqlDataStore) LoadAllDirectories() ([]DirectoryEntry, error) {
	return s.loadByType(EntryDirectory)
}

func (s *SqlDataStore) FindAccount(name string) (DirectoryEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.loadEntry("type = "+itoa(EntryAccount)+" AND name = ?", name)
	if errors.Is(err, ErrEntryNotFound) {
		return DirectoryEntry{}, false, nil
	}
	if err != nil {
		return DirectoryEntry{}, false, err
	}
	return entry, true, nil
}

func itoa(t EntryType) string {
	return fmt.Sprintf("%d", t)
}

func (s *SqlDataStore) MakeAccount(name, passwordHash string, registration time.Time) (DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exists int
	err := s.q().QueryRow(
		`SELECT COUNT(*) FROM entries WHERE type = ? AND name = ?`,
		EntryAccount, name).Scan(&exists)
	if err != nil {
		return DirectoryEntry{}, err
	}
	if exists > 0 {
		return DirectoryEntry{}, ErrEntryExists
	}
	result, err := s.q().Exec(
		`INSERT INTO entries (type, name) VALUES (?, ?)`, EntryAccount, name)
	if err != nil {
		return DirectoryEntry{}, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return DirectoryEntry{}, err
	}
	if _, err := s.q().Exec(
		`INSERT INTO passwords (account, hash) VALUES (?, ?)`, id, passwordHash); err != nil {
		return DirectoryEntry{}, err
	}
	if _, err := s.q().Exec(
		`INSERT INTO login_times (account, registered) VALUES (?, ?)`,
		id, registration.Unix()); err != nil {
		return DirectoryEntry{}, err
	}
	return MakeAccountEntry(uint32(id), name), nil
}

func (s *SqlDataStore) MakeDirectory(name string) (DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, err := s.q().Exec(
		`INSERT INTO entries (type, name) VALUES (?, ?)`, EntryDirectory, name)
	if err != nil {
		return DirectoryEntry{}, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return DirectoryEntry{}, err
	}
	return MakeDirectoryEntry(uint32(id), name), nil
}

func (s *SqlDataStore) LoadPassword(account DirectoryEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hash string
	err := s.q().QueryRow(
		`SELECT hash FROM passwords WHERE account = ?`, account.ID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotAnAccount
	}
	return hash, err
}

func (s *SqlDataStore) SetPassword(account DirectoryEntry, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, err := s.q().Exec(
		`UPDATE passwords SET hash = ? WHERE account = ?`, passwordHash, account.ID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotAnAccount
	}
	return nil
}

func (s *SqlDataStore) LoadParents(entry DirectoryEntry) ([]DirectoryEntry, error) {
	return s.loadEdges(entry,
		`SELECT e.id, e.type, e.name FROM entries e
		 JOIN edges ON edges.parent = e.id WHERE edges.child = ? ORDER BY e.id`)
}

func (s *SqlDataStore) LoadChildren(entry DirectoryEntry) ([]DirectoryEntry, error) {
	return s.loadEdges(entry,
		`SELECT e.id, e.type, e.name FROM entries e
		 JOIN edges ON edges.child = e.id WHERE edges.parent = ? ORDER BY e.id`)
}

func (s *SqlDataStore) loadEdges(entry DirectoryEntry, query string) ([]DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validate(entry); err != nil {
		return nil, err
	}
	rows, err := s.q().Query(query, entry.ID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *SqlDataStore) Associate(entry, parent DirectoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validate(entry); err != nil {
		return err
	}
	if err := s.validate(parent); err != nil {
		return err
	}
	_, err := s.q().Exec(
		`INSERT OR IGNORE INTO edges (parent, child) VALUES (?, ?)`,
		parent.ID, entry.ID)
	return err
}

func (s *SqlDataStore) Detach(entry, parent DirectoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.q().Exec(
		`DELETE FROM edges WHERE parent = ? AND child = ?`, parent.ID, entry.ID)
	return err
}

func (s *SqlDataStore) Delete(entry DirectoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validate(entry); err != nil {
		return err
	}
	steps := []struct {
		query string
		args  []any
	}{
		{`DELETE FROM edges WHERE parent = ? OR child = ?`, []any{entry.ID, entry.ID}},
		{`DELETE FROM permissions WHERE source = ? OR target = ?`, []any{entry.ID, entry.ID}},
		{`DELETE FROM passwords WHERE account = ?`, []any{entry.ID}},
		{`DELETE FROM login_times WHERE account = ?`, []any{entry.ID}},
		{`DELETE FROM entries WHERE id = ?`, []any{entry.ID}},
	}
	for _, step := range steps {
		if _, err := s.q().Exec(step.query, step.args...); err != nil {
			return err
		}
	}
	return nil
}

func (s *SqlDataStore) LoadPermissions(source, target DirectoryEntry) (Permissions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bits uint32
	err := s.q().QueryRow(
		`SELECT bits FROM permissions WHERE source = ? AND target = ?`,
		source.ID, target.ID).Scan(&bits)
	if errors.Is(err, sql.ErrNoRows) {
		return PermissionNone, nil
	}
	return Permissions(bits), err
}

func (s *SqlDataStore) SetPermissions(source, target DirectoryEntry, permissions Permissions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validate(source); err != nil {
		return err
	}
	if err := s.validate(target); err != nil {
		return err
	}
	_, err := s.q().Exec(
		`INSERT INTO permissions (source, target, bits) VALUES (?, ?, ?)
		 ON CONFLICT (source, target) DO UPDATE SET bits = excluded.bits`,
		source.ID, target.ID, uint32(permissions))
	return err
}

func (s *SqlDataStore) LoadRegistrationTime(account DirectoryEntry) (time.Time, error) {
	return s.loadTime(account, "registered")
}

func (s *SqlDataStore) LoadLastLoginTime(account DirectoryEntry) (time.Time, error) {
	return s.loadTime(account, "last_login")
}

func (s *SqlDataStore) loadTime(account DirectoryEntry, column string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validate(account); err != nil {
		return time.Time{}, err
	}
	var unix int64
	err := s.q().QueryRow(
		`SELECT `+column+` FROM login_times WHERE account = ?`, account.ID).Scan(&unix)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if unix == 0 {
		return time.Time{}, nil
	}
	return time.Unix(unix, 0).UTC(), nil
}

func (s *SqlDataStore) StoreLastLoginTime(account DirectoryEntry, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.q().Exec(
		`UPDATE login_times SET last_login = ? WHERE account = ?`,
		at.Unix(), account.ID)
	return err
}

func (s *SqlDataStore) Rename(entry DirectoryEntry, name string) (DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validate(entry); err != nil {
		return DirectoryEntry{}, err
	}
	if _, err := s.q().Exec(
		`UPDATE entries SET name = ? WHERE id = ?`, name, entry.ID); err != nil {
		return DirectoryEntry{}, err
	}
	entry.Name = name
	return entry, nil
}

func (s *SqlDataStore) Validate(entry DirectoryEntry) (DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validate(entry); err != nil {
		return DirectoryEntry{}, err
	}
	return s.loadEntry("id = ?", entry.ID)
}

// validate must be called with the store lock held.
func (s *SqlDataStore) validate(entry DirectoryEntry) error {
	var entryType int
	err := s.q().QueryRow(
		`SELECT type FROM entries WHERE id = ?`, entry.ID).Scan(&entryType)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrEntryNotFound
	}
	if err != nil {
		return err
	}
	if EntryType(entryType) != entry.Type {
		return ErrEntryNotFound
	}
	return nil
}

func (s *SqlDataStore) Close() error {
	return s.db.Close()
}
