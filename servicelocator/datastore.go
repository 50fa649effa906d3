package servicelocator

import (
	"errors"
	"time"
)

var (
	// ErrEntryNotFound reports a lookup of a directory entry that does
	// not exist (any more).
	ErrEntryNotFound = errors.New("servicelocator: directory entry not found")

	// ErrEntryExists reports an account creation whose name is already
	// used by another account; directory names are not checked.
	ErrEntryExists = errors.New("servicelocator: directory entry already exists")

	// ErrNotAnAccount reports an account operation on a directory.
	ErrNotAnAccount = errors.New("servicelocator: entry is not an account")

	// ErrCycle reports an association that would close a cycle in the
	// graph.
	ErrCycle = errors.New("servicelocator: association would create a cycle")
)

// DataStore is the locator's source of truth. Implementations persist
// the directory graph, credentials, the permission matrix and login
// times; the servlet layers sessions and the service registry on top.
//
// All servlet mutations run inside WithTransaction, and the account
// pub/sub broadcast happens inside the same transaction, so subscribers
// never observe a state the store has not committed.
type DataStore interface {
	// WithTransaction runs fn with exclusive access to the store. A
	// non-nil error from fn rolls the transaction back where the
	// backend supports it.
	WithTransaction(fn func() error) error

	LoadDirectoryEntry(id uint32) (DirectoryEntry, error)
	LoadAllAccounts() ([]DirectoryEntry, error)
	LoadAllDirectories() ([]DirectoryEntry, error)

	// FindAccount resolves an account by name; found is false when no
	// account carries the name.
	FindAccount(name string) (account DirectoryEntry, found bool, err error)

	// MakeAccount creates a detached account with the given password
	// hash; the caller associates it with a parent.
	MakeAccount(name, passwordHash string, registration time.Time) (DirectoryEntry, error)

	// MakeDirectory creates a detached directory.
	MakeDirectory(name string) (DirectoryEntry, error)

	LoadPassword(account DirectoryEntry) (string, error)
	SetPassword(account DirectoryEntry, passwordHash string) error

	LoadParents(entry DirectoryEntry) ([]DirectoryEntry, error)
	LoadChildren(entry DirectoryEntry) ([]DirectoryEntry, error)

	// Associate adds a parent-child edge; Detach removes one. Edges are
	// many-to-many.
	Associate(entry, parent DirectoryEntry) error
	Detach(entry, parent DirectoryEntry) error

	// Delete removes the entry, every edge touching it, its permissions
	// and, for accounts, its credentials.
	Delete(entry DirectoryEntry) error

	LoadPermissions(source, target DirectoryEntry) (Permissions, error)
	SetPermissions(source, target DirectoryEntry, permissions Permissions) error

	LoadRegistrationTime(account DirectoryEntry) (time.Time, error)
	LoadLastLoginTime(account DirectoryEntry) (time.Time, error)
	StoreLastLoginTime(account DirectoryEntry, at time.Time) error

	Rename(entry DirectoryEntry, name string) (DirectoryEntry, error)

	// Validate re-reads the entry, failing with ErrEntryNotFound when
	// the caller's copy is stale.
	Validate(entry DirectoryEntry) (DirectoryEntry, error)

	Close() error
}
