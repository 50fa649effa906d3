package servicelocator

import (
	"slices"
	"time"

	"github.com/beamworks/beam/routines"
)

// MemoryDataStore is the reference in-memory store: a single
// routine-mutex serializes transactions, so it is safe for any number
// of servlet routines while never blocking a scheduler worker.
//
// Rollback is not supported; a failed transaction leaves the mutations
// fn already applied. The servlet only fails transactions before its
// first mutation, which keeps the reference store honest.
type MemoryDataStore struct {
	mu routines.RecursiveMutex

	nextID      uint32
	entries     map[uint32]DirectoryEntry
	parents     map[uint32][]uint32
	children    map[uint32][]uint32
	passwords   map[uint32]string
	permissions map[[2]uint32]Permissions
	registered  map[uint32]time.Time
	lastLogin   map[uint32]time.Time
}

// NewMemoryDataStore returns a store holding only the root directory.
func NewMemoryDataStore() *MemoryDataStore {
	s := &MemoryDataStore{
		entries:     make(map[uint32]DirectoryEntry),
		parents:     make(map[uint32][]uint32),
		children:    make(map[uint32][]uint32),
		passwords:   make(map[uint32]string),
		permissions: make(map[[2]uint32]Permissions),
		registered:  make(map[uint32]time.Time),
		lastLogin:   make(map[uint32]time.Time),
	}
	root := StarDirectory()
	s.entries[root.ID] = root
	return s
}

func (s *MemoryDataStore) WithTransaction(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func (s *MemoryDataStore) LoadDirectoryEntry(id uint32) (DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return DirectoryEntry{}, ErrEntryNotFound
	}
	return entry, nil
}

func (s *MemoryDataStore) LoadAllAccounts() ([]DirectoryEntry, error) {
	return s.loadByType(EntryAccount)
}

func (s *MemoryDataStore) LoadAllDirectories() ([]DirectoryEntry, error) {
	return s.loadByType(EntryDirectory)
}

func (s *MemoryDataStore) loadByType(t EntryType) ([]DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DirectoryEntry
	for _, entry := range s.entries {
		if entry.Type == t {
			out = append(out, entry)
		}
	}
	slices.SortFunc(out, func(a, b DirectoryEntry) int {
		return int(a.ID) - int(b.ID)
	})
	return out, nil
}

func (s *MemoryDataStore) FindAccount(name string) (DirectoryEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.Type == EntryAccount && entry.Name == name {
			return entry, true, nil
		}
	}
	return DirectoryEntry{}, false, nil
}

func (s *MemoryDataStore) MakeAccount(name, passwordHash string, registration time.Time) (DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.Type == EntryAccount && entry.Name == name {
			return DirectoryEntry{}, ErrEntryExists
		}
	}
	s.nextID++
	account := MakeAccountEntry(s.nextID, name)
	s.entries[account.ID] = account
	s.passwords[account.ID] = passwordHash
	s.registered[account.ID] = registration
	return account, nil
}

func (s *MemoryDataStore) MakeDirectory(name string) (DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	dir := MakeDirectoryEntry(s.nextID, name)
	s.entries[dir.ID] = dir
	return dir, nil
}

func (s *MemoryDataStore) LoadPassword(account DirectoryEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validate(account); err != nil {
		return "", err
	}
	hash, ok := s.passwords[account.ID]
	if !ok {
		return "", ErrNotAnAccount
	}
	return hash, nil
}

func (s *MemoryDataStore) SetPassword(account DirectoryEntry, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validate(account); err != nil {
		return err
	}
	if _, ok := s.passwords[account.ID]; !ok {
		return ErrNotAnAccount
	}
	s.passwords[account.ID] = passwordHash
	return nil
}

func (s *MemoryDataStore) LoadParents(entry DirectoryEntry) ([]DirectoryEntry, error) {
	return s.loadEdges(entry, s.parents)
}

func (s *MemoryDataStore) LoadChildren(entry DirectoryEntry) ([]DirectoryEntry, error) {
	return s.loadEdges(entry, s.children)
}

func (s *MemoryDataStore) loadEdges(entry DirectoryEntry, edges map[uint32][]uint32) ([]DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validate(entry); err != nil {
		return nil, err
	}
	var out []DirectoryEntry
	for _, id := range edges[entry.ID] {
		if other, ok := s.entries[id]; ok {
			out = append(out, other)
		}
	}
	return out, nil
}

func (s *MemoryDataStore) Associate(entry, parent DirectoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validate(entry); err != nil {
		return err
	}
	if err := s.validate(parent); err != nil {
		return err
	}
	if slices.Contains(s.parents[entry.ID], parent.ID) {
		return nil
	}
	s.parents[entry.ID] = append(s.parents[entry.ID], parent.ID)
	s.children[parent.ID] = append(s.children[parent.ID], entry.ID)
	return nil
}

func (s *MemoryDataStore) Detach(entry, parent DirectoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validate(entry); err != nil {
		return err
	}
	s.parents[entry.ID] = deleteID(s.parents[entry.ID], parent.ID)
	s.children[parent.ID] = deleteID(s.children[parent.ID], entry.ID)
	return nil
}

func deleteID(ids []uint32, id uint32) []uint32 {
	return slices.DeleteFunc(ids, func(v uint32) bool { return v == id })
}

func (s *MemoryDataStore) Delete(entry DirectoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validate(entry); err != nil {
		return err
	}
	for _, parent := range s.parents[entry.ID] {
		s.children[parent] = deleteID(s.children[parent], entry.ID)
	}
	for _, child := range s.children[entry.ID] {
		s.parents[child] = deleteID(s.parents[child], entry.ID)
	}
	delete(s.parents, entry.ID)
	delete(s.children, entry.ID)
	delete(s.entries, entry.ID)
	delete(s.passwords, entry.ID)
	delete(s.registered, entry.ID)
	delete(s.lastLogin, entry.ID)
	for key := range s.permissions {
		if key[0] == entry.ID || key[1] == entry.ID {
			delete(s.permissions, key)
		}
	}
	return nil
}

func (s *MemoryDataStore) LoadPermissions(source, target DirectoryEntry) (Permissions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissions[[2]uint32{source.ID, target.ID}], nil
}

func (s *MemoryDataStore) SetPermissions(source, target DirectoryEntry, permissions Permissions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validate(source); err != nil {
		return err
	}
	if err := s.validate(target); err != nil {
		return err
	}
	s.permissions[[2]uint32{source.ID, target.ID}] = permissions
	return nil
}

func (s *MemoryDataStore) LoadRegistrationTime(account DirectoryEntry) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validate(account); err != nil {
		return time.Time{}, err
	}
	return s.registered[account.ID], nil
}

func (s *MemoryDataStore) LoadLastLoginTime(account DirectoryEntry) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validate(account); err != nil {
		return time.Time{}, err
	}
	return s.lastLogin[account.ID], nil
}

func (s *MemoryDataStore) StoreLastLoginTime(account DirectoryEntry, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validate(account); err != nil {
		return err
	}
	s.lastLogin[account.ID] = at
	return nil
}

func (s *MemoryDataStore) Rename(entry DirectoryEntry, name string) (DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validate(entry); err != nil {
		return DirectoryEntry{}, err
	}
	entry.Name = name
	s.entries[entry.ID] = entry
	return entry, nil
}

func (s *MemoryDataStore) Validate(entry DirectoryEntry) (DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validate(entry); err != nil {
		return DirectoryEntry{}, err
	}
	return s.entries[entry.ID], nil
}

// validate must be called with the store lock held.
func (s *MemoryDataStore) validate(entry DirectoryEntry) error {
	stored, ok := s.entries[entry.ID]
	if !ok || stored.Type != entry.Type {
		return ErrEntryNotFound
	}
	return nil
}

func (s *MemoryDataStore) Close() error {
	return nil
}
