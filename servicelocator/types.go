package servicelocator

import "log/slog"

// EntryType discriminates the two node kinds of the directory graph.
type EntryType uint8

const (
	EntryAccount EntryType = iota
	EntryDirectory
)

func (t EntryType) String() string {
	switch t {
	case EntryAccount:
		return "account"
	case EntryDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// DirectoryEntry is a node in the locator's graph, identified by
// (type, id). The root directory "*" has id 0.
type DirectoryEntry struct {
	Type EntryType `cbor:"type"`
	ID   uint32    `cbor:"id"`
	Name string    `cbor:"name"`
}

// MakeAccountEntry builds an account-typed entry value.
func MakeAccountEntry(id uint32, name string) DirectoryEntry {
	return DirectoryEntry{Type: EntryAccount, ID: id, Name: name}
}

// MakeDirectoryEntry builds a directory-typed entry value.
func MakeDirectoryEntry(id uint32, name string) DirectoryEntry {
	return DirectoryEntry{Type: EntryDirectory, ID: id, Name: name}
}

// StarDirectory is the root of the graph.
func StarDirectory() DirectoryEntry {
	return MakeDirectoryEntry(0, "*")
}

func (e DirectoryEntry) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", e.Type.String()),
		slog.Uint64("id", uint64(e.ID)),
		slog.String("name", e.Name),
	)
}

// Permissions is a bitmask granted per (source, target) pair. Grants
// compose by OR and are tested by subset.
type Permissions uint32

const (
	PermissionNone Permissions = 0

	// PermissionRead allows loading the target and its children.
	PermissionRead Permissions = 1 << iota >> 1

	// PermissionMove is carried in the bitmask; the servlet checks
	// Administrate, not Move, for associate and detach.
	PermissionMove

	// PermissionAdministrate allows mutating the target, its children
	// and its permissions.
	PermissionAdministrate

	PermissionAll = PermissionRead | PermissionMove | PermissionAdministrate
)

// Has reports whether every permission in p is granted.
func (perms Permissions) Has(p Permissions) bool {
	return perms&p == p
}

// ServiceEntry is one registered service endpoint.
type ServiceEntry struct {
	Name       string         `cbor:"name"`
	ID         int32          `cbor:"id"`
	Account    DirectoryEntry `cbor:"account"`
	Properties map[string]any `cbor:"properties"`
}

// AccountUpdateType discriminates account update events.
type AccountUpdateType uint8

const (
	AccountAdded AccountUpdateType = iota
	AccountDeleted
)

func (t AccountUpdateType) String() string {
	switch t {
	case AccountAdded:
		return "added"
	case AccountDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// AccountUpdate is one event on the account pub/sub stream.
type AccountUpdate struct {
	Entry DirectoryEntry    `cbor:"entry"`
	Type  AccountUpdateType `cbor:"type"`
}
