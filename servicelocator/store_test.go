package servicelocator

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testStores(t *testing.T) map[string]DataStore {
	t.Helper()
	sqlStore, err := NewSqlDataStore(filepath.Join(t.TempDir(), "locator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })
	return map[string]DataStore{
		"memory": NewMemoryDataStore(),
		"sqlite": sqlStore,
	}
}

func TestStoreGraph(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			root := StarDirectory()
			loaded, err := store.LoadDirectoryEntry(0)
			require.NoError(t, err)
			require.Equal(t, root, loaded)

			dir, err := store.MakeDirectory("traders")
			require.NoError(t, err)
			require.NoError(t, store.Associate(dir, root))

			account, err := store.MakeAccount("alice", "hash", time.Now())
			require.NoError(t, err)
			require.NoError(t, store.Associate(account, dir))

			children, err := store.LoadChildren(dir)
			require.NoError(t, err)
			require.Equal(t, []DirectoryEntry{account}, children)

			parents, err := store.LoadParents(account)
			require.NoError(t, err)
			require.Equal(t, []DirectoryEntry{dir}, parents)

			accounts, err := store.LoadAllAccounts()
			require.NoError(t, err)
			require.Equal(t, []DirectoryEntry{account}, accounts)

			found, ok, err := store.FindAccount("alice")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, account, found)

			_, ok, err = store.FindAccount("nobody")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestStoreDeleteCascades(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			root := StarDirectory()
			account, err := store.MakeAccount("bob", "hash", time.Now())
			require.NoError(t, err)
			require.NoError(t, store.Associate(account, root))
			require.NoError(t, store.SetPermissions(account, root, PermissionRead))

			require.NoError(t, store.Delete(account))

			_, err = store.LoadDirectoryEntry(account.ID)
			require.ErrorIs(t, err, ErrEntryNotFound)
			children, err := store.LoadChildren(root)
			require.NoError(t, err)
			require.Empty(t, children)
			perms, err := store.LoadPermissions(account, root)
			require.NoError(t, err)
			require.Equal(t, PermissionNone, perms)
		})
	}
}

func TestStoreCredentials(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			account, err := store.MakeAccount("carol", "first", time.Now())
			require.NoError(t, err)

			hash, err := store.LoadPassword(account)
			require.NoError(t, err)
			require.Equal(t, "first", hash)

			require.NoError(t, store.SetPassword(account, "second"))
			hash, err = store.LoadPassword(account)
			require.NoError(t, err)
			require.Equal(t, "second", hash)

			_, err = store.MakeAccount("carol", "dup", time.Now())
			require.ErrorIs(t, err, ErrEntryExists)

			dir, err := store.MakeDirectory("dir")
			require.NoError(t, err)
			_, err = store.LoadPassword(dir)
			require.ErrorIs(t, err, ErrNotAnAccount)
		})
	}
}

func TestStoreTimesAndRename(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			registered := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			account, err := store.MakeAccount("dave", "hash", registered)
			require.NoError(t, err)

			got, err := store.LoadRegistrationTime(account)
			require.NoError(t, err)
			require.Equal(t, registered.Unix(), got.Unix())

			login := registered.Add(time.Hour)
			require.NoError(t, store.StoreLastLoginTime(account, login))
			got, err = store.LoadLastLoginTime(account)
			require.NoError(t, err)
			require.Equal(t, login.Unix(), got.Unix())

			renamed, err := store.Rename(account, "david")
			require.NoError(t, err)
			require.Equal(t, "david", renamed.Name)
			reloaded, err := store.Validate(renamed)
			require.NoError(t, err)
			require.Equal(t, "david", reloaded.Name)
		})
	}
}

func TestStorePermissionsCompose(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			root := StarDirectory()
			account, err := store.MakeAccount("erin", "hash", time.Now())
			require.NoError(t, err)
			require.NoError(t, store.SetPermissions(account, root, PermissionRead))
			perms, err := store.LoadPermissions(account, root)
			require.NoError(t, err)
			require.True(t, perms.Has(PermissionRead))
			require.False(t, perms.Has(PermissionAdministrate))

			require.NoError(t, store.SetPermissions(account, root, perms|PermissionAdministrate))
			perms, err = store.LoadPermissions(account, root)
			require.NoError(t, err)
			require.True(t, perms.Has(PermissionRead|PermissionAdministrate))
		})
	}
}

func TestHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("secret")
	require.NoError(t, err)
	require.True(t, VerifyPassword("secret", hash))
	require.False(t, VerifyPassword("wrong", hash))
	require.False(t, VerifyPassword("secret", "not-a-hash"))
}

func TestSessionIDEncryption(t *testing.T) {
	sessionID, err := GenerateSessionID()
	require.NoError(t, err)
	require.Len(t, sessionID, 32)

	sealed, err := EncryptSessionID(sessionID, 7)
	require.NoError(t, err)
	require.NotEqual(t, sessionID, sealed)

	opened, err := DecryptSessionID(sealed, 7)
	require.NoError(t, err)
	require.Equal(t, sessionID, opened)

	_, err = DecryptSessionID(sealed, 8)
	require.ErrorIs(t, err, ErrSessionID)

	// Two seals of the same id differ, so a captured ciphertext is not
	// a stable replay token.
	sealedAgain, err := EncryptSessionID(sessionID, 7)
	require.NoError(t, err)
	require.NotEqual(t, sealed, sealedAgain)
}
