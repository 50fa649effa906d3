package servicelocator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beamworks/beam/network"
	"github.com/beamworks/beam/queues"
	"github.com/beamworks/beam/services"
)

type locatorFixture struct {
	store   *MemoryDataStore
	servlet *Servlet
	conn    *network.LocalServerConnection
	server  *services.ProtocolServer
	admin   DirectoryEntry

	mu          sync.Mutex
	lastChannel network.Channel
}

func newLocatorFixture(t *testing.T) *locatorFixture {
	t.Helper()
	f := &locatorFixture{
		store: NewMemoryDataStore(),
		conn:  network.NewLocalServerConnection(),
	}
	f.servlet = NewServlet(f.store)
	admin, err := f.servlet.BootstrapAccount("account", "password")
	require.NoError(t, err)
	f.admin = admin
	f.server = services.NewProtocolServer(f.conn, f.servlet)
	f.server.Open()
	t.Cleanup(func() { f.server.Close() })
	return f
}

func (f *locatorFixture) builder() ClientBuilder {
	return ClientBuilder{
		Connect: func() (network.Channel, error) {
			channel, err := f.conn.Connect("locator-client")
			if err != nil {
				return nil, err
			}
			f.mu.Lock()
			f.lastChannel = channel
			f.mu.Unlock()
			return channel, nil
		},
	}
}

// dropChannel simulates a network fault under the current connection.
func (f *locatorFixture) dropChannel() {
	f.mu.Lock()
	channel := f.lastChannel
	f.mu.Unlock()
	channel.Close()
}

func (f *locatorFixture) openClient(t *testing.T, username, password string) *Client {
	t.Helper()
	client := NewClient(f.builder())
	client.SetCredentials(username, password)
	require.NoError(t, client.Open())
	t.Cleanup(func() { client.Close() })
	return client
}

func popUpdate(t *testing.T, q *queues.Queue[AccountUpdate]) AccountUpdate {
	t.Helper()
	type result struct {
		update AccountUpdate
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		update, err := q.Pop()
		ch <- result{update, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.update
	case <-time.After(2 * time.Second):
		t.Fatal("no account update arrived")
		return AccountUpdate{}
	}
}

func TestLoginAccepted(t *testing.T) {
	f := newLocatorFixture(t)
	client := f.openClient(t, "account", "password")
	require.Equal(t, "account", client.GetAccount().Name)
	require.NotEmpty(t, client.GetSessionID())

	lastLogin, err := client.LoadLastLoginTime(client.GetAccount())
	require.NoError(t, err)
	require.False(t, lastLogin.IsZero())
}

func TestLoginRejected(t *testing.T) {
	f := newLocatorFixture(t)
	client := NewClient(f.builder())
	client.SetCredentials("account", "wrong")
	err := client.Open()
	require.True(t, services.IsServiceRequest(err))

	client.SetCredentials("nobody", "password")
	err = client.Open()
	require.True(t, services.IsServiceRequest(err))
}

func TestAuthenticateSessionRoundTrip(t *testing.T) {
	f := newLocatorFixture(t)
	client := f.openClient(t, "account", "password")

	const key = 42
	sealed, err := client.GetEncryptedSessionID(key)
	require.NoError(t, err)

	verifier := f.openClient(t, "account", "password")
	account, err := verifier.AuthenticateSession(sealed, key)
	require.NoError(t, err)
	require.Equal(t, client.GetAccount(), account)

	_, err = verifier.AuthenticateSession("bogus", key)
	require.True(t, services.IsServiceRequest(err))
}

func TestDirectoryLifecycle(t *testing.T) {
	f := newLocatorFixture(t)
	client := f.openClient(t, "account", "password")
	root := StarDirectory()

	dir, err := client.MakeDirectory("services", root)
	require.NoError(t, err)
	loaded, err := client.LoadDirectoryEntry(root, "services")
	require.NoError(t, err)
	require.Equal(t, dir, loaded)

	byID, err := client.LoadDirectoryEntryByID(dir.ID)
	require.NoError(t, err)
	require.Equal(t, dir, byID)

	renamed, err := client.Rename(dir, "svc")
	require.NoError(t, err)
	require.Equal(t, "svc", renamed.Name)
	_, err = client.LoadDirectoryEntry(root, "services")
	require.True(t, services.IsServiceRequest(err))

	require.NoError(t, client.Delete(renamed))
	_, err = client.LoadDirectoryEntry(root, "svc")
	require.True(t, services.IsServiceRequest(err))
}

func TestAssociateRejectsCycles(t *testing.T) {
	f := newLocatorFixture(t)
	client := f.openClient(t, "account", "password")
	root := StarDirectory()

	a, err := client.MakeDirectory("a", root)
	require.NoError(t, err)
	b, err := client.MakeDirectory("b", a)
	require.NoError(t, err)

	err = client.Associate(a, b)
	require.True(t, services.IsServiceRequest(err))
	err = client.Associate(a, a)
	require.True(t, services.IsServiceRequest(err))

	// A second parent for b is fine: edges are many-to-many.
	c, err := client.MakeDirectory("c", root)
	require.NoError(t, err)
	require.NoError(t, client.Associate(b, c))
	require.NoError(t, client.Detach(b, c))
}

func TestPermissionsEnforced(t *testing.T) {
	f := newLocatorFixture(t)
	admin := f.openClient(t, "account", "password")
	root := StarDirectory()

	limited, err := admin.MakeAccount("limited", "pw", root)
	require.NoError(t, err)

	client := f.openClient(t, "limited", "pw")
	_, err = client.MakeDirectory("nope", root)
	require.True(t, services.IsServiceRequest(err))

	granted, err := client.HasPermissions(limited, root, PermissionAdministrate)
	require.NoError(t, err)
	require.False(t, granted)

	require.NoError(t, admin.StorePermissions(limited, root, PermissionAll))
	_, err = client.MakeDirectory("now-allowed", root)
	require.NoError(t, err)

	granted, err = client.HasPermissions(limited, root, PermissionAdministrate)
	require.NoError(t, err)
	require.True(t, granted)
}

func TestServiceRegistry(t *testing.T) {
	f := newLocatorFixture(t)
	client := f.openClient(t, "account", "password")

	entry, err := client.Register("market-data", map[string]any{
		"addresses": "127.0.0.1:20100",
	})
	require.NoError(t, err)
	require.Equal(t, "market-data", entry.Name)

	located, err := client.Locate("market-data")
	require.NoError(t, err)
	require.Len(t, located, 1)
	require.Equal(t, entry.ID, located[0].ID)

	addresses, err := LocateServiceAddresses(client, "market-data")
	require.NoError(t, err)
	require.Equal(t, []network.IpAddress{{Host: "127.0.0.1", Port: 20100}}, addresses)

	require.NoError(t, client.Unregister(entry))
	located, err = client.Locate("market-data")
	require.NoError(t, err)
	require.Empty(t, located)
}

func TestServiceUnregisteredOnSessionClose(t *testing.T) {
	f := newLocatorFixture(t)
	admin := f.openClient(t, "account", "password")

	ephemeral := NewClient(f.builder())
	ephemeral.SetCredentials("account", "password")
	require.NoError(t, ephemeral.Open())
	_, err := ephemeral.Register("ephemeral", nil)
	require.NoError(t, err)

	ephemeral.Close()
	require.Eventually(t, func() bool {
		located, err := admin.Locate("ephemeral")
		return err == nil && len(located) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMonitorAccounts(t *testing.T) {
	f := newLocatorFixture(t)
	client := f.openClient(t, "account", "password")
	root := StarDirectory()

	q := queues.NewQueue[AccountUpdate]()
	require.NoError(t, client.MonitorAccounts(q))

	// Snapshot: the only readable account is the admin itself.
	update := popUpdate(t, q)
	require.Equal(t, AccountUpdate{Entry: f.admin, Type: AccountAdded}, update)

	accountB, err := client.MakeAccount("account-b", "pw", root)
	require.NoError(t, err)
	require.Equal(t, AccountUpdate{Entry: accountB, Type: AccountAdded}, popUpdate(t, q))

	// A duplicate subscription sees only the live set, with no
	// replays of the stream the first subscriber consumed.
	dup := queues.NewQueue[AccountUpdate]()
	require.NoError(t, client.MonitorAccounts(dup))
	require.Equal(t, AccountUpdate{Entry: f.admin, Type: AccountAdded}, popUpdate(t, dup))
	require.Equal(t, AccountUpdate{Entry: accountB, Type: AccountAdded}, popUpdate(t, dup))

	require.NoError(t, client.Delete(accountB))
	require.Equal(t, AccountUpdate{Entry: accountB, Type: AccountDeleted}, popUpdate(t, q))
	require.Equal(t, AccountUpdate{Entry: accountB, Type: AccountDeleted}, popUpdate(t, dup))

	// Dropping every local queue sends exactly one unsubscribe once the
	// next update finds no one to deliver to.
	q.Break(nil)
	dup.Break(nil)
	_, err = client.MakeAccount("account-c", "pw", root)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		client.monitorMu.Lock()
		defer client.monitorMu.Unlock()
		return !client.subscribed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMonitorAccountsReconnect(t *testing.T) {
	f := newLocatorFixture(t)
	client := f.openClient(t, "account", "password")
	root := StarDirectory()

	q := queues.NewQueue[AccountUpdate]()
	require.NoError(t, client.MonitorAccounts(q))
	require.Equal(t, AccountUpdate{Entry: f.admin, Type: AccountAdded}, popUpdate(t, q))

	// Sever the channel, then mutate while the client is down.
	f.dropChannel()
	other := f.openClient(t, "account", "password")
	accountD, err := other.MakeAccount("account-d", "pw", root)
	require.NoError(t, err)

	// The client reconnects, re-authenticates and resubscribes; the
	// fresh snapshot surfaces exactly the missed delta.
	require.Equal(t, AccountUpdate{Entry: accountD, Type: AccountAdded}, popUpdate(t, q))

	// No duplicates of anything already seen.
	_, ok := q.TryPop()
	require.False(t, ok)

	// Closing the client breaks the subscriber queue.
	client.Close()
	_, err = q.Top()
	require.ErrorIs(t, err, queues.ErrPipeBroken)
}

func TestLoadOrCreateDirectory(t *testing.T) {
	f := newLocatorFixture(t)
	client := f.openClient(t, "account", "password")
	root := StarDirectory()

	created, err := LoadOrCreateDirectory(client, "shared", root)
	require.NoError(t, err)
	loaded, err := LoadOrCreateDirectory(client, "shared", root)
	require.NoError(t, err)
	require.Equal(t, created, loaded)
}
