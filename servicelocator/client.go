package servicelocator

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/beamworks/beam/network"
	"github.com/beamworks/beam/queues"
	"github.com/beamworks/beam/routines"
	"github.com/beamworks/beam/services"
)

// Locator is the operation surface of a service-locator client.
// Concrete clients implement it; code that only consumes the locator
// accepts this interface.
type Locator interface {
	GetAccount() DirectoryEntry
	GetSessionID() string
	GetEncryptedSessionID(key uint32) (string, error)
	AuthenticateSession(sessionID string, key uint32) (DirectoryEntry, error)
	Locate(name string) ([]ServiceEntry, error)
	Register(name string, properties map[string]any) (ServiceEntry, error)
	Unregister(service ServiceEntry) error
	LoadAllAccounts() ([]DirectoryEntry, error)
	FindAccount(name string) (DirectoryEntry, bool, error)
	MakeAccount(name, password string, parent DirectoryEntry) (DirectoryEntry, error)
	MakeDirectory(name string, parent DirectoryEntry) (DirectoryEntry, error)
	StorePassword(account DirectoryEntry, password string) error
	MonitorAccounts(w queues.Writer[AccountUpdate]) error
	LoadDirectoryEntry(root DirectoryEntry, path string) (DirectoryEntry, error)
	LoadDirectoryEntryByID(id uint32) (DirectoryEntry, error)
	LoadParents(entry DirectoryEntry) ([]DirectoryEntry, error)
	LoadChildren(entry DirectoryEntry) ([]DirectoryEntry, error)
	Delete(entry DirectoryEntry) error
	Associate(entry, parent DirectoryEntry) error
	Detach(entry, parent DirectoryEntry) error
	HasPermissions(account, target DirectoryEntry, p Permissions) (bool, error)
	StorePermissions(source, target DirectoryEntry, p Permissions) error
	LoadRegistrationTime(account DirectoryEntry) (time.Time, error)
	LoadLastLoginTime(account DirectoryEntry) (time.Time, error)
	Rename(entry DirectoryEntry, name string) (DirectoryEntry, error)
	Close() error
}

// ClientBuilder supplies the client's collaborators: a channel factory
// invoked for the initial connection and every reconnect, and an
// optional heartbeat timer factory.
type ClientBuilder struct {
	Connect func() (network.Channel, error)
	Timers  func() services.Timer
}

// DialBuilder is the production builder: it dials the address list.
func DialBuilder(addresses []network.IpAddress, heartbeat time.Duration) ClientBuilder {
	b := ClientBuilder{
		Connect: func() (network.Channel, error) {
			return network.Connect(addresses)
		},
	}
	if heartbeat > 0 {
		b.Timers = func() services.Timer {
			return services.NewLiveTimer(heartbeat)
		}
	}
	return b
}

// reconnectDelay paces reconnection attempts.
const reconnectDelay = 100 * time.Millisecond

// Client is a reconnecting service-locator client. Open authenticates
// with the stored credentials; a broken channel triggers transparent
// reconnection, re-login and resubscription of account monitors.
type Client struct {
	builder ClientBuilder
	logger  *slog.Logger
	slots   services.SlotRegistry

	mu        sync.Mutex
	protocol  *services.ProtocolClient
	username  string
	password  string
	account   DirectoryEntry
	sessionID string

	state     services.OpenState
	reconnect routines.Handler

	// monitorMu is routine-aware because it stays held across the
	// subscription round trip; contenders park instead of pinning a
	// scheduler worker.
	monitorMu   routines.Mutex
	subscribed  bool
	live        map[uint32]DirectoryEntry
	subscribers []queues.Writer[AccountUpdate]
	stashed     []AccountUpdate
}

var _ Locator = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client's logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient builds a closed client over the given builder. Set
// credentials, then Open.
func NewClient(builder ClientBuilder, opts ...ClientOption) *Client {
	c := &Client{
		builder: builder,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	services.AddMessageSlot(&c.slots, accountUpdateMessage,
		func(_ *services.ProtocolClient, update AccountUpdate) {
			c.handleAccountUpdate(update)
		})
	return c
}

// SetCredentials stores the account and password used by Open and by
// every reconnect.
func (c *Client) SetCredentials(username, password string) {
	c.mu.Lock()
	c.username = username
	c.password = password
	c.mu.Unlock()
}

// Open connects and authenticates. A rejected login surfaces the
// server's ServiceRequestError and leaves the client closed.
func (c *Client) Open() error {
	if !c.state.SetOpening() {
		return nil
	}
	if err := c.connect(); err != nil {
		c.state.SetClosing()
		c.state.SetClosed()
		return err
	}
	c.state.SetOpen()
	return nil
}

func (c *Client) connect() error {
	channel, err := c.builder.Connect()
	if err != nil {
		return err
	}
	opts := []services.ClientOption{
		services.WithLogger(c.logger),
		services.WithCloseHandler(c.handleDisconnect),
	}
	if c.builder.Timers != nil {
		opts = append(opts, services.WithHeartbeat(c.builder.Timers()))
	}
	protocol := services.NewProtocolClient(channel, &c.slots, opts...)
	protocol.Open()

	c.mu.Lock()
	username, password := c.username, c.password
	c.mu.Unlock()
	resp, err := services.Call[loginRequest, loginResponse](
		protocol, loginService, loginRequest{Username: username, Password: password})
	if err != nil {
		protocol.Close()
		return err
	}
	c.mu.Lock()
	c.protocol = protocol
	c.account = resp.Account
	c.sessionID = resp.SessionID
	c.mu.Unlock()

	if err := c.resubscribeMonitors(protocol); err != nil {
		c.mu.Lock()
		if c.protocol == protocol {
			c.protocol = nil
		}
		c.mu.Unlock()
		protocol.Close()
		return err
	}
	return nil
}

func (c *Client) handleDisconnect(p *services.ProtocolClient) {
	c.mu.Lock()
	if c.protocol != p {
		c.mu.Unlock()
		return
	}
	c.protocol = nil
	c.mu.Unlock()
	if !c.state.IsRunning() {
		return
	}
	c.logger.Warn("service locator channel lost, reconnecting")
	c.reconnect.Assign(routines.Spawn(c.reconnectLoop))
}

func (c *Client) reconnectLoop() {
	for c.state.IsRunning() {
		err := c.connect()
		if err == nil {
			metrics.IncrCounter(MetricLocatorReconnectCount, 1)
			c.logger.Info("service locator channel reestablished")
			if !c.state.IsRunning() {
				// Close won the race; tear the fresh channel down.
				c.mu.Lock()
				protocol := c.protocol
				c.protocol = nil
				c.mu.Unlock()
				if protocol != nil {
					protocol.Close()
				}
			}
			return
		}
		c.logger.Debug("reconnect attempt failed", "error", err)
		time.Sleep(reconnectDelay + rand.N(reconnectDelay))
	}
}

// Close tears the client down and breaks every monitor subscriber with
// ErrPipeBroken.
func (c *Client) Close() error {
	if c.state.SetClosing() {
		return nil
	}
	c.mu.Lock()
	protocol := c.protocol
	c.protocol = nil
	c.mu.Unlock()
	if protocol != nil {
		protocol.Close()
	}
	c.reconnect.Wait()
	c.monitorMu.Lock()
	subscribers := c.subscribers
	c.subscribers = nil
	c.subscribed = false
	c.live = nil
	c.monitorMu.Unlock()
	for _, sub := range subscribers {
		sub.Break(queues.ErrPipeBroken)
	}
	c.state.SetClosed()
	return nil
}

func (c *Client) currentProtocol() (*services.ProtocolClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.protocol == nil {
		return nil, network.ErrNotConnected
	}
	return c.protocol, nil
}

// call reissues against the live protocol client.
func call[Req, Resp any](c *Client, service uint32, req Req) (Resp, error) {
	var zero Resp
	protocol, err := c.currentProtocol()
	if err != nil {
		return zero, err
	}
	return services.Call[Req, Resp](protocol, service, req)
}

// GetAccount returns the account the session authenticated as.
func (c *Client) GetAccount() DirectoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}

// GetSessionID returns the session id issued at login.
func (c *Client) GetSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// GetEncryptedSessionID seals the session id under key for forwarding
// across an untrusted wire.
func (c *Client) GetEncryptedSessionID(key uint32) (string, error) {
	return EncryptSessionID(c.GetSessionID(), key)
}

// AuthenticateSession asks the locator which account owns a session id;
// key != 0 marks the id as sealed with GetEncryptedSessionID.
func (c *Client) AuthenticateSession(sessionID string, key uint32) (DirectoryEntry, error) {
	return call[authenticateSessionRequest, DirectoryEntry](c,
		authenticateSessionService,
		authenticateSessionRequest{SessionID: sessionID, Key: key})
}

// Locate returns every service registered under name.
func (c *Client) Locate(name string) ([]ServiceEntry, error) {
	return call[locateRequest, []ServiceEntry](c, locateService, locateRequest{Name: name})
}

// Register inserts a service entry tied to this session; it is removed
// again on Unregister or when the session closes.
func (c *Client) Register(name string, properties map[string]any) (ServiceEntry, error) {
	return call[registerRequest, ServiceEntry](c, registerService,
		registerRequest{Name: name, Properties: properties})
}

// Unregister removes a service entry registered by this session.
func (c *Client) Unregister(service ServiceEntry) error {
	_, err := call[unregisterRequest, emptyResponse](c, unregisterService,
		unregisterRequest{Service: service})
	return err
}

// LoadAllAccounts returns every account the session may read.
func (c *Client) LoadAllAccounts() ([]DirectoryEntry, error) {
	return call[emptyRequest, []DirectoryEntry](c, loadAllAccountsService, emptyRequest{})
}

// FindAccount resolves an account by name.
func (c *Client) FindAccount(name string) (DirectoryEntry, bool, error) {
	resp, err := call[findAccountRequest, findAccountResponse](c, findAccountService,
		findAccountRequest{Name: name})
	if err != nil {
		return DirectoryEntry{}, false, err
	}
	return resp.Account, resp.Found, nil
}

// MakeAccount creates an account under parent.
func (c *Client) MakeAccount(name, password string, parent DirectoryEntry) (DirectoryEntry, error) {
	return call[makeAccountRequest, DirectoryEntry](c, makeAccountService,
		makeAccountRequest{Name: name, Password: password, Parent: parent})
}

// MakeDirectory creates a directory under parent.
func (c *Client) MakeDirectory(name string, parent DirectoryEntry) (DirectoryEntry, error) {
	return call[makeDirectoryRequest, DirectoryEntry](c, makeDirectoryService,
		makeDirectoryRequest{Name: name, Parent: parent})
}

// StorePassword replaces an account's password.
func (c *Client) StorePassword(account DirectoryEntry, password string) error {
	_, err := call[storePasswordRequest, emptyResponse](c, storePasswordService,
		storePasswordRequest{Account: account, Password: password})
	return err
}

// LoadDirectoryEntry resolves a slash-separated path from root.
func (c *Client) LoadDirectoryEntry(root DirectoryEntry, path string) (DirectoryEntry, error) {
	return call[loadPathRequest, DirectoryEntry](c, loadPathService,
		loadPathRequest{Root: root, Path: path})
}

// LoadDirectoryEntryByID resolves an entry by id.
func (c *Client) LoadDirectoryEntryByID(id uint32) (DirectoryEntry, error) {
	return call[loadEntryRequest, DirectoryEntry](c, loadEntryService,
		loadEntryRequest{ID: id})
}

// LoadParents returns the entry's parents.
func (c *Client) LoadParents(entry DirectoryEntry) ([]DirectoryEntry, error) {
	return call[entryRequest, []DirectoryEntry](c, loadParentsService, entryRequest{Entry: entry})
}

// LoadChildren returns the entry's children.
func (c *Client) LoadChildren(entry DirectoryEntry) ([]DirectoryEntry, error) {
	return call[entryRequest, []DirectoryEntry](c, loadChildrenService, entryRequest{Entry: entry})
}

// Delete removes the entry, detaching it everywhere.
func (c *Client) Delete(entry DirectoryEntry) error {
	_, err := call[entryRequest, emptyResponse](c, deleteEntryService, entryRequest{Entry: entry})
	return err
}

// Associate adds a parent-child edge.
func (c *Client) Associate(entry, parent DirectoryEntry) error {
	_, err := call[parentRequest, emptyResponse](c, associateService,
		parentRequest{Entry: entry, Parent: parent})
	return err
}

// Detach removes a parent-child edge.
func (c *Client) Detach(entry, parent DirectoryEntry) error {
	_, err := call[parentRequest, emptyResponse](c, detachService,
		parentRequest{Entry: entry, Parent: parent})
	return err
}

// HasPermissions tests account's effective permissions on target.
func (c *Client) HasPermissions(account, target DirectoryEntry, p Permissions) (bool, error) {
	resp, err := call[permissionsRequest, hasPermissionsResponse](c, hasPermissionsService,
		permissionsRequest{Source: account, Target: target, Permissions: p})
	if err != nil {
		return false, err
	}
	return resp.Granted, nil
}

// StorePermissions grants permissions on target to source.
func (c *Client) StorePermissions(source, target DirectoryEntry, p Permissions) error {
	_, err := call[permissionsRequest, emptyResponse](c, storePermissionsService,
		permissionsRequest{Source: source, Target: target, Permissions: p})
	return err
}

// LoadRegistrationTime returns when the account was created.
func (c *Client) LoadRegistrationTime(account DirectoryEntry) (time.Time, error) {
	resp, err := call[entryRequest, timeResponse](c, loadRegistrationTimeService,
		entryRequest{Entry: account})
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(resp.UnixSeconds, 0).UTC(), nil
}

// LoadLastLoginTime returns the account's most recent login.
func (c *Client) LoadLastLoginTime(account DirectoryEntry) (time.Time, error) {
	resp, err := call[entryRequest, timeResponse](c, loadLastLoginTimeService,
		entryRequest{Entry: account})
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(resp.UnixSeconds, 0).UTC(), nil
}

// Rename changes an entry's name.
func (c *Client) Rename(entry DirectoryEntry, name string) (DirectoryEntry, error) {
	return call[renameRequest, DirectoryEntry](c, renameService,
		renameRequest{Entry: entry, Name: name})
}

// MonitorAccounts subscribes w to account updates. The current account
// set arrives first as Added events, then deltas stream in push order.
// A second subscription shares the upstream stream and receives only
// the live-set snapshot; duplicates are filtered by (entry, type)
// against that set.
func (c *Client) MonitorAccounts(w queues.Writer[AccountUpdate]) error {
	c.monitorMu.Lock()
	defer c.monitorMu.Unlock()
	if !c.subscribed {
		protocol, err := c.currentProtocol()
		if err != nil {
			return err
		}
		snapshot, err := services.Call[emptyRequest, []DirectoryEntry](
			protocol, monitorAccountsService, emptyRequest{})
		if err != nil {
			return err
		}
		c.subscribed = true
		c.live = make(map[uint32]DirectoryEntry, len(snapshot))
		for _, account := range snapshot {
			c.live[account.ID] = account
		}
		c.replayStashed()
	}
	for _, account := range c.liveSorted() {
		if w.Push(AccountUpdate{Entry: account, Type: AccountAdded}) != nil {
			return nil
		}
	}
	c.subscribers = append(c.subscribers, w)
	return nil
}

// liveSorted returns the live set in id order. Must be called with the
// monitor lock held.
func (c *Client) liveSorted() []DirectoryEntry {
	out := make([]DirectoryEntry, 0, len(c.live))
	for _, account := range c.live {
		out = append(out, account)
	}
	slices.SortFunc(out, func(a, b DirectoryEntry) int {
		return int(a.ID) - int(b.ID)
	})
	return out
}

func (c *Client) handleAccountUpdate(update AccountUpdate) {
	c.monitorMu.Lock()
	defer c.monitorMu.Unlock()
	if !c.subscribed {
		// The snapshot response has not landed yet; replayed after it.
		c.stashed = append(c.stashed, update)
		return
	}
	c.applyUpdate(update)
}

// replayStashed must be called with the monitor lock held.
func (c *Client) replayStashed() {
	stashed := c.stashed
	c.stashed = nil
	for _, update := range stashed {
		c.applyUpdate(update)
	}
}

// applyUpdate dedups an update against the live set and fans it out.
// Must be called with the monitor lock held.
func (c *Client) applyUpdate(update AccountUpdate) {
	switch update.Type {
	case AccountAdded:
		if _, known := c.live[update.Entry.ID]; known {
			return
		}
		c.live[update.Entry.ID] = update.Entry
	case AccountDeleted:
		if _, known := c.live[update.Entry.ID]; !known {
			return
		}
		delete(c.live, update.Entry.ID)
	}
	liveSubs := c.subscribers[:0]
	for _, sub := range c.subscribers {
		if sub.Push(update) == nil {
			liveSubs = append(liveSubs, sub)
		}
	}
	clear(c.subscribers[len(liveSubs):])
	c.subscribers = liveSubs
	if len(c.subscribers) == 0 {
		c.unmonitor()
	}
}

// unmonitor tells the server the last local subscriber is gone. Must be
// called with the monitor lock held.
func (c *Client) unmonitor() {
	c.subscribed = false
	c.live = nil
	protocol, err := c.currentProtocol()
	if err != nil {
		return
	}
	routines.Spawn(func() {
		_, err := services.Call[emptyRequest, emptyResponse](
			protocol, unmonitorAccountsService, emptyRequest{})
		if err != nil {
			c.logger.Debug("unmonitor request failed", "error", err)
		}
	})
}

// resubscribeMonitors replays the MonitorAccounts subscription on a
// fresh channel, reconciling the new snapshot against the live set so
// subscribers see exactly the deltas that happened while disconnected.
func (c *Client) resubscribeMonitors(protocol *services.ProtocolClient) error {
	c.monitorMu.Lock()
	defer c.monitorMu.Unlock()
	if !c.subscribed {
		return nil
	}
	snapshot, err := services.Call[emptyRequest, []DirectoryEntry](
		protocol, monitorAccountsService, emptyRequest{})
	if err != nil {
		return fmt.Errorf("servicelocator: resubscribing account monitor: %w", err)
	}
	inSnapshot := make(map[uint32]DirectoryEntry, len(snapshot))
	for _, account := range snapshot {
		inSnapshot[account.ID] = account
	}
	for _, account := range snapshot {
		c.applyUpdate(AccountUpdate{Entry: account, Type: AccountAdded})
	}
	for _, account := range c.liveSorted() {
		if _, still := inSnapshot[account.ID]; !still {
			c.applyUpdate(AccountUpdate{Entry: account, Type: AccountDeleted})
		}
	}
	c.replayStashed()
	return nil
}

// LoadOrCreateDirectory loads a directory under parent, creating it
// when missing.
func LoadOrCreateDirectory(client Locator, name string, parent DirectoryEntry) (DirectoryEntry, error) {
	entry, err := client.LoadDirectoryEntry(parent, name)
	if err == nil {
		return entry, nil
	}
	if !services.IsServiceRequest(err) {
		return DirectoryEntry{}, err
	}
	return client.MakeDirectory(name, parent)
}

// LocateServiceAddresses resolves a service name to the address list a
// randomly chosen matching entry advertises in its "addresses"
// property.
func LocateServiceAddresses(client Locator, serviceName string) ([]network.IpAddress, error) {
	entries, err := client.Locate(serviceName)
	if err != nil || len(entries) == 0 {
		return nil, fmt.Errorf("%w: no %s services available",
			network.ErrConnect, serviceName)
	}
	entry := entries[rand.N(len(entries))]
	text, ok := entry.Properties["addresses"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s service advertises no addresses",
			network.ErrConnect, serviceName)
	}
	addresses, err := network.ParseIpAddressList(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", network.ErrConnect, err)
	}
	return addresses, nil
}
