package servicelocator

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/beamworks/beam/services"
)

// sessionState is the per-channel state the servlet attaches to every
// accepted client.
type sessionState struct {
	mu            sync.Mutex
	authenticated bool
	account       DirectoryEntry
	sessionID     string
	monitoring    bool
	services      []int32
}

func (st *sessionState) snapshot() (authenticated bool, account DirectoryEntry, monitoring bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.authenticated, st.account, st.monitoring
}

// Servlet binds the locator's operations into a ProtocolServer. All
// store mutations run inside the store's transaction, and account
// update broadcasts happen inside that same transaction, so a
// subscriber never observes a state the store has not committed.
type Servlet struct {
	store  DataStore
	logger *slog.Logger

	mu           sync.Mutex
	clients      map[*services.ProtocolClient]*sessionState
	sessionsByID map[string]*sessionState

	registry       map[int32]ServiceEntry
	registryByName map[string][]int32
	nextServiceID  int32
}

// ServletOption configures a Servlet.
type ServletOption func(*Servlet)

// WithServletLogger sets the servlet's logger.
func WithServletLogger(logger *slog.Logger) ServletOption {
	return func(s *Servlet) {
		s.logger = logger
	}
}

// NewServlet builds a servlet over the given store.
func NewServlet(store DataStore, opts ...ServletOption) *Servlet {
	s := &Servlet{
		store:          store,
		logger:         slog.Default(),
		clients:        make(map[*services.ProtocolClient]*sessionState),
		sessionsByID:   make(map[string]*sessionState),
		registry:       make(map[int32]ServiceEntry),
		registryByName: make(map[string][]int32),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BootstrapAccount ensures an account with full permissions on the root
// exists, creating it under the root when missing. Deployables use it
// to seed their admin account.
func (s *Servlet) BootstrapAccount(name, password string) (DirectoryEntry, error) {
	var account DirectoryEntry
	err := s.store.WithTransaction(func() error {
		existing, found, err := s.store.FindAccount(name)
		if err != nil {
			return err
		}
		if found {
			account = existing
			return nil
		}
		hash, err := HashPassword(password)
		if err != nil {
			return err
		}
		account, err = s.store.MakeAccount(name, hash, time.Now().UTC())
		if err != nil {
			return err
		}
		if err := s.store.Associate(account, StarDirectory()); err != nil {
			return err
		}
		return s.store.SetPermissions(account, StarDirectory(), PermissionAll)
	})
	return account, err
}

// Register installs every locator slot.
func (s *Servlet) Register(slots *services.SlotRegistry) {
	services.AddRequestSlot(slots, loginService, s.login)
	services.AddRequestSlot(slots, authenticateSessionService, s.authenticateSession)
	services.AddRequestSlot(slots, locateService, s.locate)
	services.AddRequestSlot(slots, registerService, s.register)
	services.AddRequestSlot(slots, unregisterService, s.unregister)
	services.AddRequestSlot(slots, loadAllAccountsService, s.loadAllAccounts)
	services.AddRequestSlot(slots, findAccountService, s.findAccount)
	services.AddRequestSlot(slots, makeAccountService, s.makeAccount)
	services.AddRequestSlot(slots, makeDirectoryService, s.makeDirectory)
	services.AddRequestSlot(slots, storePasswordService, s.storePassword)
	services.AddRequestSlot(slots, monitorAccountsService, s.monitorAccounts)
	services.AddRequestSlot(slots, unmonitorAccountsService, s.unmonitorAccounts)
	services.AddRequestSlot(slots, loadPathService, s.loadPath)
	services.AddRequestSlot(slots, loadEntryService, s.loadEntry)
	services.AddRequestSlot(slots, loadParentsService, s.loadParents)
	services.AddRequestSlot(slots, loadChildrenService, s.loadChildren)
	services.AddRequestSlot(slots, deleteEntryService, s.deleteEntry)
	services.AddRequestSlot(slots, associateService, s.associate)
	services.AddRequestSlot(slots, detachService, s.detach)
	services.AddRequestSlot(slots, hasPermissionsService, s.hasPermissions)
	services.AddRequestSlot(slots, storePermissionsService, s.storePermissions)
	services.AddRequestSlot(slots, loadRegistrationTimeService, s.loadRegistrationTime)
	services.AddRequestSlot(slots, loadLastLoginTimeService, s.loadLastLoginTime)
	services.AddRequestSlot(slots, renameService, s.rename)
}

// HandleClientAccepted attaches fresh session state.
func (s *Servlet) HandleClientAccepted(c *services.ProtocolClient) {
	st := &sessionState{}
	c.SetSession(st)
	s.mu.Lock()
	s.clients[c] = st
	s.mu.Unlock()
}

// HandleClientClosed drops the session, unregistering its services.
func (s *Servlet) HandleClientClosed(c *services.ProtocolClient) {
	s.mu.Lock()
	st, ok := s.clients[c]
	delete(s.clients, c)
	if !ok {
		s.mu.Unlock()
		return
	}
	st.mu.Lock()
	sessionID := st.sessionID
	serviceIDs := st.services
	st.services = nil
	st.monitoring = false
	st.mu.Unlock()
	if sessionID != "" {
		delete(s.sessionsByID, sessionID)
	}
	for _, id := range serviceIDs {
		s.dropService(id)
	}
	s.mu.Unlock()
}

// Close releases servlet resources.
func (s *Servlet) Close() {
	s.store.Close()
}

// dropService must be called with the servlet lock held.
func (s *Servlet) dropService(id int32) {
	entry, ok := s.registry[id]
	if !ok {
		return
	}
	delete(s.registry, id)
	ids := s.registryByName[entry.Name]
	ids = slices.DeleteFunc(ids, func(v int32) bool { return v == id })
	if len(ids) == 0 {
		delete(s.registryByName, entry.Name)
	} else {
		s.registryByName[entry.Name] = ids
	}
}

func (s *Servlet) session(c *services.ProtocolClient) *sessionState {
	st, _ := c.Session().(*sessionState)
	return st
}

var errNotLoggedIn = services.NewServiceRequestError("not logged in")
var errPermissionDenied = services.NewServiceRequestError("insufficient permissions")

func (s *Servlet) authenticated(c *services.ProtocolClient) (*sessionState, DirectoryEntry, error) {
	st := s.session(c)
	if st == nil {
		return nil, DirectoryEntry{}, errNotLoggedIn
	}
	ok, account, _ := st.snapshot()
	if !ok {
		return nil, DirectoryEntry{}, errNotLoggedIn
	}
	return st, account, nil
}

// ancestry returns entry plus its transitive parents.
func (s *Servlet) ancestry(entry DirectoryEntry) ([]DirectoryEntry, error) {
	out := []DirectoryEntry{entry}
	seen := map[uint32]bool{entry.ID: true}
	for i := 0; i < len(out); i++ {
		parents, err := s.store.LoadParents(out[i])
		if err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				continue
			}
			return nil, err
		}
		for _, parent := range parents {
			if !seen[parent.ID] {
				seen[parent.ID] = true
				out = append(out, parent)
			}
		}
	}
	return out, nil
}

// grantedPermissions folds the permission matrix over the account's
// ancestry and the target's chain: a grant to any group containing the
// account, on the target or any of its ancestors, applies.
func (s *Servlet) grantedPermissions(account, target DirectoryEntry) (Permissions, error) {
	sources, err := s.ancestry(account)
	if err != nil {
		return PermissionNone, err
	}
	targets, err := s.ancestry(target)
	if err != nil {
		return PermissionNone, err
	}
	var granted Permissions
	for _, source := range sources {
		for _, tgt := range targets {
			p, err := s.store.LoadPermissions(source, tgt)
			if err != nil {
				return PermissionNone, err
			}
			granted |= p
		}
	}
	return granted, nil
}

func (s *Servlet) requirePermissions(account, target DirectoryEntry, p Permissions) error {
	granted, err := s.grantedPermissions(account, target)
	if err != nil {
		return err
	}
	if !granted.Has(p) {
		return errPermissionDenied
	}
	return nil
}

func (s *Servlet) login(c *services.ProtocolClient, req loginRequest) (loginResponse, error) {
	st := s.session(c)
	if st == nil {
		return loginResponse{}, errNotLoggedIn
	}
	st.mu.Lock()
	alreadyAuthenticated := st.authenticated
	st.mu.Unlock()
	if alreadyAuthenticated {
		return loginResponse{}, services.NewServiceRequestError("session already authenticated")
	}
	var resp loginResponse
	err := s.store.WithTransaction(func() error {
		account, found, err := s.store.FindAccount(req.Username)
		if err != nil {
			return err
		}
		if !found {
			return services.NewServiceRequestError("invalid credentials")
		}
		hash, err := s.store.LoadPassword(account)
		if err != nil {
			return err
		}
		if !VerifyPassword(req.Password, hash) {
			return services.NewServiceRequestError("invalid credentials")
		}
		sessionID, err := GenerateSessionID()
		if err != nil {
			return err
		}
		if err := s.store.StoreLastLoginTime(account, time.Now().UTC()); err != nil {
			return err
		}
		st.mu.Lock()
		st.authenticated = true
		st.account = account
		st.sessionID = sessionID
		st.mu.Unlock()
		s.mu.Lock()
		s.sessionsByID[sessionID] = st
		s.mu.Unlock()
		resp = loginResponse{Account: account, SessionID: sessionID}
		return nil
	})
	if err != nil {
		return loginResponse{}, err
	}
	metrics.IncrCounter(MetricLocatorLoginCount, 1)
	s.logger.Info("account logged in", "account", resp.Account)
	return resp, nil
}

func (s *Servlet) authenticateSession(c *services.ProtocolClient, req authenticateSessionRequest) (DirectoryEntry, error) {
	if _, _, err := s.authenticated(c); err != nil {
		return DirectoryEntry{}, err
	}
	sessionID := req.SessionID
	if req.Key != 0 {
		decrypted, err := DecryptSessionID(sessionID, req.Key)
		if err != nil {
			return DirectoryEntry{}, services.NewServiceRequestError("invalid session id")
		}
		sessionID = decrypted
	}
	s.mu.Lock()
	st, ok := s.sessionsByID[sessionID]
	s.mu.Unlock()
	if !ok {
		return DirectoryEntry{}, services.NewServiceRequestError("invalid session id")
	}
	_, account, _ := st.snapshot()
	return account, nil
}

func (s *Servlet) locate(c *services.ProtocolClient, req locateRequest) ([]ServiceEntry, error) {
	if _, _, err := s.authenticated(c); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.registryByName[req.Name]
	out := make([]ServiceEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.registry[id])
	}
	return out, nil
}

func (s *Servlet) register(c *services.ProtocolClient, req registerRequest) (ServiceEntry, error) {
	st, account, err := s.authenticated(c)
	if err != nil {
		return ServiceEntry{}, err
	}
	s.mu.Lock()
	s.nextServiceID++
	entry := ServiceEntry{
		Name:       req.Name,
		ID:         s.nextServiceID,
		Account:    account,
		Properties: req.Properties,
	}
	s.registry[entry.ID] = entry
	s.registryByName[entry.Name] = append(s.registryByName[entry.Name], entry.ID)
	s.mu.Unlock()
	st.mu.Lock()
	st.services = append(st.services, entry.ID)
	st.mu.Unlock()
	return entry, nil
}

func (s *Servlet) unregister(c *services.ProtocolClient, req unregisterRequest) (emptyResponse, error) {
	st, account, err := s.authenticated(c)
	if err != nil {
		return emptyResponse{}, err
	}
	s.mu.Lock()
	entry, ok := s.registry[req.Service.ID]
	if !ok || entry.Account.ID != account.ID {
		s.mu.Unlock()
		return emptyResponse{}, services.NewServiceRequestError("service not registered by this session")
	}
	s.dropService(entry.ID)
	s.mu.Unlock()
	st.mu.Lock()
	st.services = slices.DeleteFunc(st.services, func(v int32) bool { return v == entry.ID })
	st.mu.Unlock()
	return emptyResponse{}, nil
}

func (s *Servlet) loadAllAccounts(c *services.ProtocolClient, _ emptyRequest) ([]DirectoryEntry, error) {
	_, account, err := s.authenticated(c)
	if err != nil {
		return nil, err
	}
	accounts, err := s.store.LoadAllAccounts()
	if err != nil {
		return nil, err
	}
	return s.filterReadable(account, accounts)
}

func (s *Servlet) filterReadable(account DirectoryEntry, entries []DirectoryEntry) ([]DirectoryEntry, error) {
	out := make([]DirectoryEntry, 0, len(entries))
	for _, entry := range entries {
		granted, err := s.grantedPermissions(account, entry)
		if err != nil {
			return nil, err
		}
		if granted.Has(PermissionRead) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *Servlet) findAccount(c *services.ProtocolClient, req findAccountRequest) (findAccountResponse, error) {
	if _, _, err := s.authenticated(c); err != nil {
		return findAccountResponse{}, err
	}
	account, found, err := s.store.FindAccount(req.Name)
	if err != nil {
		return findAccountResponse{}, err
	}
	return findAccountResponse{Found: found, Account: account}, nil
}

func (s *Servlet) makeAccount(c *services.ProtocolClient, req makeAccountRequest) (DirectoryEntry, error) {
	_, caller, err := s.authenticated(c)
	if err != nil {
		return DirectoryEntry{}, err
	}
	if err := s.requirePermissions(caller, req.Parent, PermissionAdministrate); err != nil {
		return DirectoryEntry{}, err
	}
	hash, err := HashPassword(req.Password)
	if err != nil {
		return DirectoryEntry{}, err
	}
	var account DirectoryEntry
	err = s.store.WithTransaction(func() error {
		var err error
		account, err = s.store.MakeAccount(req.Name, hash, time.Now().UTC())
		if err != nil {
			if errors.Is(err, ErrEntryExists) {
				return services.NewServiceRequestError("account %q already exists", req.Name)
			}
			return err
		}
		if err := s.store.Associate(account, req.Parent); err != nil {
			return err
		}
		s.broadcast(AccountUpdate{Entry: account, Type: AccountAdded})
		return nil
	})
	if err != nil {
		return DirectoryEntry{}, err
	}
	return account, nil
}

func (s *Servlet) makeDirectory(c *services.ProtocolClient, req makeDirectoryRequest) (DirectoryEntry, error) {
	_, caller, err := s.authenticated(c)
	if err != nil {
		return DirectoryEntry{}, err
	}
	if err := s.requirePermissions(caller, req.Parent, PermissionAdministrate); err != nil {
		return DirectoryEntry{}, err
	}
	var dir DirectoryEntry
	err = s.store.WithTransaction(func() error {
		var err error
		dir, err = s.store.MakeDirectory(req.Name)
		if err != nil {
			return err
		}
		return s.store.Associate(dir, req.Parent)
	})
	if err != nil {
		return DirectoryEntry{}, err
	}
	return dir, nil
}

func (s *Servlet) storePassword(c *services.ProtocolClient, req storePasswordRequest) (emptyResponse, error) {
	_, caller, err := s.authenticated(c)
	if err != nil {
		return emptyResponse{}, err
	}
	if caller.ID != req.Account.ID {
		if err := s.requirePermissions(caller, req.Account, PermissionAdministrate); err != nil {
			return emptyResponse{}, err
		}
	}
	hash, err := HashPassword(req.Password)
	if err != nil {
		return emptyResponse{}, err
	}
	err = s.store.WithTransaction(func() error {
		return s.store.SetPassword(req.Account, hash)
	})
	if err != nil {
		if errors.Is(err, ErrNotAnAccount) || errors.Is(err, ErrEntryNotFound) {
			return emptyResponse{}, services.NewServiceRequestError("not an account")
		}
		return emptyResponse{}, err
	}
	return emptyResponse{}, nil
}

func (s *Servlet) monitorAccounts(c *services.ProtocolClient, _ emptyRequest) ([]DirectoryEntry, error) {
	st, account, err := s.authenticated(c)
	if err != nil {
		return nil, err
	}
	var snapshot []DirectoryEntry
	err = s.store.WithTransaction(func() error {
		accounts, err := s.store.LoadAllAccounts()
		if err != nil {
			return err
		}
		snapshot, err = s.filterReadable(account, accounts)
		if err != nil {
			return err
		}
		st.mu.Lock()
		st.monitoring = true
		st.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *Servlet) unmonitorAccounts(c *services.ProtocolClient, _ emptyRequest) (emptyResponse, error) {
	st, _, err := s.authenticated(c)
	if err != nil {
		return emptyResponse{}, err
	}
	st.mu.Lock()
	st.monitoring = false
	st.mu.Unlock()
	return emptyResponse{}, nil
}

// monitorRecipients returns every monitoring client allowed to read the
// entry. Deletions resolve recipients before the store mutation, while
// the entry's ancestry still exists.
func (s *Servlet) monitorRecipients(entry DirectoryEntry) []*services.ProtocolClient {
	s.mu.Lock()
	targets := make(map[*services.ProtocolClient]*sessionState, len(s.clients))
	for c, st := range s.clients {
		targets[c] = st
	}
	s.mu.Unlock()
	var out []*services.ProtocolClient
	for c, st := range targets {
		authenticated, account, monitoring := st.snapshot()
		if !authenticated || !monitoring {
			continue
		}
		granted, err := s.grantedPermissions(account, entry)
		if err != nil || !granted.Has(PermissionRead) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// deliver pushes an account update to the resolved recipients. Runs
// inside the mutating transaction.
func (s *Servlet) deliver(recipients []*services.ProtocolClient, update AccountUpdate) {
	for _, c := range recipients {
		if err := services.SendMessage(c, accountUpdateMessage, update); err != nil {
			s.logger.Debug("dropping account update for dead client",
				"channel", c.Identifier(), "error", err)
		}
	}
}

// broadcast resolves recipients and delivers in one step, for updates
// whose entry still exists.
func (s *Servlet) broadcast(update AccountUpdate) {
	s.deliver(s.monitorRecipients(update.Entry), update)
}

func (s *Servlet) loadPath(c *services.ProtocolClient, req loadPathRequest) (DirectoryEntry, error) {
	_, caller, err := s.authenticated(c)
	if err != nil {
		return DirectoryEntry{}, err
	}
	entry, err := s.resolvePath(req.Root, req.Path)
	if err != nil {
		return DirectoryEntry{}, err
	}
	if err := s.requirePermissions(caller, entry, PermissionRead); err != nil {
		return DirectoryEntry{}, err
	}
	return entry, nil
}

func (s *Servlet) resolvePath(root DirectoryEntry, path string) (DirectoryEntry, error) {
	current, err := s.store.Validate(root)
	if err != nil {
		return DirectoryEntry{}, services.NewServiceRequestError("path not found")
	}
	for _, component := range splitPath(path) {
		children, err := s.store.LoadChildren(current)
		if err != nil {
			return DirectoryEntry{}, services.NewServiceRequestError("path not found")
		}
		index := slices.IndexFunc(children, func(child DirectoryEntry) bool {
			return child.Name == component
		})
		if index < 0 {
			return DirectoryEntry{}, services.NewServiceRequestError("path not found")
		}
		current = children[index]
	}
	return current, nil
}

func splitPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i != len(path) && path[i] != '/' {
			continue
		}
		if component := path[start:i]; component != "" {
			out = append(out, component)
		}
		start = i + 1
	}
	return out
}

func (s *Servlet) loadEntry(c *services.ProtocolClient, req loadEntryRequest) (DirectoryEntry, error) {
	_, caller, err := s.authenticated(c)
	if err != nil {
		return DirectoryEntry{}, err
	}
	entry, err := s.store.LoadDirectoryEntry(req.ID)
	if err != nil {
		return DirectoryEntry{}, services.NewServiceRequestError("no such entry")
	}
	if err := s.requirePermissions(caller, entry, PermissionRead); err != nil {
		return DirectoryEntry{}, err
	}
	return entry, nil
}

func (s *Servlet) loadParents(c *services.ProtocolClient, req entryRequest) ([]DirectoryEntry, error) {
	_, caller, err := s.authenticated(c)
	if err != nil {
		return nil, err
	}
	if err := s.requirePermissions(caller, req.Entry, PermissionRead); err != nil {
		return nil, err
	}
	parents, err := s.store.LoadParents(req.Entry)
	if err != nil {
		return nil, services.NewServiceRequestError("no such entry")
	}
	return parents, nil
}

func (s *Servlet) loadChildren(c *services.ProtocolClient, req entryRequest) ([]DirectoryEntry, error) {
	_, caller, err := s.authenticated(c)
	if err != nil {
		return nil, err
	}
	if err := s.requirePermissions(caller, req.Entry, PermissionRead); err != nil {
		return nil, err
	}
	children, err := s.store.LoadChildren(req.Entry)
	if err != nil {
		return nil, services.NewServiceRequestError("no such entry")
	}
	return children, nil
}

func (s *Servlet) deleteEntry(c *services.ProtocolClient, req entryRequest) (emptyResponse, error) {
	_, caller, err := s.authenticated(c)
	if err != nil {
		return emptyResponse{}, err
	}
	if err := s.requirePermissions(caller, req.Entry, PermissionAdministrate); err != nil {
		return emptyResponse{}, err
	}
	err = s.store.WithTransaction(func() error {
		entry, err := s.store.Validate(req.Entry)
		if err != nil {
			return services.NewServiceRequestError("no such entry")
		}
		var recipients []*services.ProtocolClient
		if entry.Type == EntryAccount {
			recipients = s.monitorRecipients(entry)
		}
		if err := s.store.Delete(entry); err != nil {
			return err
		}
		s.deliver(recipients, AccountUpdate{Entry: entry, Type: AccountDeleted})
		return nil
	})
	if err != nil {
		return emptyResponse{}, err
	}
	return emptyResponse{}, nil
}

func (s *Servlet) associate(c *services.ProtocolClient, req parentRequest) (emptyResponse, error) {
	_, caller, err := s.authenticated(c)
	if err != nil {
		return emptyResponse{}, err
	}
	if err := s.requirePermissions(caller, req.Parent, PermissionAdministrate); err != nil {
		return emptyResponse{}, err
	}
	err = s.store.WithTransaction(func() error {
		if err := s.checkNoCycle(req.Entry, req.Parent); err != nil {
			return err
		}
		return s.store.Associate(req.Entry, req.Parent)
	})
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return emptyResponse{}, services.NewServiceRequestError("no such entry")
		}
		return emptyResponse{}, err
	}
	return emptyResponse{}, nil
}

// checkNoCycle rejects an edge that would make parent reachable from
// itself through entry.
func (s *Servlet) checkNoCycle(entry, parent DirectoryEntry) error {
	if entry.ID == parent.ID {
		return services.NewServiceRequestError("association would create a cycle")
	}
	frontier := []DirectoryEntry{entry}
	seen := map[uint32]bool{entry.ID: true}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		children, err := s.store.LoadChildren(current)
		if err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				continue
			}
			return err
		}
		for _, child := range children {
			if child.ID == parent.ID {
				return services.NewServiceRequestError("association would create a cycle")
			}
			if !seen[child.ID] {
				seen[child.ID] = true
				frontier = append(frontier, child)
			}
		}
	}
	return nil
}

func (s *Servlet) detach(c *services.ProtocolClient, req parentRequest) (emptyResponse, error) {
	_, caller, err := s.authenticated(c)
	if err != nil {
		return emptyResponse{}, err
	}
	if err := s.requirePermissions(caller, req.Parent, PermissionAdministrate); err != nil {
		return emptyResponse{}, err
	}
	err = s.store.WithTransaction(func() error {
		return s.store.Detach(req.Entry, req.Parent)
	})
	if err != nil {
		return emptyResponse{}, err
	}
	return emptyResponse{}, nil
}

func (s *Servlet) hasPermissions(c *services.ProtocolClient, req permissionsRequest) (hasPermissionsResponse, error) {
	_, caller, err := s.authenticated(c)
	if err != nil {
		return hasPermissionsResponse{}, err
	}
	if caller.ID != req.Source.ID {
		if err := s.requirePermissions(caller, req.Target, PermissionAdministrate); err != nil {
			return hasPermissionsResponse{}, err
		}
	}
	granted, err := s.grantedPermissions(req.Source, req.Target)
	if err != nil {
		return hasPermissionsResponse{}, err
	}
	return hasPermissionsResponse{Granted: granted.Has(req.Permissions)}, nil
}

func (s *Servlet) storePermissions(c *services.ProtocolClient, req permissionsRequest) (emptyResponse, error) {
	_, caller, err := s.authenticated(c)
	if err != nil {
		return emptyResponse{}, err
	}
	if err := s.requirePermissions(caller, req.Target, PermissionAdministrate); err != nil {
		return emptyResponse{}, err
	}
	err = s.store.WithTransaction(func() error {
		return s.store.SetPermissions(req.Source, req.Target, req.Permissions)
	})
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return emptyResponse{}, services.NewServiceRequestError("no such entry")
		}
		return emptyResponse{}, err
	}
	return emptyResponse{}, nil
}

func (s *Servlet) loadRegistrationTime(c *services.ProtocolClient, req entryRequest) (timeResponse, error) {
	_, caller, err := s.authenticated(c)
	if err != nil {
		return timeResponse{}, err
	}
	if err := s.requirePermissions(caller, req.Entry, PermissionRead); err != nil {
		return timeResponse{}, err
	}
	at, err := s.store.LoadRegistrationTime(req.Entry)
	if err != nil {
		return timeResponse{}, services.NewServiceRequestError("no such account")
	}
	return timeResponse{UnixSeconds: at.Unix()}, nil
}

func (s *Servlet) loadLastLoginTime(c *services.ProtocolClient, req entryRequest) (timeResponse, error) {
	_, caller, err := s.authenticated(c)
	if err != nil {
		return timeResponse{}, err
	}
	if err := s.requirePermissions(caller, req.Entry, PermissionRead); err != nil {
		return timeResponse{}, err
	}
	at, err := s.store.LoadLastLoginTime(req.Entry)
	if err != nil {
		return timeResponse{}, services.NewServiceRequestError("no such account")
	}
	return timeResponse{UnixSeconds: at.Unix()}, nil
}

func (s *Servlet) rename(c *services.ProtocolClient, req renameRequest) (DirectoryEntry, error) {
	_, caller, err := s.authenticated(c)
	if err != nil {
		return DirectoryEntry{}, err
	}
	if err := s.requirePermissions(caller, req.Entry, PermissionAdministrate); err != nil {
		return DirectoryEntry{}, err
	}
	var renamed DirectoryEntry
	err = s.store.WithTransaction(func() error {
		var err error
		renamed, err = s.store.Rename(req.Entry, req.Name)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return DirectoryEntry{}, services.NewServiceRequestError("no such entry")
		}
		return DirectoryEntry{}, err
	}
	return renamed, nil
}
