package group

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/pkg/accountws"
	"github.com/fleetlink/fleetlink/pkg/config"
	"github.com/fleetlink/fleetlink/pkg/console"
	"github.com/fleetlink/fleetlink/pkg/rest"
	"github.com/fleetlink/fleetlink/pkg/server"
)

// consolePermission gates console connections.
const consolePermission = "Console"

// groupChannels are the account-socket events a group subscribes to,
// keyed by its group id.
var groupChannels = []string{
	"group-update",
	"group-member-update",
	"group-server-status",
	"group-server-heartbeat",
	"group-server-create",
	"group-server-delete",
}

// Router routes account-socket subscriptions.
type Router interface {
	Subscribe(ctx context.Context, event, key string, handler accountws.EventHandler) error
	Unsubscribe(ctx context.Context, event, key string) error
}

// Gateway is the REST surface the group manager needs.
type Gateway interface {
	server.Gateway
	GetGroupInfo(ctx context.Context, groupID int64) (*rest.Group, error)
}

// Manager tracks one group: its roles and own permissions, and a server
// manager per game server, reconciled from streamed group events.
type Manager struct {
	id      int64
	cfg     *config.Config
	router  Router
	gateway Gateway
	clock   clockwork.Clock
	logger  zerolog.Logger

	onConnect   func(*console.Connection)
	onServerAdd func(*server.Manager)

	mu          sync.Mutex
	name        string
	description string
	roles       []rest.Role
	member      rest.Member
	permissions map[string]struct{}
	servers     map[int64]*server.Manager
	initialised bool
	disposed    bool
}

// Options configure a group manager.
type Options struct {
	Group   *rest.Group
	Member  rest.Member
	Config  *config.Config
	Router  Router
	Gateway Gateway
	Clock   clockwork.Clock
	Logger  zerolog.Logger

	// OnConnect fires when any of the group's server consoles opens.
	OnConnect func(*console.Connection)
	// OnServerAdd fires when a server manager is added to the group.
	OnServerAdd func(*server.Manager)
}

// NewManager creates a group manager and a server manager for each server
// in the initial descriptor. It warns when the member's role lacks console
// permission.
func NewManager(opts Options) *Manager {
	g := &Manager{
		id:          opts.Group.ID,
		cfg:         opts.Config,
		router:      opts.Router,
		gateway:     opts.Gateway,
		clock:       opts.Clock,
		logger:      opts.Logger.With().Int64("group_id", opts.Group.ID).Logger(),
		onConnect:   opts.OnConnect,
		onServerAdd: opts.OnServerAdd,
		name:        opts.Group.Name,
		description: opts.Group.Description,
		roles:       opts.Group.Roles,
		member:      opts.Member,
		servers:     make(map[int64]*server.Manager),
	}
	g.permissions = permissionsForRole(g.roles, g.member.RoleID)
	if !g.hasPermission(consolePermission) {
		g.logger.Warn().
			Int64("role_id", g.member.RoleID).
			Msg("member role lacks console permission, server consoles will not be opened")
	}
	for _, s := range opts.Group.Servers {
		g.addServer(s.ID, s.Name, "")
	}
	return g
}

// ID returns the group id.
func (g *Manager) ID() int64 { return g.id }

// Name returns the last known group name.
func (g *Manager) Name() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.name
}

// Server returns the managed server with the given id, or nil.
func (g *Manager) Server(serverID int64) *server.Manager {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.servers[serverID]
}

// Servers returns a snapshot of the group's server managers.
func (g *Manager) Servers() []*server.Manager {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*server.Manager, 0, len(g.servers))
	for _, s := range g.servers {
		out = append(out, s)
	}
	return out
}

// Init subscribes the group to its six event channels. Without Init the
// group is inert.
func (g *Manager) Init(ctx context.Context) error {
	g.mu.Lock()
	if g.initialised || g.disposed {
		g.mu.Unlock()
		return nil
	}
	g.initialised = true
	g.mu.Unlock()

	key := strconv.FormatInt(g.id, 10)
	handlers := map[string]accountws.EventHandler{
		"group-update":           g.handleGroupUpdate,
		"group-member-update":    g.handleMemberUpdate,
		"group-server-status":    g.handleServerStatus,
		"group-server-heartbeat": g.handleHeartbeat,
		"group-server-create":    g.handleServerCreate,
		"group-server-delete":    g.handleServerDelete,
	}
	for _, event := range groupChannels {
		if err := g.router.Subscribe(ctx, event, key, handlers[event]); err != nil {
			g.teardownSubscriptions(ctx)
			return fmt.Errorf("failed to subscribe group %d to %s: %w", g.id, event, err)
		}
	}
	g.logger.Info().Str("name", g.Name()).Msg("group initialised")
	return nil
}

// handleGroupUpdate refreshes the descriptor. Permissions are deliberately
// left alone here; they refresh on member updates instead, so a stale
// role list in a bulk group update cannot revoke console access.
func (g *Manager) handleGroupUpdate(content json.RawMessage) {
	var upd rest.Group
	if err := json.Unmarshal(content, &upd); err != nil {
		g.logger.Warn().Err(err).Msg("dropping malformed group update")
		return
	}

	g.mu.Lock()
	if upd.Name != "" {
		g.name = upd.Name
	}
	g.description = upd.Description
	if len(upd.Roles) > 0 {
		g.roles = upd.Roles
	}
	g.mu.Unlock()
}

// handleMemberUpdate refreshes permissions when our own membership
// changes. Other members' updates are ignored.
func (g *Manager) handleMemberUpdate(content json.RawMessage) {
	var upd rest.Member
	if err := json.Unmarshal(content, &upd); err != nil {
		g.logger.Warn().Err(err).Msg("dropping malformed member update")
		return
	}

	g.mu.Lock()
	self := g.member.UserID
	g.mu.Unlock()
	if upd.UserID != self {
		return
	}

	info, err := g.gateway.GetGroupInfo(context.Background(), g.id)
	if err != nil {
		g.logger.Error().Err(err).Msg("failed to refresh group info after member update")
		return
	}

	g.mu.Lock()
	g.member = upd
	g.name = info.Name
	g.description = info.Description
	g.roles = info.Roles
	g.permissions = permissionsForRole(g.roles, upd.RoleID)
	hasConsole := g.hasPermissionLocked(consolePermission)
	g.mu.Unlock()

	g.logger.Info().
		Int64("role_id", upd.RoleID).
		Bool("console", hasConsole).
		Msg("own membership updated, permissions refreshed")
}

func (g *Manager) handleServerStatus(content json.RawMessage) {
	status, ok := g.decodeStatus(content)
	if !ok {
		return
	}
	g.manageServerConnection(status)
}

// handleHeartbeat restarts the per-server liveness watchdog and then
// reconciles the console connection.
func (g *Manager) handleHeartbeat(content json.RawMessage) {
	status, ok := g.decodeStatus(content)
	if !ok {
		return
	}

	if status.IsOnline {
		srv := g.ensureServer(status)
		srv.ResetHeartbeat()
	}
	g.manageServerConnection(status)
}

// handleServerCreate adds a server manager for a freshly created server.
// The platform has never been observed to emit this in production, hence
// the loud log.
func (g *Manager) handleServerCreate(content json.RawMessage) {
	status, ok := g.decodeStatus(content)
	if !ok {
		return
	}
	g.logger.Warn().Int64("server_id", status.ID).Msg("received unvalidated group-server-create event")
	g.ensureServer(status)
}

func (g *Manager) handleServerDelete(content json.RawMessage) {
	status, ok := g.decodeStatus(content)
	if !ok {
		return
	}
	g.logger.Warn().Int64("server_id", status.ID).Msg("received unvalidated group-server-delete event")

	g.mu.Lock()
	srv := g.servers[status.ID]
	delete(g.servers, status.ID)
	g.mu.Unlock()
	if srv != nil {
		srv.Dispose()
	}
}

// manageServerConnection reconciles one server's console against its
// latest status.
func (g *Manager) manageServerConnection(status *rest.ServerStatus) {
	srv := g.ensureServer(status)

	fleet := status.Fleet
	if fleet == "" {
		fleet = srv.Fleet()
	}
	mayConnect := g.hasPermission(consolePermission) && g.fleetSupported(fleet)

	switch {
	case srv.Status() == server.StatusDisconnected && mayConnect && status.IsOnline && len(status.OnlinePlayers) > 0:
		go func() {
			if _, err := srv.Connect(context.Background()); err != nil {
				g.logger.Error().Err(err).Int64("server_id", srv.ID()).Msg("failed to open server console")
			}
		}()
	case srv.Status() != server.StatusDisconnected && (!mayConnect || !status.IsOnline):
		srv.ClearHeartbeat()
		srv.Disconnect()
	}

	srv.Update(status)
}

func (g *Manager) ensureServer(status *rest.ServerStatus) *server.Manager {
	g.mu.Lock()
	srv, ok := g.servers[status.ID]
	g.mu.Unlock()
	if ok {
		return srv
	}
	return g.addServer(status.ID, status.Name, status.Fleet)
}

func (g *Manager) addServer(serverID int64, name, fleet string) *server.Manager {
	srv := server.NewManager(server.Options{
		ID:        serverID,
		Name:      name,
		Fleet:     fleet,
		Gateway:   g.gateway,
		Config:    g.cfg,
		Clock:     g.clock,
		Logger:    g.logger,
		OnConnect: g.onConnect,
	})

	g.mu.Lock()
	if existing, ok := g.servers[serverID]; ok {
		g.mu.Unlock()
		return existing
	}
	g.servers[serverID] = srv
	g.mu.Unlock()

	if g.onServerAdd != nil {
		g.onServerAdd(srv)
	}
	return srv
}

func (g *Manager) decodeStatus(content json.RawMessage) (*rest.ServerStatus, bool) {
	var status rest.ServerStatus
	if err := json.Unmarshal(content, &status); err != nil {
		g.logger.Warn().Err(err).Msg("dropping malformed server status")
		return nil, false
	}
	return &status, true
}

func (g *Manager) fleetSupported(fleet string) bool {
	for _, f := range g.cfg.SupportedServerFleets {
		if f == fleet {
			return true
		}
	}
	return false
}

func (g *Manager) hasPermission(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hasPermissionLocked(name)
}

func (g *Manager) hasPermissionLocked(name string) bool {
	_, ok := g.permissions[name]
	return ok
}

func (g *Manager) teardownSubscriptions(ctx context.Context) {
	key := strconv.FormatInt(g.id, 10)
	for _, event := range groupChannels {
		_ = g.router.Unsubscribe(ctx, event, key)
	}
}

// Dispose unsubscribes the group channels and disposes every server
// manager. Idempotent.
func (g *Manager) Dispose(ctx context.Context) {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return
	}
	g.disposed = true
	wasInitialised := g.initialised
	servers := make([]*server.Manager, 0, len(g.servers))
	for _, s := range g.servers {
		servers = append(servers, s)
	}
	g.servers = make(map[int64]*server.Manager)
	g.mu.Unlock()

	if wasInitialised {
		g.teardownSubscriptions(ctx)
	}
	for _, s := range servers {
		s.Dispose()
	}
	g.logger.Debug().Msg("group disposed")
}

// permissionsForRole resolves the permission set granted by a role id.
func permissionsForRole(roles []rest.Role, roleID int64) map[string]struct{} {
	perms := make(map[string]struct{})
	for _, role := range roles {
		if role.RoleID != roleID {
			continue
		}
		for _, p := range role.Permissions {
			perms[p] = struct{}{}
		}
	}
	return perms
}
