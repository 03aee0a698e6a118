package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/pkg/accountws"
	"github.com/fleetlink/fleetlink/pkg/auth"
	"github.com/fleetlink/fleetlink/pkg/config"
	"github.com/fleetlink/fleetlink/pkg/console"
	"github.com/fleetlink/fleetlink/pkg/errdefs"
	"github.com/fleetlink/fleetlink/pkg/events"
	"github.com/fleetlink/fleetlink/pkg/group"
	"github.com/fleetlink/fleetlink/pkg/log"
	"github.com/fleetlink/fleetlink/pkg/metrics"
	"github.com/fleetlink/fleetlink/pkg/rest"
	"github.com/fleetlink/fleetlink/pkg/server"
	"github.com/fleetlink/fleetlink/pkg/workerpool"
)

// ReadyState is the supervisor lifecycle state.
type ReadyState int

const (
	StateStopped ReadyState = iota
	StateStarting
	StateReady
)

func (s ReadyState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	default:
		return "stopped"
	}
}

// meChannels are the account-level events a bot principal subscribes to,
// keyed by its client sub.
var meChannels = []string{
	"me-group-invite-create",
	"me-group-create",
	"me-group-delete",
}

// Client supervises the whole federation: token lifecycle, the account
// socket pool, and a group manager per accepted group.
type Client struct {
	cfg    *config.Config
	clock  clockwork.Clock
	logger zerolog.Logger

	tokens  *auth.TokenManager
	gateway *rest.Gateway
	router  *accountws.Router
	broker  *events.Broker

	mu     sync.Mutex
	state  ReadyState
	claims auth.Claims
	groups map[int64]*group.Manager
	allow  map[int64]struct{}
	deny   map[int64]struct{}
}

// New validates the configuration and assembles a stopped client.
func New(cfg *config.Config) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := log.WithComponent("client")
	clock := clockwork.NewRealClock()
	tokens := auth.NewTokenManager(cfg, clock, log.WithComponent("auth"))

	c := &Client{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		tokens:  tokens,
		gateway: rest.NewGateway(cfg, tokens, log.WithComponent("rest")),
		router:  accountws.NewRouter(cfg, tokens, clock, log.WithComponent("accountws")),
		broker:  events.NewBroker(),
		groups:  make(map[int64]*group.Manager),
		allow:   make(map[int64]struct{}),
		deny:    make(map[int64]struct{}),
	}
	for _, id := range cfg.IncludedGroups {
		c.allow[id] = struct{}{}
	}
	for _, id := range cfg.ExcludedGroups {
		c.deny[id] = struct{}{}
	}
	return c, nil
}

// Events returns the broker carrying ready, connect, and group lifecycle
// events.
func (c *Client) Events() *events.Broker { return c.broker }

// State returns the supervisor state.
func (c *Client) State() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Groups returns a snapshot of the managed groups.
func (c *Client) Groups() []*group.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*group.Manager, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g)
	}
	return out
}

// Start authenticates and, for bot principals, wires the account-level
// subscriptions and bootstraps every joined group. It is a no-op unless
// the client is stopped.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStarting
	c.mu.Unlock()

	c.broker.Start()

	if err := c.tokens.Start(ctx); err != nil {
		c.failStart()
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	token, err := c.tokens.Current()
	if err != nil {
		c.failStart()
		return err
	}

	c.mu.Lock()
	c.claims = token.Claims
	c.mu.Unlock()

	principal := token.Claims.Principal()
	c.logger.Info().
		Str("principal", principal.String()).
		Str("principal_id", token.Claims.PrincipalID()).
		Msg("authenticated")

	if principal == auth.PrincipalBot {
		if err := c.startBot(ctx, token.Claims.PrincipalID()); err != nil {
			c.failStart()
			return err
		}
	}

	c.mu.Lock()
	c.state = StateReady
	c.mu.Unlock()
	c.broker.Publish(events.New(events.EventReady, nil))
	c.logger.Info().Msg("client ready")
	return nil
}

func (c *Client) startBot(ctx context.Context, clientSub string) error {
	handlers := map[string]accountws.EventHandler{
		"me-group-invite-create": c.handleInviteCreate,
		"me-group-create":        c.handleGroupCreate,
		"me-group-delete":        c.handleGroupDelete,
	}
	for _, event := range meChannels {
		if err := c.router.Subscribe(ctx, event, clientSub, handlers[event]); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", event, err)
		}
	}
	return c.bootstrap(ctx)
}

// bootstrap discovers joined groups and pending invites over REST and
// fans the work out through the pool.
func (c *Client) bootstrap(ctx context.Context) error {
	joined, err := c.gateway.ListJoinedGroups(ctx)
	if err != nil {
		return fmt.Errorf("failed to list joined groups: %w", err)
	}
	invites, err := c.gateway.ListPendingGroupInvites(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending invites: %w", err)
	}

	pool := workerpool.New(ctx, c.cfg.MaxWorkerConcurrency, c.logger)
	for _, jg := range joined {
		jg := jg
		pool.Go(func() error {
			if err := c.addGroup(ctx, &jg.Group, jg.Member); err != nil {
				c.logger.Error().Err(err).Int64("group_id", jg.Group.ID).Msg("failed to add group")
			}
			return nil
		})
	}
	for _, inv := range invites {
		inv := inv
		pool.Go(func() error {
			if err := c.gateway.AcceptGroupInvite(ctx, inv.ID); err != nil {
				c.logger.Error().Err(err).Int64("group_id", inv.ID).Msg("failed to accept pending invite")
			}
			return nil
		})
	}
	if err := pool.Wait(); err != nil {
		return err
	}
	c.logger.Info().
		Int("groups", len(joined)).
		Int("invites", len(invites)).
		Msg("bootstrap complete")
	return nil
}

func (c *Client) handleInviteCreate(content json.RawMessage) {
	var inv rest.Invite
	if err := json.Unmarshal(content, &inv); err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed group invite")
		return
	}
	c.logger.Info().Int64("group_id", inv.ID).Str("name", inv.Name).Msg("accepting group invite")
	if err := c.gateway.AcceptGroupInvite(context.Background(), inv.ID); err != nil {
		c.logger.Error().Err(err).Int64("group_id", inv.ID).Msg("failed to accept group invite")
	}
}

func (c *Client) handleGroupCreate(content json.RawMessage) {
	var jg rest.JoinedGroup
	if err := json.Unmarshal(content, &jg); err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed group create")
		return
	}
	if err := c.addGroup(context.Background(), &jg.Group, jg.Member); err != nil {
		c.logger.Error().Err(err).Int64("group_id", jg.Group.ID).Msg("failed to add created group")
	}
}

func (c *Client) handleGroupDelete(content json.RawMessage) {
	var g rest.Group
	if err := json.Unmarshal(content, &g); err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed group delete")
		return
	}
	c.removeGroup(context.Background(), g.ID)
}

// addGroup admits a group through the allow/deny policy and initialises a
// manager for it. Duplicate ids are rejected silently.
func (c *Client) addGroup(ctx context.Context, g *rest.Group, m rest.Member) error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return errdefs.ErrClosed
	}
	if _, ok := c.groups[g.ID]; ok {
		c.mu.Unlock()
		return nil
	}
	if !c.admittedLocked(g.ID) {
		c.mu.Unlock()
		c.logger.Info().Int64("group_id", g.ID).Str("name", g.Name).Msg("group filtered by allow/deny policy")
		return nil
	}
	c.mu.Unlock()

	gm := c.newGroupManager(g, m, nil)

	c.mu.Lock()
	if _, ok := c.groups[g.ID]; ok {
		c.mu.Unlock()
		gm.Dispose(ctx)
		return nil
	}
	c.groups[g.ID] = gm
	metrics.GroupsManaged.Set(float64(len(c.groups)))
	c.mu.Unlock()

	if err := gm.Init(ctx); err != nil {
		c.mu.Lock()
		delete(c.groups, g.ID)
		metrics.GroupsManaged.Set(float64(len(c.groups)))
		c.mu.Unlock()
		gm.Dispose(ctx)
		return err
	}

	c.broker.Publish(events.New(events.EventGroupAdded, gm))
	return nil
}

func (c *Client) newGroupManager(g *rest.Group, m rest.Member, onServerAdd func(*server.Manager)) *group.Manager {
	return group.NewManager(group.Options{
		Group:   g,
		Member:  m,
		Config:  c.cfg,
		Router:  c.router,
		Gateway: c.gateway,
		Clock:   c.clock,
		Logger:  c.logger,
		OnConnect: func(conn *console.Connection) {
			c.broker.Publish(events.New(events.EventConnect, conn))
		},
		OnServerAdd: onServerAdd,
	})
}

func (c *Client) removeGroup(ctx context.Context, groupID int64) {
	c.mu.Lock()
	gm, ok := c.groups[groupID]
	if ok {
		delete(c.groups, groupID)
		metrics.GroupsManaged.Set(float64(len(c.groups)))
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	gm.Dispose(ctx)
	c.broker.Publish(events.New(events.EventGroupRemoved, groupID))
	c.logger.Info().Int64("group_id", groupID).Msg("group removed")
}

// admittedLocked applies the allow/deny policy: a non-empty allowlist
// admits only its members; otherwise anything outside the denylist.
func (c *Client) admittedLocked(groupID int64) bool {
	if len(c.allow) > 0 {
		_, ok := c.allow[groupID]
		return ok
	}
	_, denied := c.deny[groupID]
	return !denied
}

// AllowGroup removes a group from the denylist. It joins the allowlist
// only when the allowlist is already in use, or when force is set, so an
// empty allowlist keeps meaning allow-all. The group is then (re)admitted.
func (c *Client) AllowGroup(ctx context.Context, groupID int64, force bool) error {
	c.mu.Lock()
	delete(c.deny, groupID)
	if len(c.allow) > 0 || force {
		c.allow[groupID] = struct{}{}
	}
	state := c.state
	principal := c.claims.Principal()
	_, managed := c.groups[groupID]
	c.mu.Unlock()

	if state != StateReady || principal != auth.PrincipalBot || managed {
		return nil
	}

	info, err := c.gateway.GetGroupInfo(ctx, groupID)
	if err != nil {
		return fmt.Errorf("failed to fetch allowed group %d: %w", groupID, err)
	}
	member, err := c.gateway.GetGroupMember(ctx, groupID, c.claims.PrincipalID())
	if err != nil {
		return fmt.Errorf("failed to fetch own membership in group %d: %w", groupID, err)
	}
	return c.addGroup(ctx, info, *member)
}

// DenyGroup adds a group to the denylist, removes it from the allowlist,
// and tears down its manager if one exists.
func (c *Client) DenyGroup(ctx context.Context, groupID int64) {
	c.mu.Lock()
	delete(c.allow, groupID)
	c.deny[groupID] = struct{}{}
	c.mu.Unlock()

	c.removeGroup(ctx, groupID)
}

// OpenServerConnection resolves a server to its group and returns its
// console connection, opening it if necessary. This is the only
// automation available to user principals.
func (c *Client) OpenServerConnection(ctx context.Context, serverID int64) (*console.Connection, error) {
	c.mu.Lock()
	state := c.state
	claims := c.claims
	c.mu.Unlock()
	if state != StateReady {
		return nil, errdefs.ErrNotReady
	}

	info, err := c.gateway.GetServerInfo(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch server %d: %w", serverID, err)
	}

	c.mu.Lock()
	gm := c.groups[info.GroupID]
	c.mu.Unlock()

	if gm == nil {
		gm, err = c.transientGroup(ctx, info.GroupID, serverID, claims.PrincipalID())
		if err != nil {
			return nil, err
		}
	}

	srv := gm.Server(serverID)
	if srv == nil {
		return nil, fmt.Errorf("server %d not present in group %d", serverID, info.GroupID)
	}
	return srv.Connect(ctx)
}

// transientGroup builds and initialises a group manager on demand for a
// single server connection, registering it so later calls reuse it.
func (c *Client) transientGroup(ctx context.Context, groupID, serverID int64, userID string) (*group.Manager, error) {
	info, err := c.gateway.GetGroupInfo(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch group %d: %w", groupID, err)
	}
	member, err := c.gateway.GetGroupMember(ctx, groupID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch own membership in group %d: %w", groupID, err)
	}

	added := make(chan *server.Manager, 1)
	gm := c.newGroupManager(info, *member, func(srv *server.Manager) {
		if srv.ID() == serverID {
			select {
			case added <- srv:
			default:
			}
		}
	})

	select {
	case <-added:
	case <-ctx.Done():
		gm.Dispose(context.Background())
		return nil, ctx.Err()
	}

	c.mu.Lock()
	if existing, ok := c.groups[groupID]; ok {
		c.mu.Unlock()
		gm.Dispose(ctx)
		return existing, nil
	}
	c.groups[groupID] = gm
	metrics.GroupsManaged.Set(float64(len(c.groups)))
	c.mu.Unlock()

	if err := gm.Init(ctx); err != nil {
		c.removeGroup(ctx, groupID)
		return nil, err
	}
	return gm, nil
}

func (c *Client) failStart() {
	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	c.tokens.Stop()
	c.broker.Stop()
}

// Stop tears down every group, the socket pool, and the token refresh
// loop. Idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = StateStopped
	groups := c.groups
	c.groups = make(map[int64]*group.Manager)
	c.mu.Unlock()

	ctx := context.Background()
	for _, gm := range groups {
		gm.Dispose(ctx)
	}
	metrics.GroupsManaged.Set(0)
	c.router.Dispose()
	c.tokens.Stop()
	c.broker.Stop()
	c.logger.Info().Msg("client stopped")
}
