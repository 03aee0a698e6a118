package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/pkg/config"
	"github.com/fleetlink/fleetlink/pkg/console"
	"github.com/fleetlink/fleetlink/pkg/errdefs"
	"github.com/fleetlink/fleetlink/pkg/events"
	"github.com/fleetlink/fleetlink/pkg/rest"
)

// wsRequest and wsFrame mirror the account-socket wire shapes for the
// fake platform.
type wsRequest struct {
	Method        string  `json:"method"`
	Path          string  `json:"path"`
	Authorization string  `json:"authorization"`
	ID            int64   `json:"id"`
	Content       *string `json:"content"`
}

type wsFrame struct {
	ID           int64           `json:"id"`
	Event        string          `json:"event"`
	Key          string          `json:"key"`
	ResponseCode int             `json:"responseCode"`
	Content      json.RawMessage `json:"content"`
}

// wsConn is one server-side account socket of the fake platform.
type wsConn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	requests chan wsRequest
}

// pushEvent broadcasts an event frame with stringified content, the way
// the platform delivers subscription payloads.
func (c *wsConn) pushEvent(t *testing.T, event, key string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	wrapped, err := json.Marshal(string(data))
	require.NoError(t, err)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	require.NoError(t, c.ws.WriteJSON(&wsFrame{Event: event, Key: key, Content: wrapped}))
}

// fakePlatform stands in for the whole remote platform: the token
// endpoint, the REST API, the account WebSocket, and one console
// WebSocket.
type fakePlatform struct {
	t       *testing.T
	restURL string
	wsURL   string

	consoleHost  string
	consolePort  int
	consoleToken string

	conns chan *wsConn

	mu      sync.Mutex
	joined  []rest.JoinedGroup
	groups  map[int64]*rest.Group
	members map[string]*rest.Member
	servers map[int64]*rest.ServerStatus
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	p := &fakePlatform{
		t:            t,
		consoleToken: "CT",
		conns:        make(chan *wsConn, 8),
		groups:       make(map[int64]*rest.Group),
		members:      make(map[string]*rest.Member),
		servers:      make(map[int64]*rest.ServerStatus),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", p.handleToken)
	mux.HandleFunc("/groups/joined", p.handleJoined)
	mux.HandleFunc("/groups/invites", p.handleInvites)
	mux.HandleFunc("/groups/", p.handleGroups)
	mux.HandleFunc("/servers/", p.handleServers)
	restSrv := httptest.NewServer(mux)
	t.Cleanup(restSrv.Close)
	p.restURL = restSrv.URL

	upgrader := websocket.Upgrader{}
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := &wsConn{ws: ws, requests: make(chan wsRequest, 64)}
		p.conns <- conn
		p.serve(conn)
	}))
	t.Cleanup(wsSrv.Close)
	p.wsURL = "ws" + strings.TrimPrefix(wsSrv.URL, "http")

	consoleSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, first, err := ws.ReadMessage()
		if err != nil || string(first) != p.consoleToken {
			return
		}
		_ = ws.WriteJSON(map[string]any{
			"type":      "SystemMessage",
			"eventType": "InfoLog",
			"data":      "Connection Succeeded - Live",
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(consoleSrv.Close)
	host, portStr, err := net.SplitHostPort(consoleSrv.Listener.Addr().String())
	require.NoError(t, err)
	p.consoleHost = host
	p.consolePort, err = strconv.Atoi(portStr)
	require.NoError(t, err)

	return p
}

// handleToken issues a signed token: a bot token for form requests, a
// user token for JSON session requests.
func (p *fakePlatform) handleToken(w http.ResponseWriter, r *http.Request) {
	claims := jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		claims["UserId"] = "U1"
	} else {
		claims["client_sub"] = "U1"
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"access_token": token})
}

func (p *fakePlatform) handleJoined(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	joined := p.joined
	p.mu.Unlock()
	if joined == nil {
		joined = []rest.JoinedGroup{}
	}
	_ = json.NewEncoder(w).Encode(joined)
}

func (p *fakePlatform) handleInvites(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode([]rest.Invite{})
}

func (p *fakePlatform) handleGroups(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/groups/"), "/")
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case parts[0] == "invites" && len(parts) == 2:
		_, _ = w.Write([]byte("{}"))
	case len(parts) == 1:
		id, _ := strconv.ParseInt(parts[0], 10, 64)
		if g, ok := p.groups[id]; ok {
			_ = json.NewEncoder(w).Encode(g)
			return
		}
		http.Error(w, `{"message":"group does not exist"}`, http.StatusNotFound)
	case len(parts) == 3 && parts[1] == "members":
		if m, ok := p.members[parts[0]+"/"+parts[2]]; ok {
			_ = json.NewEncoder(w).Encode(m)
			return
		}
		http.Error(w, `{"message":"not a member"}`, http.StatusNotFound)
	default:
		http.NotFound(w, r)
	}
}

func (p *fakePlatform) handleServers(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/servers/"), "/")
	id, _ := strconv.ParseInt(parts[0], 10, 64)

	p.mu.Lock()
	status, ok := p.servers[id]
	p.mu.Unlock()
	if !ok {
		http.Error(w, `{"message":"server does not exist"}`, http.StatusNotFound)
		return
	}

	if len(parts) == 2 && parts[1] == "console" {
		_ = json.NewEncoder(w).Encode(&rest.ConnectionDetails{
			ServerID: id,
			Allowed:  true,
			Token:    p.consoleToken,
			Connection: &rest.ConsoleEndpoint{
				Address:       p.consoleHost,
				WebsocketPort: p.consolePort,
			},
		})
		return
	}
	_ = json.NewEncoder(w).Encode(status)
}

// serve answers account-socket RPCs with 200 responses.
func (p *fakePlatform) serve(conn *wsConn) {
	defer conn.ws.Close()
	for {
		var req wsRequest
		if err := conn.ws.ReadJSON(&req); err != nil {
			return
		}
		conn.requests <- req

		resp := &wsFrame{
			ID:           req.ID,
			Event:        "response",
			Key:          req.Method + " /ws/" + req.Path,
			ResponseCode: http.StatusOK,
		}
		conn.writeMu.Lock()
		_ = conn.ws.WriteJSON(resp)
		conn.writeMu.Unlock()
	}
}

func (p *fakePlatform) acceptWS(t *testing.T) *wsConn {
	t.Helper()
	select {
	case conn := <-p.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no account socket accepted")
		return nil
	}
}

// addGroup registers a group with U1 as an admin member.
func (p *fakePlatform) addGroup(g *rest.Group, joined bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	member := rest.Member{GroupID: g.ID, UserID: "U1", RoleID: 1}
	p.groups[g.ID] = g
	p.members[fmt.Sprintf("%d/U1", g.ID)] = &member
	if joined {
		p.joined = append(p.joined, rest.JoinedGroup{Group: *g, Member: member})
	}
}

func (p *fakePlatform) addServer(status *rest.ServerStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.servers[status.ID] = status
}

func (p *fakePlatform) config() *config.Config {
	return &config.Config{
		Credentials:                   config.Credentials{ClientID: "client-1", ClientSecret: "secret"},
		RestBaseURL:                   p.restURL,
		TokenURL:                      p.restURL + "/token",
		WebSocketURL:                  p.wsURL,
		XAPIKey:                       "key-123",
		APIRequestRetryDelay:          10 * time.Millisecond,
		WebSocketRequestRetryDelay:    10 * time.Millisecond,
		ServerConnectionRecoveryDelay: 20 * time.Millisecond,
	}
}

func testGroup(id int64, servers ...rest.ServerSummary) *rest.Group {
	return &rest.Group{
		ID:      id,
		Name:    fmt.Sprintf("group-%d", id),
		Servers: servers,
		Roles: []rest.Role{
			{RoleID: 1, Name: "Admin", Permissions: []string{"Console"}},
			{RoleID: 2, Name: "Member"},
		},
	}
}

// drainRequests consumes n account-socket requests and returns the paths
// seen.
func drainRequests(t *testing.T, conn *wsConn, n int) map[string]bool {
	t.Helper()
	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		select {
		case req := <-conn.requests:
			seen[req.Path] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d account-socket requests arrived", i, n)
		}
	}
	return seen
}

func waitEvent(t *testing.T, sub events.Subscriber, typ events.EventType) *events.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("event %s never arrived", typ)
			return nil
		}
	}
}

func startClient(t *testing.T, cfg *config.Config) (*Client, events.Subscriber) {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	sub := c.Events().Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))
	t.Cleanup(c.Stop)
	return c, sub
}

// TestBotBootstrapOpensConsole tests the full bot path: authenticate,
// subscribe the me and group channels, then open a server console once a
// heartbeat reports the server online with players
func TestBotBootstrapOpensConsole(t *testing.T) {
	p := newFakePlatform(t)
	p.addGroup(testGroup(42, rest.ServerSummary{ID: 7, Name: "S"}), true)
	p.addServer(&rest.ServerStatus{ID: 7, GroupID: 42, Name: "S", Fleet: "att-release"})

	c, sub := startClient(t, p.config())
	assert.Equal(t, StateReady, c.State())
	require.Len(t, c.Groups(), 1)

	conn := p.acceptWS(t)
	seen := drainRequests(t, conn, 9)
	for _, event := range meChannels {
		assert.True(t, seen["subscription/"+event+"/U1"], "missing %s subscription", event)
	}
	assert.True(t, seen["subscription/group-server-heartbeat/42"])
	assert.True(t, seen["subscription/group-update/42"])

	conn.pushEvent(t, "group-server-heartbeat", "42", &rest.ServerStatus{
		ID:            7,
		GroupID:       42,
		Fleet:         "att-release",
		IsOnline:      true,
		OnlinePlayers: []rest.Player{{ID: 1, Username: "alice"}},
	})

	ev := waitEvent(t, sub, events.EventConnect)
	cc, ok := ev.Payload.(*console.Connection)
	require.True(t, ok, "connect payload = %T, want *console.Connection", ev.Payload)
	assert.EqualValues(t, 7, cc.ServerID)
}

// TestDenyGroupBlocksCreatedGroup tests that a denied group is ignored
// when the platform later announces it
func TestDenyGroupBlocksCreatedGroup(t *testing.T) {
	p := newFakePlatform(t)
	g := testGroup(42)
	p.addGroup(g, false)

	c, _ := startClient(t, p.config())
	conn := p.acceptWS(t)
	drainRequests(t, conn, 3)

	ctx := context.Background()
	c.DenyGroup(ctx, 42)

	conn.pushEvent(t, "me-group-create", "U1", &rest.JoinedGroup{
		Group:  *g,
		Member: rest.Member{GroupID: 42, UserID: "U1", RoleID: 1},
	})

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, c.Groups(), "denied group must not be managed")

	c.mu.Lock()
	_, denied := c.deny[42]
	allowSize := len(c.allow)
	c.mu.Unlock()
	assert.True(t, denied)
	assert.Zero(t, allowSize)
}

// TestAllowGroupListSemantics tests allowlist activation: without force
// an empty allowlist stays empty and keeps meaning allow-all, with force
// it becomes exclusive
func TestAllowGroupListSemantics(t *testing.T) {
	p := newFakePlatform(t)
	p.addGroup(testGroup(42), false)
	p.addGroup(testGroup(43), false)

	c, _ := startClient(t, p.config())
	conn := p.acceptWS(t)
	drainRequests(t, conn, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Without force the allowlist stays empty, and with allow-all in
	// effect the group is admitted anyway.
	require.NoError(t, c.AllowGroup(ctx, 43, false))
	c.mu.Lock()
	allowSize := len(c.allow)
	c.mu.Unlock()
	assert.Zero(t, allowSize, "AllowGroup without force must not seed the allowlist")
	assert.Len(t, c.Groups(), 1)

	c.DenyGroup(ctx, 43)
	assert.Empty(t, c.Groups())

	// Force switches the allowlist on.
	require.NoError(t, c.AllowGroup(ctx, 42, true))
	c.mu.Lock()
	_, allowed := c.allow[42]
	c.mu.Unlock()
	assert.True(t, allowed)
	require.Len(t, c.Groups(), 1)
	assert.EqualValues(t, 42, c.Groups()[0].ID())

	// Group 43 is now outside the active allowlist.
	conn.pushEvent(t, "me-group-create", "U1", &rest.JoinedGroup{
		Group:  *testGroup(43),
		Member: rest.Member{GroupID: 43, UserID: "U1", RoleID: 1},
	})
	time.Sleep(100 * time.Millisecond)
	require.Len(t, c.Groups(), 1)
	assert.EqualValues(t, 42, c.Groups()[0].ID())

	// The lists stay disjoint through every mutation.
	c.DenyGroup(ctx, 42)
	c.mu.Lock()
	for id := range c.allow {
		_, both := c.deny[id]
		assert.False(t, both, "group %d in both lists", id)
	}
	c.mu.Unlock()
	assert.Empty(t, c.Groups())
}

// TestGroupDeleteEvent tests teardown on a me-group-delete broadcast
func TestGroupDeleteEvent(t *testing.T) {
	p := newFakePlatform(t)
	p.addGroup(testGroup(42), true)

	c, sub := startClient(t, p.config())
	conn := p.acceptWS(t)
	drainRequests(t, conn, 9)
	require.Len(t, c.Groups(), 1)

	conn.pushEvent(t, "me-group-delete", "U1", &rest.Group{ID: 42})

	ev := waitEvent(t, sub, events.EventGroupRemoved)
	assert.EqualValues(t, 42, ev.Payload)
	assert.Empty(t, c.Groups())
}

/// TestUserPrincipalOpensServerConnection tests the on-demand user path:
// no bootstrap, a transient group manager built around one server
func TestUserPrincipalOpensServerConnection(t *testing.T) {
	p := newFakePlatform(t)
	p.addGroup(testGroup(42, rest.ServerSummary{ID: 7, Name: "S"}), false)
	p.addServer(&rest.ServerStatus{ID: 7, GroupID: 42, Name: "S", Fleet: "att-release"})

	cfg := p.config()
	cfg.Credentials = config.Credentials{Username: "alice", Password: "pw"}

	c, _ := startClient(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := c.OpenServerConnection(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.EqualValues(t, 7, conn.ServerID)

	// The transient group is registered and reused.
	require.Len(t, c.Groups(), 1)
	again, err := c.OpenServerConnection(ctx, 7)
	require.NoError(t, err)
	assert.Same(t, conn, again)
}

// TestOpenServerConnectionRequiresReady tests the stopped-client guard
func TestOpenServerConnectionRequiresReady(t *testing.T) {
	p := newFakePlatform(t)
	c, err := New(p.config())
	require.NoError(t, err)

	_, openErr := c.OpenServerConnection(context.Background(), 7)
	assert.ErrorIs(t, openErr, errdefs.ErrNotReady)
}

// TestStartIdempotent tests that Start is a no-op once running
func TestStartIdempotent(t *testing.T) {
	p := newFakePlatform(t)
	c, _ := startClient(t, p.config())

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateReady, c.State())

	c.Stop()
	c.Stop() // idempotent
	assert.Equal(t, StateStopped, c.State())
}
