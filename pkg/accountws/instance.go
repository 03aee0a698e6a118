package accountws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/pkg/auth"
	"github.com/fleetlink/fleetlink/pkg/config"
	"github.com/fleetlink/fleetlink/pkg/errdefs"
	"github.com/fleetlink/fleetlink/pkg/metrics"
)

// Internal close codes. The platform treats both as client-initiated
// shutdowns; the client treats them as "do not recover".
const (
	// CloseMigrationCompleted is sent on the old socket once a migration
	// handover finishes.
	CloseMigrationCompleted = 3000
	// CloseMigrationAborted is sent on the new socket when the migration
	// handshake fails.
	CloseMigrationAborted = 3001
)

// TokenSource supplies the bearer used on socket open and on every
// outbound frame.
type TokenSource interface {
	Current() (auth.Token, error)
}

// EventHandler receives the decoded content of a subscribed event.
type EventHandler func(content json.RawMessage)

// socket is one underlying WebSocket. An instance owns at most one live
// socket, except during the migration handover window.
type socket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}

	mu       sync.Mutex
	expected bool // close initiated by us
}

func (s *socket) markExpected() {
	s.mu.Lock()
	s.expected = true
	s.mu.Unlock()
}

func (s *socket) isExpected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expected
}

// close sends a close frame with the given code and tears the socket down.
func (s *socket) close(code int, reason string) {
	s.markExpected()
	msg := websocket.FormatCloseMessage(code, reason)
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

// Instance is one authenticated account WebSocket with its RPC
// correlation table, subscription table, migration timer, and halted gate.
type Instance struct {
	id     int64
	cfg    *config.Config
	tokens TokenSource
	clock  clockwork.Clock
	logger zerolog.Logger

	halted *gate

	// rotation serialises migrate and recover; only its holder may
	// replace the live socket.
	rotation sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	sock        *socket
	pending     map[int64]chan *frame
	subs        map[string]EventHandler
	migrateCh   chan *frame
	migrationID int64
	messageID   int64
	disposed    bool

	migrationTimer clockwork.Timer
}

// NewInstance creates an account-socket instance. Open must be called
// before any other operation.
func NewInstance(id int64, cfg *config.Config, tokens TokenSource, clock clockwork.Clock, logger zerolog.Logger) *Instance {
	ctx, cancel := context.WithCancel(context.Background())
	return &Instance{
		id:      id,
		cfg:     cfg,
		tokens:  tokens,
		clock:   clock,
		logger:  logger.With().Int64("instance_id", id).Logger(),
		halted:  newGate(false),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[int64]chan *frame),
		subs:    make(map[string]EventHandler),
	}
}

// ID returns the monotone instance identifier.
func (i *Instance) ID() int64 {
	return i.id
}

// Count returns the current subscription table size.
func (i *Instance) Count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.subs)
}

// Open dials the account WebSocket, retrying indefinitely until it is up
// or ctx is cancelled, then opens the halted gate.
func (i *Instance) Open(ctx context.Context) error {
	for {
		sock, err := i.dial(ctx)
		if err == nil {
			i.install(sock)
			i.halted.Open()
			return nil
		}
		i.logger.Error().Err(err).
			Dur("retry_in", i.cfg.WebSocketRecoveryRetryDelay).
			Msg("account socket open failed")
		select {
		case <-i.clock.After(i.cfg.WebSocketRecoveryRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		case <-i.ctx.Done():
			return errdefs.ErrClosed
		}
	}
}

// dial opens one WebSocket with bearer and api-key headers.
func (i *Instance) dial(ctx context.Context) (*socket, error) {
	token, err := i.tokens.Current()
	if err != nil {
		return nil, fmt.Errorf("failed to authorize socket: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token.Bearer)
	header.Set("x-api-key", i.cfg.XAPIKey)
	header.Set("User-Agent", auth.UserAgent)

	dialer := websocket.Dialer{HandshakeTimeout: i.cfg.APIRequestTimeout}
	conn, resp, err := dialer.DialContext(ctx, i.cfg.WebSocketURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial account socket (%d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial account socket: %w", err)
	}
	return &socket{conn: conn, done: make(chan struct{})}, nil
}

// install makes sock the live socket: starts its read and ping loops and
// arms the migration timer.
func (i *Instance) install(sock *socket) {
	i.mu.Lock()
	i.sock = sock
	i.mu.Unlock()

	go i.readLoop(sock)
	go i.pingLoop(sock)
	i.armMigrationTimer(i.cfg.WebSocketMigrationInterval)

	metrics.AccountSocketsOpen.Inc()
	i.logger.Info().Msg("account socket open")
}

// current returns the live socket.
func (i *Instance) current() (*socket, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.disposed {
		return nil, errdefs.ErrClosed
	}
	if i.sock == nil {
		return nil, fmt.Errorf("account socket not open")
	}
	return i.sock, nil
}

// Subscribe registers the handler for event/key and posts the
// subscription. The handler is removed again if the RPC fails.
func (i *Instance) Subscribe(ctx context.Context, event, key string, handler EventHandler) (*Response, error) {
	sub := subscriptionKey(event, key)

	i.mu.Lock()
	if i.disposed {
		i.mu.Unlock()
		return nil, errdefs.ErrClosed
	}
	if _, ok := i.subs[sub]; ok {
		i.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", errdefs.ErrAlreadySubscribed, sub)
	}
	if len(i.subs) >= i.cfg.MaxSubscriptionsPerWebSocket {
		i.mu.Unlock()
		return nil, fmt.Errorf("subscription table full on instance %d", i.id)
	}
	i.subs[sub] = handler
	i.mu.Unlock()

	resp, err := i.Send(ctx, http.MethodPost, "subscription/"+event+"/"+key, nil)
	if err != nil {
		i.mu.Lock()
		delete(i.subs, sub)
		i.mu.Unlock()
		return nil, err
	}
	return resp, nil
}

// Unsubscribe removes the handler for event/key and deletes the
// subscription on the platform. The handler is restored if the RPC
// fails, so the pair stays live and can be retried.
func (i *Instance) Unsubscribe(ctx context.Context, event, key string) (*Response, error) {
	sub := subscriptionKey(event, key)

	i.mu.Lock()
	handler, ok := i.subs[sub]
	if !ok {
		i.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", errdefs.ErrNotSubscribed, sub)
	}
	delete(i.subs, sub)
	i.mu.Unlock()

	resp, err := i.Send(ctx, http.MethodDelete, "subscription/"+event+"/"+key, nil)
	if err != nil {
		i.mu.Lock()
		if !i.disposed {
			if _, taken := i.subs[sub]; !taken {
				i.subs[sub] = handler
			}
		}
		i.mu.Unlock()
		return nil, err
	}
	return resp, nil
}

// Send issues an RPC on the live socket. Non-migration traffic waits on
// the halted gate; non-2xx responses are retried on the configured
// budget; exhausting it is fatal for the call.
func (i *Instance) Send(ctx context.Context, method, path string, payload any) (*Response, error) {
	if path != "migrate" {
		if err := i.halted.Wait(ctx); err != nil {
			return nil, err
		}
	}
	sock, err := i.current()
	if err != nil {
		return nil, err
	}
	return i.send(ctx, sock, method, path, payload)
}

// send issues an RPC on a specific socket. Used directly by the migration
// handshake, which targets the new socket before it becomes current.
func (i *Instance) send(ctx context.Context, sock *socket, method, path string, payload any) (*Response, error) {
	content, err := encodeContent(payload)
	if err != nil {
		return nil, err
	}

	attempts := i.cfg.WebSocketRequestAttempts
	var lastCode int
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := i.attempt(ctx, sock, method, path, content)
		if err != nil {
			return nil, err
		}
		if resp.OK() {
			return resp, nil
		}
		lastCode = resp.Code
		i.logger.Warn().
			Str("method", method).
			Str("path", path).
			Int("code", resp.Code).
			Int("attempt", attempt).
			Msg("websocket request failed")
		if attempt == attempts {
			break
		}
		metrics.WebSocketRequestRetriesTotal.Inc()
		select {
		case <-i.clock.After(i.cfg.WebSocketRequestRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-i.ctx.Done():
			return nil, errdefs.ErrClosed
		}
	}
	return nil, fmt.Errorf("%w: %s /ws/%s returned %d after %d attempts",
		errdefs.ErrRetriesExhausted, method, path, lastCode, attempts)
}

// attempt writes one request frame and waits for its correlated response.
func (i *Instance) attempt(ctx context.Context, sock *socket, method, path string, content *string) (*Response, error) {
	token, err := i.tokens.Current()
	if err != nil {
		return nil, fmt.Errorf("failed to authorize request: %w", err)
	}

	i.mu.Lock()
	if i.disposed {
		i.mu.Unlock()
		return nil, errdefs.ErrClosed
	}
	i.messageID++
	id := i.messageID
	ch := make(chan *frame, 1)
	i.pending[id] = ch
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		delete(i.pending, id)
		i.mu.Unlock()
	}()

	req := request{
		Method:        method,
		Path:          path,
		Authorization: "Bearer " + token.Bearer,
		ID:            id,
		Content:       content,
	}
	i.logger.Debug().
		Str("message_id", fmt.Sprintf("%d-%d", i.id, id)).
		Str("method", method).
		Str("path", path).
		Msg("websocket request")
	if err := i.writeJSON(sock, req); err != nil {
		return nil, fmt.Errorf("failed to write %s /ws/%s: %w", method, path, err)
	}

	select {
	case f := <-ch:
		decoded, err := f.decodeContent()
		if err != nil {
			return nil, err
		}
		return &Response{ID: f.ID, Event: f.Event, Key: f.Key, Code: f.ResponseCode, Content: decoded}, nil
	case <-sock.done:
		return nil, fmt.Errorf("account socket closed awaiting response %d-%d", i.id, id)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-i.ctx.Done():
		return nil, errdefs.ErrClosed
	}
}

func (i *Instance) writeJSON(sock *socket, v any) error {
	sock.writeMu.Lock()
	defer sock.writeMu.Unlock()
	return sock.conn.WriteJSON(v)
}

// readLoop reads and dispatches frames until the socket dies.
func (i *Instance) readLoop(sock *socket) {
	for {
		msgType, data, err := sock.conn.ReadMessage()
		if err != nil {
			i.handleClose(sock, err)
			return
		}
		if msgType != websocket.TextMessage {
			i.logger.Warn().Int("type", msgType).Msg("dropping non-text frame")
			continue
		}
		i.dispatch(data)
	}
}

// dispatch routes one inbound frame: migration handshake responses onto
// the migrate channel, events (id==0) to their subscription handler, and
// RPC responses (id>0) to their pending waiter.
func (i *Instance) dispatch(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		i.logger.Warn().Err(err).Msg("dropping unparseable frame")
		return
	}

	i.mu.Lock()
	migrateCh := i.migrateCh
	i.mu.Unlock()

	if migrateCh != nil && f.isMigrateResponse() {
		select {
		case migrateCh <- &f:
		default:
		}
		return
	}

	if f.ID == 0 {
		if !f.hasContent() {
			i.logger.Warn().Str("event", f.Event).Str("key", f.Key).Msg("dropping event without content")
			return
		}
		content, err := f.decodeContent()
		if err != nil {
			i.logger.Warn().Err(err).Str("event", f.Event).Msg("dropping event with bad content")
			return
		}
		i.mu.Lock()
		handler := i.subs[subscriptionKey(f.Event, f.Key)]
		i.mu.Unlock()
		if handler == nil {
			i.logger.Debug().Str("event", f.Event).Str("key", f.Key).Msg("no handler for event")
			return
		}
		handler(content)
		return
	}

	i.mu.Lock()
	ch := i.pending[f.ID]
	i.mu.Unlock()
	if ch == nil {
		i.logger.Debug().Int64("id", f.ID).Msg("response for unknown message id")
		return
	}
	ch <- &f
}

// pingLoop sends a ping at the configured interval while the socket is
// live. The platform's pings are answered by the transport's default pong
// handler.
func (i *Instance) pingLoop(sock *socket) {
	ticker := i.clock.NewTicker(i.cfg.WebSocketPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			sock.writeMu.Lock()
			err := sock.conn.WriteMessage(websocket.PingMessage, nil)
			sock.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-sock.done:
			return
		case <-i.ctx.Done():
			return
		}
	}
}

// handleClose runs when a socket's read loop exits. Closes we initiated
// and migration codes never trigger recovery; anything else does.
func (i *Instance) handleClose(sock *socket, cause error) {
	close(sock.done)

	i.mu.Lock()
	isCurrent := i.sock == sock
	disposed := i.disposed
	i.mu.Unlock()

	if sock.isExpected() || disposed || !isCurrent {
		return
	}

	code := closeCode(cause)
	if code == CloseMigrationCompleted || code == CloseMigrationAborted {
		return
	}

	metrics.AccountSocketsOpen.Dec()
	i.logger.Warn().Int("code", code).Err(cause).Msg("account socket closed abnormally")
	go i.recover()
}

// closeCode extracts the close code from a read error, or -1 for
// transport-level failures.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return -1
}

func subscriptionKey(event, key string) string {
	return event + "/" + key
}
