package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/pkg/errdefs"
	"github.com/fleetlink/fleetlink/pkg/metrics"
)

// subscriptionCommand matches commands reserved for the typed Subscribe
// and Unsubscribe APIs.
var subscriptionCommand = regexp.MustCompile(`(?i)^(websocket )?(un)?subscribe`)

// authConfirmation prefixes the data of the inbound message that confirms
// token authentication.
const authConfirmation = "Connection Succeeded"

// Message is an inbound console frame: a command result, a system
// message, or a subscribed event.
type Message struct {
	Type      string          `json:"type"`
	EventType string          `json:"eventType"`
	CommandID int64           `json:"commandId"`
	Data      json.RawMessage `json:"data"`
	TimeStamp string          `json:"timeStamp"`
}

// Name returns the event name the message dispatches under:
// "<type>[/<eventType>]".
func (m *Message) Name() string {
	if m.EventType != "" {
		return m.Type + "/" + m.EventType
	}
	return m.Type
}

// EventHandler receives a subscribed console event.
type EventHandler func(msg *Message)

// Connection is one console WebSocket. It authenticates by sending a
// one-shot token as the first frame and carries command RPCs plus event
// subscriptions.
type Connection struct {
	ServerID int64

	address string
	port    int
	token   string
	logger  zerolog.Logger

	onOpen  func()
	onClose func(code int)

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	commandID int64
	pending   map[int64]chan *Message
	subs      map[string]EventHandler
	opened    bool
	disposed  bool
	openCh    chan struct{}
	done      chan struct{}
	doneOnce  sync.Once
}

// Options configure a console connection.
type Options struct {
	ServerID int64
	Address  string
	Port     int
	Token    string
	Logger   zerolog.Logger

	// OnOpen fires once authentication is confirmed.
	OnOpen func()
	// OnClose fires with the close code when the socket dies; 1000 marks
	// a deliberate shutdown.
	OnClose func(code int)
}

// New creates an unopened console connection.
func New(opts Options) *Connection {
	return &Connection{
		ServerID: opts.ServerID,
		address:  opts.Address,
		port:     opts.Port,
		token:    opts.Token,
		logger:   opts.Logger.With().Int64("server_id", opts.ServerID).Logger(),
		onOpen:   opts.OnOpen,
		onClose:  opts.OnClose,
		pending:  make(map[int64]chan *Message),
		subs:     make(map[string]EventHandler),
		openCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Open dials the console and sends the authentication token. It returns
// once authentication is confirmed or ctx expires.
func (c *Connection) Open(ctx context.Context) error {
	url := fmt.Sprintf("ws://%s:%d", c.address, c.port)
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial console at %s: %w", url, err)
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		_ = conn.Close()
		return errdefs.ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	// First frame is the raw token, no wrapper.
	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, []byte(c.token))
	c.writeMu.Unlock()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to present console token: %w", err)
	}

	go c.readLoop(conn)

	select {
	case <-c.openCh:
		return nil
	case <-c.done:
		return fmt.Errorf("console closed before authentication confirmed")
	case <-ctx.Done():
		c.Dispose()
		return ctx.Err()
	}
}

// Send issues a console command and waits for its CommandResult.
// Subscription commands are reserved for Subscribe and Unsubscribe.
func (c *Connection) Send(ctx context.Context, command string) (*Message, error) {
	if subscriptionCommand.MatchString(command) {
		return nil, fmt.Errorf("%w: use Subscribe/Unsubscribe instead of %q", errdefs.ErrInvalidUsage, command)
	}
	return c.command(ctx, command)
}

// Subscribe registers a handler for a console event and subscribes on the
// server.
func (c *Connection) Subscribe(ctx context.Context, event string, handler EventHandler) error {
	name := "Subscription/" + event

	c.mu.Lock()
	if _, ok := c.subs[name]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", errdefs.ErrAlreadySubscribed, event)
	}
	c.subs[name] = handler
	c.mu.Unlock()

	if _, err := c.command(ctx, "websocket subscribe "+event); err != nil {
		c.mu.Lock()
		delete(c.subs, name)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe removes a console event subscription.
func (c *Connection) Unsubscribe(ctx context.Context, event string) error {
	name := "Subscription/" + event

	c.mu.Lock()
	if _, ok := c.subs[name]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", errdefs.ErrNotSubscribed, event)
	}
	delete(c.subs, name)
	c.mu.Unlock()

	_, err := c.command(ctx, "websocket unsubscribe "+event)
	return err
}

// command sends a raw command frame and awaits the reply with the same id.
func (c *Connection) command(ctx context.Context, command string) (*Message, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, errdefs.ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("console not open")
	}
	c.commandID++
	id := c.commandID
	ch := make(chan *Message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame := struct {
		ID      int64  `json:"id"`
		Content string `json:"content"`
	}{ID: id, Content: command}

	c.writeMu.Lock()
	err := conn.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send console command: %w", err)
	}

	select {
	case msg := <-ch:
		return msg, nil
	case <-c.done:
		return nil, errdefs.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop dispatches inbound console frames until the socket dies.
func (c *Connection) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("dropping unparseable console frame")
			continue
		}
		c.dispatch(&msg)
	}
}

func (c *Connection) dispatch(msg *Message) {
	// Authentication confirmation arrives as a system info log.
	if !c.isOpen() && msg.Type == "SystemMessage" && msg.EventType == "InfoLog" {
		var data string
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			data = string(msg.Data)
		}
		if strings.HasPrefix(data, authConfirmation) {
			c.confirmOpen()
			return
		}
	}

	if msg.CommandID != 0 {
		c.mu.Lock()
		ch := c.pending[msg.CommandID]
		c.mu.Unlock()
		if ch == nil {
			c.logger.Debug().Int64("command_id", msg.CommandID).Msg("result for unknown command")
			return
		}
		ch <- msg
		return
	}

	c.mu.Lock()
	handler := c.subs[msg.Name()]
	c.mu.Unlock()
	if handler == nil {
		c.logger.Debug().Str("event", msg.Name()).Msg("no handler for console event")
		return
	}
	handler(msg)
}

func (c *Connection) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

func (c *Connection) confirmOpen() {
	c.mu.Lock()
	already := c.opened
	c.opened = true
	c.mu.Unlock()
	if already {
		return
	}

	close(c.openCh)
	metrics.ConsoleConnectionsOpen.Inc()
	c.logger.Info().Msg("console connection open")
	if c.onOpen != nil {
		c.onOpen()
	}
}

func (c *Connection) handleClose(cause error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	wasOpen := c.opened
	c.opened = false
	c.conn = nil
	c.mu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
	if wasOpen {
		metrics.ConsoleConnectionsOpen.Dec()
	}

	code := closeCode(cause)
	c.logger.Info().Int("code", code).Msg("console connection closed")
	if c.onClose != nil {
		c.onClose(code)
	}
}

// Dispose closes the console with a normal close and clears all
// listeners. Idempotent.
func (c *Connection) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	conn := c.conn
	c.conn = nil
	wasOpen := c.opened
	c.opened = false
	c.subs = make(map[string]EventHandler)
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "disposed")
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.doneOnce.Do(func() { close(c.done) })
	if wasOpen {
		metrics.ConsoleConnectionsOpen.Dec()
	}
	c.logger.Debug().Msg("console connection disposed")
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
