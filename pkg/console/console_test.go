package console

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/pkg/errdefs"
)

var upgrader = websocket.Upgrader{}

type commandFrame struct {
	ID      int64  `json:"id"`
	Content string `json:"content"`
}

// startConsole runs a fake console endpoint that checks the token
// handshake, confirms authentication, and hands the socket to session.
func startConsole(t *testing.T, token string, session func(conn *websocket.Conn)) (string, int) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, first, err := conn.ReadMessage()
		if err != nil || string(first) != token {
			return
		}
		err = conn.WriteJSON(Message{
			Type:      "SystemMessage",
			EventType: "InfoLog",
			Data:      json.RawMessage(`"Connection Succeeded - Live"`),
		})
		if err != nil {
			return
		}
		if session != nil {
			session(conn)
		}
	}))
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func openConnection(t *testing.T, host string, port int, opts Options) *Connection {
	t.Helper()
	opts.ServerID = 7
	opts.Address = host
	opts.Port = port
	opts.Logger = zerolog.Nop()
	conn := New(opts)
	t.Cleanup(conn.Dispose)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Open(ctx))
	return conn
}

// echoCommands replies to every command with a CommandResult of the same
// id until the socket closes.
func echoCommands(conn *websocket.Conn) {
	for {
		var frame commandFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		_ = conn.WriteJSON(Message{
			Type:      "CommandResult",
			CommandID: frame.ID,
			Data:      json.RawMessage(`{"ok":true}`),
		})
	}
}

// TestOpenAuthenticates tests the token handshake and open callback
func TestOpenAuthenticates(t *testing.T) {
	opened := make(chan struct{}, 1)
	host, port := startConsole(t, "CT", nil)

	openConnection(t, host, port, Options{
		Token:  "CT",
		OnOpen: func() { opened <- struct{}{} },
	})

	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("open callback never fired")
	}
}

// TestOpenBadToken tests that a rejected token fails Open
func TestOpenBadToken(t *testing.T) {
	host, port := startConsole(t, "CT", nil)

	conn := New(Options{
		ServerID: 7,
		Address:  host,
		Port:     port,
		Token:    "WRONG",
		Logger:   zerolog.Nop(),
	})
	defer conn.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, conn.Open(ctx))
}

// TestSendCommand tests command RPC correlation
func TestSendCommand(t *testing.T) {
	host, port := startConsole(t, "CT", echoCommands)
	conn := openConnection(t, host, port, Options{Token: "CT"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg, err := conn.Send(ctx, "player list")
	require.NoError(t, err)
	assert.Equal(t, "CommandResult", msg.Type)
	assert.JSONEq(t, `{"ok":true}`, string(msg.Data))
}

// TestSendRejectsSubscriptionCommands tests the reserved-command guard
func TestSendRejectsSubscriptionCommands(t *testing.T) {
	conn := New(Options{ServerID: 7, Logger: zerolog.Nop()})

	for _, command := range []string{
		"subscribe PlayerJoined",
		"unsubscribe PlayerJoined",
		"websocket subscribe PlayerJoined",
		"websocket unsubscribe PlayerJoined",
		"SUBSCRIBE PlayerJoined",
	} {
		_, err := conn.Send(context.Background(), command)
		assert.ErrorIs(t, err, errdefs.ErrInvalidUsage, "command %q", command)
	}
}

// TestSubscribeDispatchesEvents tests subscription registration and event
// dispatch by name
func TestSubscribeDispatchesEvents(t *testing.T) {
	events := make(chan *Message, 1)
	commands := make(chan string, 4)

	host, port := startConsole(t, "CT", func(conn *websocket.Conn) {
		for {
			var frame commandFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			commands <- frame.Content
			_ = conn.WriteJSON(Message{Type: "CommandResult", CommandID: frame.ID})
			// Push one event right after the subscribe ack.
			_ = conn.WriteJSON(Message{
				Type:      "Subscription",
				EventType: "PlayerJoined",
				Data:      json.RawMessage(`{"user":{"id":99,"username":"P"}}`),
			})
		}
	})
	conn := openConnection(t, host, port, Options{Token: "CT"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, conn.Subscribe(ctx, "PlayerJoined", func(msg *Message) {
		events <- msg
	}))
	assert.Equal(t, "websocket subscribe PlayerJoined", <-commands)

	select {
	case msg := <-events:
		assert.Equal(t, "Subscription/PlayerJoined", msg.Name())
	case <-time.After(time.Second):
		t.Fatal("subscribed event never dispatched")
	}

	// Double subscribe is rejected without touching the server.
	err := conn.Subscribe(ctx, "PlayerJoined", func(*Message) {})
	assert.ErrorIs(t, err, errdefs.ErrAlreadySubscribed)

	require.NoError(t, conn.Unsubscribe(ctx, "PlayerJoined"))
	assert.Equal(t, "websocket unsubscribe PlayerJoined", <-commands)

	assert.ErrorIs(t, conn.Unsubscribe(ctx, "PlayerJoined"), errdefs.ErrNotSubscribed)
}

// TestCloseCallback tests that the close callback reports the close code
func TestCloseCallback(t *testing.T) {
	codes := make(chan int, 1)
	host, port := startConsole(t, "CT", func(conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "restarting")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	})

	openConnection(t, host, port, Options{
		Token:   "CT",
		OnClose: func(code int) { codes <- code },
	})

	select {
	case code := <-codes:
		assert.Equal(t, websocket.CloseInternalServerErr, code)
	case <-time.After(2 * time.Second):
		t.Fatal("close callback never fired")
	}
}
