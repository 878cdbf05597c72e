package wsclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/mapper"
	"go.uber.org/zap"
)

const (
	_errSendToClient = "sending message to client: %w"

	_closeWriteTimeout = time.Second
)

// Gateway is used to exchange messages with connected clients over their WebSocket connections.
// All calls to the gateway should include a context with a session UUID, which will be used to route traffic to the correct connection.
type Gateway interface {
	// Methods used to manage the connection for each session.

	// RegisterClient registers a new client with the gateway. Should be called each time a new WebSocket connection is accepted.
	RegisterClient(ctx context.Context, id uuid.UUID, conn *websocket.Conn) error
	// DeregisterClient removes a client from the gateway. Should be called each time a connection is closed.
	DeregisterClient(ctx context.Context, id uuid.UUID) error

	// Send writes one complete message to the session's connection.
	Send(ctx context.Context, payload []byte) error
	// Receive blocks until the next complete message arrives from the session's connection.
	// A pending Receive is unblocked by the connection closing.
	Receive(ctx context.Context) ([]byte, error)
	// CloseWithReason delivers a close frame carrying the code and reason, then closes the connection.
	CloseWithReason(ctx context.Context, code int, reason string) error
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

type gateway struct {
	clients   map[uuid.UUID]*client
	clientsMu sync.Mutex
	logger    *zap.Logger
}

// New returns a Gateway for exchanging messages with connected clients.
func New(logger *zap.Logger) Gateway {
	return &gateway{
		clients: make(map[uuid.UUID]*client),
		logger:  logger,
	}
}

func (g *gateway) RegisterClient(ctx context.Context, id uuid.UUID, conn *websocket.Conn) error {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()

	g.clients[id] = &client{conn: conn}
	return nil
}

func (g *gateway) DeregisterClient(ctx context.Context, id uuid.UUID) error {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()

	delete(g.clients, id)
	return nil
}

func (g *gateway) Send(ctx context.Context, payload []byte) error {
	c, err := g.getClient(ctx)
	if err != nil {
		return fmt.Errorf(_errSendToClient, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (g *gateway) Receive(ctx context.Context) ([]byte, error) {
	c, err := g.getClient(ctx)
	if err != nil {
		return nil, err
	}

	_, payload, err := c.conn.ReadMessage()
	return payload, err
}

func (g *gateway) CloseWithReason(ctx context.Context, code int, reason string) error {
	c, err := g.getClient(ctx)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Best effort close frame so the client sees the reason before the socket drops.
	deadline := time.Now().Add(_closeWriteTimeout)
	if err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		g.logger.Debug("writing close frame", zap.Error(err))
	}
	return c.conn.Close()
}

func (g *gateway) getClient(ctx context.Context) (*client, error) {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()

	id, err := mapper.ContextToSessionUUID(ctx)
	if err != nil {
		return nil, err
	}

	c, ok := g.clients[id]
	if !ok {
		return nil, fmt.Errorf("client with id %q not found", id)
	}
	return c, nil
}
