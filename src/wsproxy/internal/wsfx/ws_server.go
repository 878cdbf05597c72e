package wsfx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/serverinfofile"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_configKeyAddress = "websocket.address"
	_outputKey        = "address"
)

// Module is an fx module to handle inbound WebSocket connections.
var Module = fx.Provide(New)

// WSModule represents a module to accept and manage WebSocket connections.
type WSModule interface {
	OnStart(ctx context.Context) error
	ServeConnection(ctx context.Context, conn *websocket.Conn, req *http.Request) error
	RegisterConnectionManager(connectionManager ConnectionManager) error
}

// Bridge is one served connection. Done is closed once the session behind the
// connection has fully released its transport and process halves.
type Bridge interface {
	UUID() uuid.UUID
	Done() <-chan struct{}
}

// ConnectionManager will manage each active connection and its corresponding Bridge throughout the lifecycle of a connection.
type ConnectionManager interface {
	NewConnection(ctx context.Context, conn *websocket.Conn, req *http.Request) (bridge Bridge, err error)
	RemoveConnection(ctx context.Context, id uuid.UUID)
	Endpoints() []string
}

type module struct {
	Address string `json:"address"`

	connectionMgr  ConnectionManager
	ln             net.Listener
	srv            *http.Server
	upgrader       websocket.Upgrader
	logger         *zap.SugaredLogger
	serverInfoFile serverinfofile.ServerInfoFile
}

// Params define values to be used by the WebSocket server.
type Params struct {
	fx.In

	Config         config.Provider
	Lifecycle      fx.Lifecycle
	Logger         *zap.SugaredLogger
	ServerInfoFile serverinfofile.ServerInfoFile
}

// New creates a new server to accept WebSocket connections on the given port and host.
func New(p Params) (WSModule, error) {
	if p.Lifecycle == nil || p.Config == nil {
		return nil, errors.New("required parameters are missing")
	}

	m := module{
		logger:         p.Logger,
		serverInfoFile: p.ServerInfoFile,
		upgrader: websocket.Upgrader{
			// Clients connect from arbitrary editor origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	if err := m.processConfig(p.Config); err != nil {
		return nil, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: m.OnStart,
		OnStop:  m.OnStop,
	})

	return &m, nil
}

// OnStart will initialize the listener and then begin handling incoming connections.
func (m *module) OnStart(ctx context.Context) error {
	if err := m.setup(); err != nil {
		return err
	}

	go m.start()
	return nil
}

// OnStop drains the HTTP server. Upgraded connections are owned by their
// sessions and are closed by the connection manager, not here.
func (m *module) OnStop(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}

// ServeConnection is called with each upgraded connection. It hands the connection to the
// connection manager and blocks until the resulting session has fully wound down.
func (m *module) ServeConnection(ctx context.Context, conn *websocket.Conn, req *http.Request) error {
	if m.connectionMgr == nil {
		m.logger.Errorf("cannot serve connection, no connection manager set")
		return errors.New("cannot serve connection, no connection manager set")
	}

	bridge, err := m.connectionMgr.NewConnection(ctx, conn, req)
	if err != nil {
		return err
	}
	m.logger.Infow("client connected", zap.Stringer("uuid", bridge.UUID()))

	// Block indefinitely until the session is done with the connection.
	<-bridge.Done()

	// Cleanup after connection.
	m.connectionMgr.RemoveConnection(ctx, bridge.UUID())
	m.logger.Infow("client disconnected", zap.Stringer("uuid", bridge.UUID()))

	return nil
}

// RegisterConnectionManager sets the connection manager, which keeps track of current active connections and decides how each endpoint is served.
func (m *module) RegisterConnectionManager(connectionMgr ConnectionManager) error {
	if m.connectionMgr != nil {
		return errors.New("cannot register a duplicate connection manager")
	}
	m.connectionMgr = connectionMgr
	return nil
}

// setup should be called after creation of a new handler to set initial values.
func (m *module) setup() error {
	if m.Address == "" {
		return errors.New("setup called before address is set")
	}

	mux := http.NewServeMux()
	if m.connectionMgr != nil {
		for _, endpoint := range m.connectionMgr.Endpoints() {
			mux.HandleFunc(endpoint, m.handleUpgrade)
		}
	}
	m.srv = &http.Server{Handler: mux}

	ln, err := net.Listen("tcp", m.Address)
	if err != nil {
		return err
	}
	m.ln = ln
	return nil
}

// start will begin serving connections, and panic on error.
func (m *module) start() {
	if err := m.serverInfoFile.UpdateField(_outputKey, m.Address); err != nil {
		panic(err)
	}

	m.logger.Infow("started WebSocket inbound", zap.String("address", m.Address))
	if err := m.srv.Serve(m.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic(err)
	}
}

// handleUpgrade upgrades an accepted request and serves the resulting connection until it winds down.
func (m *module) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client with an HTTP error.
		m.logger.Warnw("rejecting connection upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	if err := m.ServeConnection(r.Context(), conn, r); err != nil {
		m.logger.Warnw("connection ended with error", zap.Error(err))
	}
}

// processConfig will parse the configuration for any values required by this module.
func (m *module) processConfig(cfg config.Provider) error {
	val := cfg.Get(_configKeyAddress)
	if err := val.Populate(&m.Address); err != nil {
		// incorrectly formatted config
		return fmt.Errorf("getting config field %q: %w", _configKeyAddress, err)
	}

	if m.Address == "" {
		// yaml is missing either the key or value
		return fmt.Errorf("missing field %q in config", _configKeyAddress)
	}

	return nil
}
