// Package lspproxy implements the lsp-ws-proxy service's connection handlers.
package lspproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	tally "github.com/uber-go/tally/v4"
	controller "github.com/uber/lsp-ws-proxy/src/wsproxy/controller/lsp-proxy"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/entity"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/errors"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/wsfx"
)

const (
	_endpointPyright = "/pyright"
	_endpointClangd  = "/clangd"
	_endpointGeneric = "/lsp"

	_queryCompilerOptions = "compiler_options"

	// How long the generic endpoint waits for the selection message.
	_selectionTimeout = 5 * time.Second

	_closeWriteTimeout = time.Second

	// Close frame reasons are capped by the protocol.
	_maxCloseReasonBytes = 123
)

// Handler resolves inbound connections into proxy sessions.
type Handler = wsfx.ConnectionManager

type wsConnectionManager struct {
	ctrl  controller.Controller
	stats tally.Scope
}

// New constructs a new lsp-ws-proxy Handler and registers it as the WebSocket
// module's connection manager.
func New(ctrl controller.Controller, wsmod wsfx.WSModule, stats tally.Scope) Handler {
	c := wsConnectionManager{
		ctrl:  ctrl,
		stats: stats.SubScope("dispatch"),
	}
	wsmod.RegisterConnectionManager(&c)
	return &c
}

// Endpoints lists the paths that accept connection upgrades.
func (c *wsConnectionManager) Endpoints() []string {
	return []string{_endpointPyright, _endpointClangd, _endpointGeneric}
}

// NewConnection resolves the selection for a new connection and starts its
// session. Rejections close the connection with an explicit code and reason
// rather than silently defaulting.
func (c *wsConnectionManager) NewConnection(ctx context.Context, conn *websocket.Conn, req *http.Request) (wsfx.Bridge, error) {
	sel, err := c.resolveSelection(conn, req)
	if err != nil {
		// Any selection failure is a dispatch rejection.
		c.reject(conn, websocket.ClosePolicyViolation, err)
		return nil, fmt.Errorf("resolving selection: %w", err)
	}

	bridge, err := c.ctrl.StartSession(ctx, conn, sel)
	if err != nil {
		c.reject(conn, rejectionCode(err), err)
		return nil, fmt.Errorf("error while creating new connection: %w", err)
	}

	c.stats.Tagged(map[string]string{"variant": sel.Variant.String()}).Counter("accepted").Inc(1)
	return bridge, nil
}

// RemoveConnection cleans up a closed connection.
func (c *wsConnectionManager) RemoveConnection(ctx context.Context, id uuid.UUID) {
	// Ensure the session is reclaimed even if it never wound down cleanly.
	ctx = context.WithValue(ctx, entity.SessionContextKey, id)
	c.ctrl.EndSession(ctx, id)
}

// resolveSelection resolves the variant and configuration from the request
// path, falling back to the first transport message on the generic endpoint.
func (c *wsConnectionManager) resolveSelection(conn *websocket.Conn, req *http.Request) (entity.Selection, error) {
	switch req.URL.Path {
	case _endpointPyright:
		return entity.Selection{Variant: entity.VariantPyright}, nil
	case _endpointClangd:
		return clangdSelection(req.URL.Query()), nil
	case _endpointGeneric:
		return readSelection(conn)
	default:
		return entity.Selection{}, &errors.UnsupportedVariantError{Requested: strings.TrimPrefix(req.URL.Path, "/")}
	}
}

// clangdSelection splits the compiler_options query parameter into compile
// flags, preserving their order. Flags pass through to the process invocation
// unchanged and are never validated semantically.
func clangdSelection(query url.Values) entity.Selection {
	sel := entity.Selection{Variant: entity.VariantClangd}
	if raw := query.Get(_queryCompilerOptions); raw != "" {
		sel.Config.CompileFlags = strings.Fields(raw)
	}
	return sel
}

// readSelection reads the selection payload sent as the first transport
// message on the generic endpoint.
func readSelection(conn *websocket.Conn) (entity.Selection, error) {
	if err := conn.SetReadDeadline(time.Now().Add(_selectionTimeout)); err != nil {
		return entity.Selection{}, err
	}
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return entity.Selection{}, fmt.Errorf("reading selection message: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return entity.Selection{}, err
	}
	if len(payload) == 0 {
		return entity.Selection{}, errors.NoMessageOnWireError
	}

	var raw struct {
		Variant string        `json:"variant"`
		Config  entity.Config `json:"config"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return entity.Selection{}, fmt.Errorf("decoding selection message: %w", err)
	}
	if raw.Variant == "" {
		return entity.Selection{}, errors.NoVariantOnWireError
	}
	variant, err := entity.ParseVariant(raw.Variant)
	if err != nil {
		return entity.Selection{}, &errors.UnsupportedVariantError{Requested: raw.Variant}
	}
	return entity.Selection{Variant: variant, Config: raw.Config}, nil
}

// rejectionCode maps a session start failure to its close code.
func rejectionCode(err error) int {
	switch {
	case errors.IsUnsupportedVariantError(err):
		return websocket.ClosePolicyViolation
	case errors.IsCapacityError(err):
		return websocket.CloseTryAgainLater
	default:
		return websocket.CloseInternalServerErr
	}
}

// reject sends a close frame carrying the rejection cause. The connection
// itself is torn down by the WebSocket module once NewConnection returns.
func (c *wsConnectionManager) reject(conn *websocket.Conn, code int, cause error) {
	c.stats.Counter("rejected").Inc(1)
	if conn == nil {
		return
	}
	reason := cause.Error()
	if len(reason) > _maxCloseReasonBytes {
		reason = reason[:_maxCloseReasonBytes]
	}
	deadline := time.Now().Add(_closeWriteTimeout)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
