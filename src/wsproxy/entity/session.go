// Package entity contains the domain types for the lsp-ws-proxy service.
package entity

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
)

type keyType string

// SessionContextKey indicates the key to be used to identify the session UUID in the context.
const SessionContextKey keyType = "SessionUUID"

// Variant identifies a supported language server implementation.
// The set is closed and known at build time; adding a variant means adding
// an invocation mapping alongside it.
type Variant string

const (
	// VariantPyright serves Python via pyright-langserver.
	VariantPyright Variant = "pyright"
	// VariantClangd serves C/C++ via clangd.
	VariantClangd Variant = "clangd"
)

// String implements fmt.Stringer.
func (v Variant) String() string {
	return string(v)
}

// ParseVariant maps a requested variant name to a supported Variant.
func ParseVariant(name string) (Variant, error) {
	switch Variant(name) {
	case VariantPyright:
		return VariantPyright, nil
	case VariantClangd:
		return VariantClangd, nil
	default:
		return "", fmt.Errorf("unknown language server variant %q", name)
	}
}

// Selection is the per-connection server choice and its configuration,
// resolved once at dispatch and immutable after the session starts.
type Selection struct {
	Variant Variant `json:"variant"`
	Config  Config  `json:"config"`
}

// Config carries variant specific options. Unknown options are preserved and
// passed along untouched; the proxy performs no semantic validation of them.
type Config struct {
	// CompileFlags is an ordered list of compiler arguments, consumed by the
	// clangd invocation mapping only.
	CompileFlags []string `json:"compileFlags,omitempty"`
}

// SessionState tracks a session through its lifecycle.
type SessionState int32

const (
	// StateConnecting indicates the transport is accepted and the process spawn is in flight.
	StateConnecting SessionState = iota
	// StateActive indicates both pumps are running.
	StateActive
	// StateDraining indicates one side closed cleanly and the other is being released.
	StateDraining
	// StateClosed indicates both transport and process are confirmed released.
	StateClosed
	// StateFailed is terminal and reachable from any non-Closed state.
	StateFailed
)

// String implements fmt.Stringer.
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s SessionState) CanTransition(next SessionState) bool {
	if s == next {
		return false
	}
	switch next {
	case StateActive:
		return s == StateConnecting
	case StateDraining:
		return s == StateActive
	case StateClosed:
		return s == StateDraining
	case StateFailed:
		return s != StateClosed
	default:
		return false
	}
}

// Session entity representing a single proxied client connection.
type Session struct {
	UUID      uuid.UUID       `json:"uuid" zap:"uuid"`
	Variant   Variant         `json:"variant" zap:"variant"`
	Selection Selection       `json:"-" zap:"-"`
	Conn      *websocket.Conn `json:"-" zap:"-"`
	State     SessionState    `json:"state" zap:"state"`
	CreatedAt time.Time       `json:"createdAt" zap:"createdAt"`
}

// Close reasons surfaced to the client on the WebSocket close frame.
const (
	// CloseReasonIdle is sent when a session sees no traffic for the inactivity timeout.
	CloseReasonIdle = "Inactive for 5 minutes, please refresh"
	// CloseReasonShutdown is sent when the daemon is stopped while sessions are live.
	CloseReasonShutdown = "Server closed, please refresh"
)
