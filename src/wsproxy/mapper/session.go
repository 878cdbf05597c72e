package mapper

import (
	"context"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/entity"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/errors"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/model"
)

// SessionToModel maps a Session entity to its model equivalent.
func SessionToModel(f *entity.Session) *model.Session {
	return &model.Session{
		UUID:         f.UUID,
		Variant:      string(f.Variant),
		CompileFlags: f.Selection.Config.CompileFlags,
		Conn:         f.Conn,
		State:        int32(f.State),
		CreatedAt:    f.CreatedAt,
	}
}

// ModelToSession maps a model Session to its entity equivalent.
func ModelToSession(f *model.Session) (*entity.Session, error) {
	variant, err := entity.ParseVariant(f.Variant)
	if err != nil {
		return nil, err
	}

	return &entity.Session{
		UUID:    f.UUID,
		Variant: variant,
		Selection: entity.Selection{
			Variant: variant,
			Config:  entity.Config{CompileFlags: f.CompileFlags},
		},
		Conn:      f.Conn,
		State:     entity.SessionState(f.State),
		CreatedAt: f.CreatedAt,
	}, nil
}

// SelectionToSession initializes a new Session entity with the assigned uuid,
// connection, and resolved selection.
func SelectionToSession(u uuid.UUID, c *websocket.Conn, sel entity.Selection) *entity.Session {
	return &entity.Session{
		UUID:      u,
		Variant:   sel.Variant,
		Selection: sel,
		Conn:      c,
		State:     entity.StateConnecting,
		CreatedAt: time.Now(),
	}
}

// ContextToSessionUUID extracts the UUID from a context
func ContextToSessionUUID(c context.Context) (uuid.UUID, error) {
	s, ok := c.Value(entity.SessionContextKey).(uuid.UUID)
	if !ok {
		return uuid.Nil, &errors.NoSessionFoundError{}
	}
	return s, nil
}
