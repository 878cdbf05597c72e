package model

import (
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
)

// Session is the repository layer model for an individual proxied connection.
type Session struct {
	UUID         uuid.UUID
	Variant      string
	CompileFlags []string
	Conn         *websocket.Conn
	State        int32
	CreatedAt    time.Time
}
