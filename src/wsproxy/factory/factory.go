package factory

import (
	"github.com/gofrs/uuid"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/entity"
)

// UUID is a user-defined factory for a random uuid.UUID.
func UUID() uuid.UUID {
	return uuid.Must(uuid.NewV4())
}

// Selection is a user-defined factory for a resolved Selection of the given variant.
func Selection(variant entity.Variant) entity.Selection {
	sel := entity.Selection{Variant: variant}
	if variant == entity.VariantClangd {
		sel.Config = entity.Config{CompileFlags: []string{"-std=c++17"}}
	}
	return sel
}

// Session is a user-defined factory for a Session entity of the given variant.
func Session(variant entity.Variant) *entity.Session {
	sel := Selection(variant)
	return &entity.Session{
		UUID:      UUID(),
		Variant:   variant,
		Selection: sel,
		State:     entity.StateConnecting,
	}
}
