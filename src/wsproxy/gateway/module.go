// Package gateway provides outbound communication with connected editor clients.
package gateway

import (
	wsclient "github.com/uber/lsp-ws-proxy/src/wsproxy/gateway/ws-client"
	"go.uber.org/fx"
)

// Module provides all gateways for use throughout the application.
var Module = fx.Options(
	fx.Provide(wsclient.New),
)
