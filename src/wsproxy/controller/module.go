// Package controller contains logic to fulfill requests.
package controller

import (
	lspproxy "github.com/uber/lsp-ws-proxy/src/wsproxy/controller/lsp-proxy"
	"go.uber.org/fx"
)

// Module provides controllers for use throughout the application.
var Module = fx.Options(
	fx.Provide(lspproxy.New),
)
