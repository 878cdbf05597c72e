package handler

import (
	controller "github.com/uber/lsp-ws-proxy/src/wsproxy/controller"
	lspproxy "github.com/uber/lsp-ws-proxy/src/wsproxy/controller/lsp-proxy"
	handler "github.com/uber/lsp-ws-proxy/src/wsproxy/handler/lsp-proxy"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/repository/session"
	"go.uber.org/fx"
)

// Module provides the lsp-ws-proxy server into an Fx application.
var Module = fx.Options(
	controller.Module,
	fx.Provide(session.New),
	fx.Provide(handler.New),
	fx.Invoke(outputEndpointURLs),
	fx.Invoke(func(h handler.Handler) {}),
	fx.Invoke(func(c lspproxy.Controller) {}),
)
