package app

import (
	"context"
	"time"

	tally "github.com/uber-go/tally/v4"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/gateway"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/handler"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/clock"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/core"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/fs"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/langserver"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/serverinfofile"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/wsfx"
	"go.uber.org/fx"
)

// Module defines the lsp-ws-proxy application module.
var Module = fx.Options(
	gateway.Module, // outbounds
	handler.Module, // inbounds
	wsfx.Module,
	fs.Module,
	langserver.Module,
	serverinfofile.Module,
	core.ConfigModule,
	core.LoggerModule,
	fx.Provide(clock.New),
	fx.Provide(func(lc fx.Lifecycle) tally.Scope {
		rs, closer := tally.NewRootScope(tally.ScopeOptions{
			Tags: map[string]string{
				"service": "lsp-ws-proxy",
			},
		}, 1*time.Second)

		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return closer.Close()
			},
		})

		return rs
	}),
	fx.Decorate(decorateEnvContext),
	fx.Decorate(decorateConfigProvider),
	fx.Provide(func() Context {
		return Context{
			Environment:        "local",
			RuntimeEnvironment: "local",
		}
	}),
)
