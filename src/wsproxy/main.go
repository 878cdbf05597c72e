package main

import (
	"github.com/uber/lsp-ws-proxy/src/wsproxy/app"
	"go.uber.org/fx"
)

func opts() fx.Option {
	return fx.Options(
		app.Module,
	)
}

func main() {
	fx.New(opts()).Run()
}
