package handler

import (
	"fmt"
	"strings"

	lspproxy "github.com/uber/lsp-ws-proxy/src/wsproxy/handler/lsp-proxy"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/serverinfofile"
	"go.uber.org/config"
	"go.uber.org/multierr"
)

const (
	_errInvalidEntry = "type error or missing field for key %q"

	_fmtInfoFileKey = "%s-%s"

	_configKeyWebSocket = "websocket"
	_configKeyAddress   = "address"
	_infoFileFieldURL   = "url"
)

// Output one connectable URL per endpoint from the websocket configuration
// block. The bound address field itself is maintained by the WebSocket module.
func outputEndpointURLs(cfg config.Provider, h lspproxy.Handler, infofile serverinfofile.ServerInfoFile) error {
	var cfgData map[string]interface{}
	if err := cfg.Get(_configKeyWebSocket).Populate(&cfgData); err != nil {
		return fmt.Errorf("loading websocket config: %v", err)
	}

	address, ok := cfgData[_configKeyAddress].(string)
	if !ok {
		return fmt.Errorf(_errInvalidEntry, _configKeyAddress)
	}

	var errs error
	for _, endpoint := range h.Endpoints() {
		name := strings.TrimPrefix(endpoint, "/")
		url := fmt.Sprintf("ws://%s%s", address, endpoint)
		if err := infofile.UpdateField(fmt.Sprintf(_fmtInfoFileKey, name, _infoFileFieldURL), url); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("outputting %q url to info file: %w", name, err))
		}
	}

	return errs
}
