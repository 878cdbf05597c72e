package factory

import (
	"encoding/json"

	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

// JSONRPCRequest is a user-defined factory for a JSON-RPC request containing the specified method and parameters.
func JSONRPCRequest(method string, params interface{}) jsonrpc2.Request {
	req, _ := jsonrpc2.NewCall(jsonrpc2.NewNumberID(5), method, params)
	return req
}

// RequestPayload is a user-defined factory for the raw JSON payload of a request containing the specified method and parameters.
func RequestPayload(method string, params interface{}) []byte {
	data, _ := json.Marshal(JSONRPCRequest(method, params))
	return data
}

// InitializePayload is a user-defined factory for a raw initialize request rooted at the given path.
func InitializePayload(root string) []byte {
	return RequestPayload(protocol.MethodInitialize, &protocol.InitializeParams{
		RootURI: uri.File(root),
	})
}

// LogMessagePayload is a user-defined factory for a raw window/logMessage notification.
func LogMessagePayload(message string) []byte {
	notif, _ := jsonrpc2.NewNotification(protocol.MethodWindowLogMessage, &protocol.LogMessageParams{
		Type:    protocol.MessageTypeLog,
		Message: message,
	})
	data, _ := json.Marshal(notif)
	return data
}
