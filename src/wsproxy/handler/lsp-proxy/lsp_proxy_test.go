package lspproxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/controller/lsp-proxy/lspproxymock"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/entity"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/factory"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/errors"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/wsfx"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/mapper"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
)

func TestNew(t *testing.T) {
	ctrl := gomock.NewController(t)

	wsmod := wsfx.NewMockWSModule(ctrl)
	wsmod.EXPECT().RegisterConnectionManager(gomock.Any())

	testScope := tally.NewTestScope("testing", make(map[string]string, 0))

	c := lspproxymock.NewMockController(ctrl)
	h := New(c, wsmod, testScope)

	assert.Equal(t, []string{_endpointPyright, _endpointClangd, _endpointGeneric}, h.Endpoints())
}

func TestNewConnection(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	c := lspproxymock.NewMockController(ctrl)
	testScope := tally.NewTestScope("testing", make(map[string]string, 0))

	mgr := wsConnectionManager{
		stats: testScope,
		ctrl:  c,
	}

	t.Run("pyright endpoint", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, _endpointPyright, nil)
		sess := lspproxymock.NewMockSession(ctrl)
		c.EXPECT().StartSession(gomock.Any(), gomock.Any(), entity.Selection{Variant: entity.VariantPyright}).Return(sess, nil)

		bridge, err := mgr.NewConnection(ctx, nil, req)
		assert.NoError(t, err)
		assert.Equal(t, sess, bridge)
	})

	t.Run("clangd endpoint with compiler options", func(t *testing.T) {
		target := _endpointClangd + "?" + _queryCompilerOptions + "=" + url.QueryEscape("-std=c++17 -I.")
		req := httptest.NewRequest(http.MethodGet, target, nil)

		want := entity.Selection{
			Variant: entity.VariantClangd,
			Config:  entity.Config{CompileFlags: []string{"-std=c++17", "-I."}},
		}
		sess := lspproxymock.NewMockSession(ctrl)
		c.EXPECT().StartSession(gomock.Any(), gomock.Any(), want).Return(sess, nil)

		_, err := mgr.NewConnection(ctx, nil, req)
		assert.NoError(t, err)
	})

	t.Run("clangd endpoint without options", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, _endpointClangd, nil)
		sess := lspproxymock.NewMockSession(ctrl)
		c.EXPECT().StartSession(gomock.Any(), gomock.Any(), entity.Selection{Variant: entity.VariantClangd}).Return(sess, nil)

		_, err := mgr.NewConnection(ctx, nil, req)
		assert.NoError(t, err)
	})

	t.Run("unknown path", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/rust-analyzer", nil)

		_, err := mgr.NewConnection(ctx, nil, req)
		assert.Error(t, err)
		assert.True(t, errors.IsUnsupportedVariantError(err))
	})

	t.Run("generic endpoint selection message", func(t *testing.T) {
		serverConn, clientConn := newConnPair(t)
		req := httptest.NewRequest(http.MethodGet, _endpointGeneric, nil)

		payload := []byte(`{"variant":"clangd","config":{"compileFlags":["-std=c++17"]}}`)
		require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, payload))

		want := entity.Selection{
			Variant: entity.VariantClangd,
			Config:  entity.Config{CompileFlags: []string{"-std=c++17"}},
		}
		sess := lspproxymock.NewMockSession(ctrl)
		c.EXPECT().StartSession(gomock.Any(), gomock.Any(), want).Return(sess, nil)

		bridge, err := mgr.NewConnection(ctx, serverConn, req)
		assert.NoError(t, err)
		assert.Equal(t, sess, bridge)
	})

	t.Run("generic endpoint unknown variant", func(t *testing.T) {
		serverConn, clientConn := newConnPair(t)
		req := httptest.NewRequest(http.MethodGet, _endpointGeneric, nil)

		require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte(`{"variant":"rust-analyzer"}`)))

		_, err := mgr.NewConnection(ctx, serverConn, req)
		assert.Error(t, err)
		assert.True(t, errors.IsUnsupportedVariantError(err))

		text := expectClose(t, clientConn, websocket.ClosePolicyViolation)
		assert.Contains(t, text, "rust-analyzer")
	})

	t.Run("generic endpoint malformed selection", func(t *testing.T) {
		serverConn, clientConn := newConnPair(t)
		req := httptest.NewRequest(http.MethodGet, _endpointGeneric, nil)

		require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte(`{"variant":`)))

		_, err := mgr.NewConnection(ctx, serverConn, req)
		assert.Error(t, err)

		expectClose(t, clientConn, websocket.ClosePolicyViolation)
	})

	t.Run("generic endpoint missing variant", func(t *testing.T) {
		serverConn, clientConn := newConnPair(t)
		req := httptest.NewRequest(http.MethodGet, _endpointGeneric, nil)

		require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte(`{"config":{}}`)))

		_, err := mgr.NewConnection(ctx, serverConn, req)
		assert.Error(t, err)
		assert.True(t, errors.IsBadRequest(err))

		expectClose(t, clientConn, websocket.ClosePolicyViolation)
	})

	t.Run("generic endpoint empty message", func(t *testing.T) {
		serverConn, clientConn := newConnPair(t)
		req := httptest.NewRequest(http.MethodGet, _endpointGeneric, nil)

		require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte{}))

		_, err := mgr.NewConnection(ctx, serverConn, req)
		assert.Error(t, err)
		assert.True(t, errors.IsBadRequest(err))

		expectClose(t, clientConn, websocket.ClosePolicyViolation)
	})

	t.Run("capacity rejection", func(t *testing.T) {
		serverConn, clientConn := newConnPair(t)
		req := httptest.NewRequest(http.MethodGet, _endpointPyright, nil)

		c.EXPECT().StartSession(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, &errors.CapacityError{Active: 20, Limit: 20})

		_, err := mgr.NewConnection(ctx, serverConn, req)
		assert.Error(t, err)

		expectClose(t, clientConn, websocket.CloseTryAgainLater)
	})

	t.Run("spawn rejection", func(t *testing.T) {
		serverConn, clientConn := newConnPair(t)
		req := httptest.NewRequest(http.MethodGet, _endpointPyright, nil)

		spawnErr := &errors.SpawnError{Variant: "pyright", Cause: errors.New("executable file not found in $PATH")}
		c.EXPECT().StartSession(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, spawnErr)

		_, err := mgr.NewConnection(ctx, serverConn, req)
		assert.Error(t, err)

		expectClose(t, clientConn, websocket.CloseInternalServerErr)
	})
}

func TestRemoveConnection(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	c := lspproxymock.NewMockController(ctrl)
	c.EXPECT().EndSession(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, id uuid.UUID) error {
		resultID, err := mapper.ContextToSessionUUID(ctx)
		assert.NoError(t, err)
		assert.Equal(t, id, resultID)
		return nil
	})

	testScope := tally.NewTestScope("testing", make(map[string]string, 0))

	mgr := wsConnectionManager{
		stats: testScope,
		ctrl:  c,
	}

	mgr.RemoveConnection(ctx, factory.UUID())
}

// newConnPair returns both ends of a live WebSocket connection.
func newConnPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		accepted <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { client.Close() })

	server = <-accepted
	t.Cleanup(func() { server.Close() })
	return server, client
}

// expectClose reads from the client end until the close frame arrives and
// returns its reason text.
func expectClose(t *testing.T, client *websocket.Conn, code int) string {
	t.Helper()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := client.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, code, closeErr.Code)
	return closeErr.Text
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
