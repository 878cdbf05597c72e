package lspproxy

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/entity"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/factory"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/errors"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/langserver/langservermock"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/lspframe"
	"go.uber.org/mock/gomock"
)

// fakeProc emulates a spawned language server over in-memory pipes.
type fakeProc struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	exitCode int
	exitOnce sync.Once
	done     chan struct{}
}

func newFakeProc(ctrl *gomock.Controller, variant entity.Variant) (*langservermock.MockProcess, *fakeProc) {
	f := &fakeProc{done: make(chan struct{})}
	f.stdinR, f.stdinW = io.Pipe()
	f.stdoutR, f.stdoutW = io.Pipe()

	proc := langservermock.NewMockProcess(ctrl)
	proc.EXPECT().Variant().Return(variant).AnyTimes()
	proc.EXPECT().PID().Return(4242).AnyTimes()
	proc.EXPECT().Stdin().Return(f.stdinW).AnyTimes()
	proc.EXPECT().Stdout().Return(f.stdoutR).AnyTimes()
	proc.EXPECT().Wait(gomock.Any()).DoAndReturn(func(ctx context.Context) (int, error) {
		select {
		case <-f.done:
			return f.exitCode, nil
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}).AnyTimes()
	proc.EXPECT().Terminate(gomock.Any()).DoAndReturn(func(context.Context) error {
		f.exit(-1)
		return nil
	}).AnyTimes()
	return proc, f
}

// exit emulates the process dying with the given status: both stdio streams
// close and the exit status becomes observable.
func (f *fakeProc) exit(code int) {
	f.exitOnce.Do(func() {
		f.exitCode = code
		f.stdinR.Close()
		f.stdoutW.Close()
		close(f.done)
	})
}

// serve runs a minimal language server: optional startup notifications first,
// then an echo loop until the process dies.
func (f *fakeProc) serve(startupFrames ...[]byte) {
	go func() {
		writer := lspframe.NewWriter(f.stdoutW)
		for _, frame := range startupFrames {
			if err := writer.WriteFrame(frame); err != nil {
				return
			}
		}
		reader := lspframe.NewReader(f.stdinR)
		for {
			frame, err := reader.ReadFrame()
			if err != nil {
				return
			}
			if err := writer.WriteFrame(frame); err != nil {
				return
			}
		}
	}()
}

func waitForDone(t *testing.T, s Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not wind down in time")
	}
}

func waitForClose(t *testing.T, fc *fakeClient) closeFrame {
	t.Helper()
	select {
	case frame := <-fc.closed:
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("no close frame delivered to client")
		return closeFrame{}
	}
}

func waitForPayload(t *testing.T, fc *fakeClient) []byte {
	t.Helper()
	select {
	case payload := <-fc.outgoing:
		return payload
	case <-time.After(5 * time.Second):
		t.Fatal("no payload delivered to client")
		return nil
	}
}

func TestStartSessionPyright(t *testing.T) {
	f := newFixture(t, nil)
	fc := newFakeClient()
	f.wireGateway(fc)

	proc, fp := newFakeProc(f.ctrl, entity.VariantPyright)
	fp.serve(
		factory.LogMessagePayload("Pyright language server 1.1.400 starting"),
		factory.LogMessagePayload("Server root directory: /opt/pyright"),
	)
	sel := factory.Selection(entity.VariantPyright)
	f.supervisor.EXPECT().Spawn(gomock.Any(), sel).Return(proc, nil)

	s, err := f.controller.StartSession(context.Background(), nil, sel)
	require.NoError(t, err)

	stored, err := f.repo.Get(context.Background(), s.UUID())
	require.NoError(t, err)
	assert.Equal(t, entity.StateActive, stored.State)

	// The startup notifications must not reach the client: the first
	// delivered payload is the echo of the first request.
	payload := factory.InitializePayload("/workspace")
	fc.incoming <- payload
	assert.Equal(t, payload, waitForPayload(t, fc))

	fc.disconnect()
	waitForDone(t, s)

	frame := waitForClose(t, fc)
	assert.Equal(t, websocket.CloseNormalClosure, frame.code)
	assert.Empty(t, frame.reason)

	count, err := f.repo.SessionCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStartSessionClangd(t *testing.T) {
	f := newFixture(t, nil)
	fc := newFakeClient()
	f.wireGateway(fc)

	proc, fp := newFakeProc(f.ctrl, entity.VariantClangd)
	fp.serve()
	sel := factory.Selection(entity.VariantClangd)
	f.supervisor.EXPECT().Spawn(gomock.Any(), sel).Return(proc, nil)

	s, err := f.controller.StartSession(context.Background(), nil, sel)
	require.NoError(t, err)

	// No settling period: the very first request must round-trip.
	payload := factory.InitializePayload("/workspace")
	fc.incoming <- payload
	assert.Equal(t, payload, waitForPayload(t, fc))

	fc.disconnect()
	waitForDone(t, s)
}

func TestStartSessionAtCapacity(t *testing.T) {
	f := newFixture(t, sampleConfig{
		_configKeySession: map[string]interface{}{"maxActive": 1},
	})

	require.NoError(t, f.repo.Set(context.Background(), factory.Session(entity.VariantPyright)))

	_, err := f.controller.StartSession(context.Background(), nil, factory.Selection(entity.VariantClangd))
	require.Error(t, err)
	assert.True(t, errors.IsCapacityError(err))
}

func TestStartSessionSpawnFailure(t *testing.T) {
	f := newFixture(t, nil)
	fc := newFakeClient()
	f.wireGateway(fc)

	sel := factory.Selection(entity.VariantPyright)
	spawnErr := &errors.SpawnError{Variant: sel.Variant.String(), Cause: errors.New("executable file not found in $PATH")}
	f.supervisor.EXPECT().Spawn(gomock.Any(), sel).Return(nil, spawnErr)

	_, err := f.controller.StartSession(context.Background(), nil, sel)
	require.Error(t, err)
	assert.True(t, errors.IsSpawnError(err))

	// The failed session must not linger in the registry.
	count, err := f.repo.SessionCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStartSessionSpawnTimeout(t *testing.T) {
	f := newFixture(t, sampleConfig{
		_configKeySession: map[string]interface{}{"spawnTimeoutSeconds": 1},
	})
	fc := newFakeClient()
	f.wireGateway(fc)

	proc, fp := newFakeProc(f.ctrl, entity.VariantPyright)
	// Only one of the expected startup notifications ever arrives.
	fp.serve(factory.LogMessagePayload("Pyright language server 1.1.400 starting"))
	sel := factory.Selection(entity.VariantPyright)
	f.supervisor.EXPECT().Spawn(gomock.Any(), sel).Return(proc, nil)

	_, err := f.controller.StartSession(context.Background(), nil, sel)
	require.Error(t, err)
	assert.True(t, errors.IsSpawnError(err))

	// The unready process is reclaimed.
	select {
	case <-fp.done:
	case <-time.After(5 * time.Second):
		t.Fatal("unready language server was not terminated")
	}
}

func TestEndSession(t *testing.T) {
	f := newFixture(t, nil)
	fc := newFakeClient()
	f.wireGateway(fc)

	proc, fp := newFakeProc(f.ctrl, entity.VariantClangd)
	fp.serve()
	sel := factory.Selection(entity.VariantClangd)
	f.supervisor.EXPECT().Spawn(gomock.Any(), sel).Return(proc, nil)

	s, err := f.controller.StartSession(context.Background(), nil, sel)
	require.NoError(t, err)

	require.NoError(t, f.controller.EndSession(context.Background(), s.UUID()))

	select {
	case <-s.Done():
	default:
		t.Fatal("EndSession returned before the session wound down")
	}

	frame := waitForClose(t, fc)
	assert.Equal(t, websocket.CloseNormalClosure, frame.code)
	assert.Equal(t, entity.CloseReasonShutdown, frame.reason)

	count, err := f.repo.SessionCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)

	// Ending an unknown or already ended session is a no-op.
	require.NoError(t, f.controller.EndSession(context.Background(), s.UUID()))
	require.NoError(t, f.controller.EndSession(context.Background(), factory.UUID()))
}

func TestServerCrash(t *testing.T) {
	f := newFixture(t, nil)
	fc := newFakeClient()
	f.wireGateway(fc)

	proc, fp := newFakeProc(f.ctrl, entity.VariantClangd)
	fp.serve()
	sel := factory.Selection(entity.VariantClangd)
	f.supervisor.EXPECT().Spawn(gomock.Any(), sel).Return(proc, nil)

	s, err := f.controller.StartSession(context.Background(), nil, sel)
	require.NoError(t, err)

	fp.exit(3)
	waitForDone(t, s)

	frame := waitForClose(t, fc)
	assert.Equal(t, websocket.CloseInternalServerErr, frame.code)
	assert.Equal(t, entity.CloseReasonShutdown, frame.reason)
}

func TestServerCleanExit(t *testing.T) {
	f := newFixture(t, nil)
	fc := newFakeClient()
	f.wireGateway(fc)

	proc, fp := newFakeProc(f.ctrl, entity.VariantClangd)
	fp.serve()
	sel := factory.Selection(entity.VariantClangd)
	f.supervisor.EXPECT().Spawn(gomock.Any(), sel).Return(proc, nil)

	s, err := f.controller.StartSession(context.Background(), nil, sel)
	require.NoError(t, err)

	fp.exit(0)
	waitForDone(t, s)

	frame := waitForClose(t, fc)
	assert.Equal(t, websocket.CloseNormalClosure, frame.code)
	assert.Equal(t, entity.CloseReasonShutdown, frame.reason)
}

func TestFramingViolation(t *testing.T) {
	f := newFixture(t, nil)
	fc := newFakeClient()
	f.wireGateway(fc)

	proc, fp := newFakeProc(f.ctrl, entity.VariantClangd)
	sel := factory.Selection(entity.VariantClangd)
	f.supervisor.EXPECT().Spawn(gomock.Any(), sel).Return(proc, nil)

	s, err := f.controller.StartSession(context.Background(), nil, sel)
	require.NoError(t, err)

	// Emit a malformed header on the server's stdout.
	_, err = fp.stdoutW.Write([]byte("Content-Length: banana\r\n\r\n"))
	require.NoError(t, err)

	waitForDone(t, s)

	frame := waitForClose(t, fc)
	assert.Equal(t, websocket.CloseInternalServerErr, frame.code)
	assert.Equal(t, entity.CloseReasonShutdown, frame.reason)
}

func TestInactivityTimeout(t *testing.T) {
	f := newFixture(t, nil)
	f.controller.inactivityTimeout = 40 * time.Millisecond
	fc := newFakeClient()
	f.wireGateway(fc)

	proc, fp := newFakeProc(f.ctrl, entity.VariantClangd)
	fp.serve()
	sel := factory.Selection(entity.VariantClangd)
	f.supervisor.EXPECT().Spawn(gomock.Any(), sel).Return(proc, nil)

	s, err := f.controller.StartSession(context.Background(), nil, sel)
	require.NoError(t, err)

	waitForDone(t, s)

	frame := waitForClose(t, fc)
	assert.Equal(t, websocket.CloseNormalClosure, frame.code)
	assert.Equal(t, entity.CloseReasonIdle, frame.reason)
}

func TestDrainSessions(t *testing.T) {
	f := newFixture(t, nil)
	fc := newFakeClient()
	f.wireGateway(fc)

	sel := factory.Selection(entity.VariantClangd)
	procA, fpA := newFakeProc(f.ctrl, entity.VariantClangd)
	fpA.serve()
	procB, fpB := newFakeProc(f.ctrl, entity.VariantClangd)
	fpB.serve()
	gomock.InOrder(
		f.supervisor.EXPECT().Spawn(gomock.Any(), sel).Return(procA, nil),
		f.supervisor.EXPECT().Spawn(gomock.Any(), sel).Return(procB, nil),
	)

	a, err := f.controller.StartSession(context.Background(), nil, sel)
	require.NoError(t, err)
	b, err := f.controller.StartSession(context.Background(), nil, sel)
	require.NoError(t, err)

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.controller.DrainSessions(drainCtx))

	waitForDone(t, a)
	waitForDone(t, b)

	for i := 0; i < 2; i++ {
		frame := waitForClose(t, fc)
		assert.Equal(t, websocket.CloseNormalClosure, frame.code)
		assert.Equal(t, entity.CloseReasonShutdown, frame.reason)
	}

	count, err := f.repo.SessionCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}
