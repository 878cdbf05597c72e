package langserver

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/entity"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/factory"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/clock"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/errors"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/fs"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/fs/fsmock"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/lspframe"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/serverinfofile/serverinfofilemock"
	"go.uber.org/config"
	"go.uber.org/fx/fxtest"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name          string
		sessionConfig map[string]interface{}
		wantGrace     time.Duration
	}{
		{
			name:          "grace from config",
			sessionConfig: map[string]interface{}{"terminateGraceSeconds": 2},
			wantGrace:     2 * time.Second,
		},
		{
			name:          "default grace",
			sessionConfig: map[string]interface{}{},
			wantGrace:     _defaultTerminateGrace,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			fsMock := fsmock.NewMockProxyFS(ctrl)
			infoMock := serverinfofilemock.NewMockServerInfoFile(ctrl)

			fsMock.EXPECT().MkdirAll(gomock.Any()).Return(nil).Times(len(_defaultCommands))
			fsMock.EXPECT().TempFile(gomock.Any(), gomock.Any()).DoAndReturn(func(dir, pattern string) (*os.File, error) {
				return os.CreateTemp(t.TempDir(), "")
			}).Times(len(_defaultCommands))
			infoMock.EXPECT().UpdateField(gomock.Any(), gomock.Any()).Return(nil).Times(len(_defaultCommands))

			provider, err := config.NewStaticProvider(map[string]interface{}{"session": tt.sessionConfig})
			require.NoError(t, err)

			sup, err := New(Params{
				Config:         provider,
				Logger:         zap.NewNop().Sugar(),
				FS:             fsMock,
				Clock:          clock.New(),
				Lifecycle:      fxtest.NewLifecycle(t),
				ServerInfoFile: infoMock,
			})
			require.NoError(t, err)

			s := sup.(*supervisor)
			assert.Equal(t, tt.wantGrace, s.grace)
			assert.Len(t, s.stderr, len(_defaultCommands))
		})
	}
}

func TestSpawnMissingBinary(t *testing.T) {
	sup := newTestSupervisor(map[entity.Variant][]string{
		entity.VariantPyright: {"wsproxy-test-missing-binary-8f1c"},
	})

	_, err := sup.Spawn(context.Background(), factory.Selection(entity.VariantPyright))
	require.Error(t, err)
	assert.True(t, errors.IsSpawnError(err))
}

func TestSpawnUnknownVariant(t *testing.T) {
	sup := newTestSupervisor(map[entity.Variant][]string{})

	_, err := sup.Spawn(context.Background(), factory.Selection(entity.VariantPyright))
	require.Error(t, err)
	assert.True(t, errors.IsSpawnError(err))
}

func TestSpawnStartFailure(t *testing.T) {
	requireBinary(t, "cat")
	sup := newTestSupervisor(map[entity.Variant][]string{
		entity.VariantPyright: {"cat"},
	})
	sup.start = func(cmd *exec.Cmd) error { return fmt.Errorf("sample start failure") }

	_, err := sup.Spawn(context.Background(), factory.Selection(entity.VariantPyright))
	require.Error(t, err)
	assert.True(t, errors.IsSpawnError(err))
}

func TestSpawnRoundTrip(t *testing.T) {
	requireBinary(t, "cat")
	sup := newTestSupervisor(map[entity.Variant][]string{
		entity.VariantPyright: {"cat"},
	})

	p, err := sup.Spawn(context.Background(), factory.Selection(entity.VariantPyright))
	require.NoError(t, err)
	assert.Equal(t, entity.VariantPyright, p.Variant())
	assert.NotZero(t, p.PID())

	// cat echoes each frame back unchanged.
	payload := factory.InitializePayload("/workspace")
	w := lspframe.NewWriter(p.Stdin())
	require.NoError(t, w.WriteFrame(payload))

	r := lspframe.NewReader(p.Stdout())
	got, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Closing stdin lets the process exit naturally.
	require.NoError(t, p.Stdin().Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestTerminate(t *testing.T) {
	requireBinary(t, "cat")
	sup := newTestSupervisor(map[entity.Variant][]string{
		entity.VariantPyright: {"cat"},
	})

	p, err := sup.Spawn(context.Background(), factory.Selection(entity.VariantPyright))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Terminate(ctx))

	select {
	case <-p.Done():
	default:
		t.Fatal("process not reaped after Terminate")
	}
	assert.Equal(t, -1, p.ExitCode())

	// Repeat calls are a no-op.
	require.NoError(t, p.Terminate(ctx))
	p.Stdin().Close()
}

func TestTerminateAfterNaturalExit(t *testing.T) {
	requireBinary(t, "true")
	sup := newTestSupervisor(map[entity.Variant][]string{
		entity.VariantPyright: {"true"},
	})

	p, err := sup.Spawn(context.Background(), factory.Selection(entity.VariantPyright))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	require.NoError(t, p.Terminate(ctx))
	p.Stdin().Close()
}

func TestTerminateForceKill(t *testing.T) {
	requireBinary(t, "sh")
	sup := newTestSupervisor(map[entity.Variant][]string{
		entity.VariantPyright: {"sh", "-c", `trap "" TERM; while :; do sleep 0.05; done`},
	})

	p, err := sup.Spawn(context.Background(), factory.Selection(entity.VariantPyright))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Terminate(ctx))

	assert.Equal(t, -1, p.ExitCode())
	p.Stdin().Close()
}

func TestSpawnStagesCompileFlags(t *testing.T) {
	requireBinary(t, "sh")
	sup := newTestSupervisor(map[entity.Variant][]string{
		// Trailing args are positional parameters to the shell, not to cat.
		entity.VariantClangd: {"sh", "-c", "cat", "wsproxy-test"},
	})

	sel := entity.Selection{
		Variant: entity.VariantClangd,
		Config:  entity.Config{CompileFlags: []string{"-std=c++17", "-I./include"}},
	}
	p, err := sup.Spawn(context.Background(), sel)
	require.NoError(t, err)

	proc := p.(*process)
	var stagingDir string
	for _, arg := range proc.cmd.Args {
		if strings.HasPrefix(arg, "--compile-commands-dir=") {
			stagingDir = strings.TrimPrefix(arg, "--compile-commands-dir=")
		}
	}
	require.NotEmpty(t, stagingDir)

	contents, err := os.ReadFile(filepath.Join(stagingDir, _compileFlagsFile))
	require.NoError(t, err)
	assert.Equal(t, "-std=c++17\n-I./include\n", string(contents))

	require.NoError(t, p.Stdin().Close())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = p.Wait(ctx)
	require.NoError(t, err)

	// The staging directory is reclaimed with the process.
	_, err = os.Stat(stagingDir)
	assert.True(t, os.IsNotExist(err))
}

func TestSpawnNoFlagsNoStaging(t *testing.T) {
	requireBinary(t, "cat")
	sup := newTestSupervisor(map[entity.Variant][]string{
		entity.VariantClangd: {"cat"},
	})

	p, err := sup.Spawn(context.Background(), entity.Selection{Variant: entity.VariantClangd})
	require.NoError(t, err)

	proc := p.(*process)
	assert.Empty(t, proc.stagingDir)
	for _, arg := range proc.cmd.Args {
		assert.False(t, strings.HasPrefix(arg, "--compile-commands-dir="))
	}

	require.NoError(t, p.Stdin().Close())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = p.Wait(ctx)
	require.NoError(t, err)
}

func newTestSupervisor(commands map[entity.Variant][]string) *supervisor {
	return &supervisor{
		logger:   zap.NewNop().Sugar(),
		fs:       fs.New(),
		clk:      clock.New(),
		commands: commands,
		grace:    100 * time.Millisecond,
		stderr:   map[entity.Variant]io.Writer{},
		start:    func(cmd *exec.Cmd) error { return cmd.Start() },
	}
}

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available on this system", name)
	}
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
