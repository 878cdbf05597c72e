// Package langserver provisions and reclaims the language server processes
// backing proxy sessions. Each spawned process runs in its own process group
// with stdio piped back to the owning session.
package langserver

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/uber/lsp-ws-proxy/src/wsproxy/entity"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/clock"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/errors"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/fs"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/logfilewriter"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/serverinfofile"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	_configKeySession = "session"

	_compileFlagsFile = "compile_flags.txt"

	_defaultTerminateGrace = 5 * time.Second
)

var _defaultCommands = map[entity.Variant][]string{
	entity.VariantPyright: {"pyright-langserver", "--stdio"},
	entity.VariantClangd:  {"clangd", "--log=error", "--background-index=false", "--malloc-trim"},
}

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Supervisor launches language server processes on behalf of sessions.
type Supervisor interface {
	// Spawn launches the binary for the selected variant and returns a handle
	// to the running process. The caller owns the handle and must ensure
	// Terminate is called or natural exit is observed on every path.
	Spawn(ctx context.Context, sel entity.Selection) (Process, error)
}

// Process is a handle to one running language server, owned by a single session.
type Process interface {
	Variant() entity.Variant
	PID() int

	// Stdin accepts framed messages bound for the language server.
	Stdin() io.WriteCloser
	// Stdout carries framed messages produced by the language server.
	Stdout() io.ReadCloser

	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// ExitCode reports the exit status. Valid only after Done is closed;
	// -1 indicates the process was ended by a signal.
	ExitCode() int

	// Wait blocks until the process has exited and been reaped.
	Wait(ctx context.Context) (int, error)

	// Terminate asks the process group to exit, escalating to a forced kill
	// after the grace period. Safe to call repeatedly and after natural exit.
	Terminate(ctx context.Context) error
}

type sessionConfig struct {
	TerminateGraceSeconds int `yaml:"terminateGraceSeconds"`
}

// Params define the dependencies of this module.
type Params struct {
	fx.In

	Config         config.Provider
	Logger         *zap.SugaredLogger
	FS             fs.ProxyFS
	Clock          clock.Clock
	Lifecycle      fx.Lifecycle
	ServerInfoFile serverinfofile.ServerInfoFile
}

type supervisor struct {
	logger   *zap.SugaredLogger
	fs       fs.ProxyFS
	clk      clock.Clock
	commands map[entity.Variant][]string
	grace    time.Duration
	stderr   map[entity.Variant]io.Writer
	start    func(cmd *exec.Cmd) error
}

// New creates a new Supervisor.
func New(p Params) (Supervisor, error) {
	var cfg sessionConfig
	if err := p.Config.Get(_configKeySession).Populate(&cfg); err != nil {
		return nil, fmt.Errorf("reading session config: %w", err)
	}

	grace := time.Duration(cfg.TerminateGraceSeconds) * time.Second
	if grace <= 0 {
		grace = _defaultTerminateGrace
	}

	// Each variant's stderr lands in its own log file for later inspection.
	stderr := make(map[entity.Variant]io.Writer, len(_defaultCommands))
	for variant := range _defaultCommands {
		w, err := logfilewriter.SetupOutputWriter(logfilewriter.Params{
			FS:             p.FS,
			Lifecycle:      p.Lifecycle,
			ServerInfoFile: p.ServerInfoFile,
		}, string(variant))
		if err != nil {
			return nil, fmt.Errorf("creating output writer for %s: %w", variant, err)
		}
		stderr[variant] = w
	}

	return &supervisor{
		logger:   p.Logger,
		fs:       p.FS,
		clk:      p.Clock,
		commands: _defaultCommands,
		grace:    grace,
		stderr:   stderr,
		start:    func(cmd *exec.Cmd) error { return cmd.Start() },
	}, nil
}

// Spawn launches the language server for the given selection.
func (s *supervisor) Spawn(ctx context.Context, sel entity.Selection) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, &errors.SpawnError{Variant: string(sel.Variant), Cause: err}
	}

	argv, ok := s.commands[sel.Variant]
	if !ok {
		return nil, &errors.SpawnError{Variant: string(sel.Variant), Cause: fmt.Errorf("no command registered")}
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, &errors.SpawnError{Variant: string(sel.Variant), Cause: err}
	}

	args := make([]string, len(argv))
	copy(args, argv)

	stagingDir := ""
	if sel.Variant == entity.VariantClangd && len(sel.Config.CompileFlags) > 0 {
		stagingDir, err = s.stageCompileFlags(sel.Config.CompileFlags)
		if err != nil {
			return nil, &errors.SpawnError{Variant: string(sel.Variant), Cause: err}
		}
		args = append(args, "--compile-commands-dir="+stagingDir)
	}

	cmd := exec.Command(path, args[1:]...)
	cmd.Stderr = s.stderr[sel.Variant]
	// The process group lets Terminate signal the server and any children it forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdinRead, stdinWrite, err := os.Pipe()
	if err != nil {
		s.cleanupStaging(stagingDir)
		return nil, &errors.SpawnError{Variant: string(sel.Variant), Cause: err}
	}
	stdoutRead, stdoutWrite, err := os.Pipe()
	if err != nil {
		stdinRead.Close()
		stdinWrite.Close()
		s.cleanupStaging(stagingDir)
		return nil, &errors.SpawnError{Variant: string(sel.Variant), Cause: err}
	}
	cmd.Stdin = stdinRead
	cmd.Stdout = stdoutWrite

	s.logger.Infow("starting language server", "variant", sel.Variant, "path", cmd.Path, "args", cmd.Args[1:])
	if err := s.start(cmd); err != nil {
		stdinRead.Close()
		stdinWrite.Close()
		stdoutRead.Close()
		stdoutWrite.Close()
		s.cleanupStaging(stagingDir)
		return nil, &errors.SpawnError{Variant: string(sel.Variant), Cause: err}
	}

	// The child holds its own copies of these descriptors now. Closing ours
	// lets stdout reach EOF once the process exits.
	stdinRead.Close()
	stdoutWrite.Close()

	p := &process{
		variant:    sel.Variant,
		pid:        cmd.Process.Pid,
		stdin:      stdinWrite,
		stdout:     stdoutRead,
		cmd:        cmd,
		stagingDir: stagingDir,
		fs:         s.fs,
		clk:        s.clk,
		grace:      s.grace,
		logger:     s.logger,
		done:       make(chan struct{}),
	}
	go p.monitor()

	s.logger.Infow("language server started", "variant", sel.Variant, "pid", p.pid)
	return p, nil
}

// stageCompileFlags writes the requested compiler flags to a compile_flags.txt
// in a fresh staging directory, one flag per line, for clangd to pick up.
func (s *supervisor) stageCompileFlags(flags []string) (string, error) {
	dir, err := s.fs.MkdirTemp("", "clangd-flags-")
	if err != nil {
		return "", err
	}

	contents := strings.Join(flags, "\n") + "\n"
	if err := s.fs.WriteFile(filepath.Join(dir, _compileFlagsFile), contents); err != nil {
		s.fs.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

func (s *supervisor) cleanupStaging(dir string) {
	if dir == "" {
		return
	}
	if err := s.fs.RemoveAll(dir); err != nil {
		s.logger.Warnw("removing staging directory", "dir", dir, "error", err)
	}
}
