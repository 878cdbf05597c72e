package langserver

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/uber/lsp-ws-proxy/src/wsproxy/entity"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/clock"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/fs"
	"go.uber.org/zap"
)

var _ Process = (*process)(nil)

type process struct {
	variant    entity.Variant
	pid        int
	stdin      *os.File
	stdout     *os.File
	cmd        *exec.Cmd
	stagingDir string
	fs         fs.ProxyFS
	clk        clock.Clock
	grace      time.Duration
	logger     *zap.SugaredLogger

	done          chan struct{}
	exitCode      int
	terminateOnce sync.Once
}

func (p *process) Variant() entity.Variant { return p.variant }

func (p *process) PID() int { return p.pid }

func (p *process) Stdin() io.WriteCloser { return p.stdin }

func (p *process) Stdout() io.ReadCloser { return p.stdout }

func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) ExitCode() int { return p.exitCode }

// monitor reaps the process once it exits, then releases the staging
// directory and unblocks anyone waiting on Done.
func (p *process) monitor() {
	p.cmd.Wait()
	p.exitCode = p.cmd.ProcessState.ExitCode()

	if p.stagingDir != "" {
		if err := p.fs.RemoveAll(p.stagingDir); err != nil {
			p.logger.Warnw("removing staging directory", "dir", p.stagingDir, "error", err)
		}
	}

	close(p.done)
	p.logger.Infow("language server exited", "variant", p.variant, "pid", p.pid, "exitCode", p.exitCode)
}

// Wait blocks until the process has exited and been reaped.
func (p *process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Terminate asks the process group to exit and escalates to SIGKILL once the
// grace period expires. Calling it again, or after natural exit, is a no-op.
func (p *process) Terminate(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	p.terminateOnce.Do(func() {
		p.signal(syscall.SIGTERM)
		select {
		case <-p.done:
			return
		case <-ctx.Done():
		case <-p.clk.After(p.grace):
			p.logger.Infow("grace period expired, killing process group", "variant", p.variant, "pid", p.pid)
		}
		p.signal(syscall.SIGKILL)
	})

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signal delivers sig to the whole process group, tolerating a process that
// is already gone.
func (p *process) signal(sig syscall.Signal) {
	if err := syscall.Kill(-p.pid, sig); err != nil && err != syscall.ESRCH {
		p.logger.Warnw("signaling language server", "variant", p.variant, "pid", p.pid, "signal", sig, "error", err)
	}
}
