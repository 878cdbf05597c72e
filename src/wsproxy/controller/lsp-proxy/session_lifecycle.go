package lspproxy

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/entity"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/errors"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/langserver"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/lspframe"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/mapper"
	"go.lsp.dev/protocol"
	"go.uber.org/atomic"
)

// Startup frames pyright emits before it settles. They are logged and never
// forwarded to the client.
const _pyrightStartupFrames = 2

// liveSession holds the runtime halves of one session: the process handle and
// the framer endpoints the pumps push bytes through.
type liveSession struct {
	id      uuid.UUID
	variant entity.Variant
	proc    langserver.Process
	writer  *lspframe.Writer
	reader  *lspframe.Reader

	lastActivity atomic.Int64
	msgsToServer atomic.Int64
	msgsToClient atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// UUID identifies the session.
func (s *liveSession) UUID() uuid.UUID { return s.id }

// Done is closed once both the transport and the process have been released.
func (s *liveSession) Done() <-chan struct{} { return s.done }

func (s *liveSession) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *liveSession) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

// StartSession creates a new session for the connection, provisions its
// language server, and starts the pumps once the server is ready.
func (c *controller) StartSession(ctx context.Context, conn *websocket.Conn, sel entity.Selection) (Session, error) {
	defer c.refreshIdleTimer(ctx)

	if err := c.capacity(ctx); err != nil {
		return nil, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}

	// Pumps outlive the upgrade request, so they run on a session-scoped
	// context rather than the request context.
	sctx := context.WithValue(context.Background(), entity.SessionContextKey, id)

	if err := c.clients.RegisterClient(sctx, id, conn); err != nil {
		return nil, err
	}

	sess := mapper.SelectionToSession(id, conn, sel)
	if err := c.sessions.Set(sctx, sess); err != nil {
		c.failSession(sctx, sess, err)
		return nil, err
	}

	ls, err := c.provision(sctx, sess)
	if err != nil {
		c.failSession(sctx, sess, err)
		return nil, err
	}

	c.liveMu.Lock()
	c.live[id] = ls
	c.liveMu.Unlock()

	c.transition(sctx, id, entity.StateActive)
	c.logger.Infow("session started",
		"uuid", id,
		"variant", sess.Variant,
		"pid", ls.proc.PID(),
	)

	c.wg.Add(3)
	go c.pumpClientToServer(sctx, ls)
	go c.pumpServerToClient(sctx, ls)
	go c.observeSession(sctx, ls)

	return ls, nil
}

// EndSession winds down the session with the given UUID and blocks until it
// has fully released. Sessions that have already wound down are a no-op.
func (c *controller) EndSession(ctx context.Context, id uuid.UUID) error {
	defer c.refreshIdleTimer(ctx)

	c.liveMu.Lock()
	ls, ok := c.live[id]
	c.liveMu.Unlock()

	if !ok {
		return nil
	}

	c.winddown(ctx, ls, websocket.CloseNormalClosure, entity.CloseReasonShutdown, "session ended")
	<-ls.done
	return nil
}

// provision spawns the language server and waits for it to settle, bounded by
// the spawn timeout.
func (c *controller) provision(ctx context.Context, sess *entity.Session) (*liveSession, error) {
	spawnCtx, cancel := context.WithTimeout(ctx, c.spawnTimeout)
	defer cancel()

	proc, err := c.supervisor.Spawn(spawnCtx, sess.Selection)
	if err != nil {
		return nil, err
	}

	ls := &liveSession{
		id:      sess.UUID,
		variant: sess.Variant,
		proc:    proc,
		writer:  lspframe.NewWriter(proc.Stdin()),
		reader:  lspframe.NewReader(proc.Stdout()),
		done:    make(chan struct{}),
	}
	ls.touch()

	if sess.Variant == entity.VariantPyright {
		if err := c.drainStartupFrames(spawnCtx, ls, _pyrightStartupFrames); err != nil {
			if terr := ls.proc.Terminate(ctx); terr != nil {
				c.logger.Warnw("terminating unready language server", "uuid", ls.id, "error", terr)
			}
			return nil, &errors.SpawnError{Variant: sess.Variant.String(), Cause: err}
		}
	}

	return ls, nil
}

// drainStartupFrames consumes the notification frames the server emits before
// it is ready to serve requests.
func (c *controller) drainStartupFrames(ctx context.Context, ls *liveSession, n int) error {
	type result struct {
		frame []byte
		err   error
	}

	for i := 0; i < n; i++ {
		ch := make(chan result, 1)
		go func() {
			frame, err := ls.reader.ReadFrame()
			ch <- result{frame, err}
		}()

		select {
		case r := <-ch:
			if r.err != nil {
				return r.err
			}
			c.logStartupFrame(ls, r.frame)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// logStartupFrame surfaces startup notifications in the daemon log. Frames
// that are not window/logMessage notifications are discarded quietly.
func (c *controller) logStartupFrame(ls *liveSession, frame []byte) {
	var note struct {
		Method string                    `json:"method"`
		Params protocol.LogMessageParams `json:"params"`
	}
	if err := json.Unmarshal(frame, &note); err == nil && note.Method == protocol.MethodWindowLogMessage {
		c.logger.Infow("language server startup", "uuid", ls.id, "message", note.Params.Message)
		return
	}
	c.logger.Debugw("discarding startup frame", "uuid", ls.id, "bytes", len(frame))
}

// failSession releases whatever was registered for a session that never
// reached Active. The caller is responsible for surfacing the cause.
func (c *controller) failSession(ctx context.Context, sess *entity.Session, cause error) {
	c.logger.Warnw("session failed to start", "uuid", sess.UUID, "variant", sess.Variant, "error", cause)
	if errors.IsSpawnError(cause) {
		c.stats.Counter("spawn_failures").Inc(1)
	}

	c.transition(ctx, sess.UUID, entity.StateFailed)
	if err := c.clients.DeregisterClient(ctx, sess.UUID); err != nil {
		c.logger.Error(err)
	}
	if err := c.sessions.Delete(ctx, sess.UUID); err != nil {
		c.logger.Error(err)
	}
}

// winddown releases both halves of a session exactly once: close frame to the
// client, termination of the process group, then registry cleanup. Every exit
// path funnels through here.
func (c *controller) winddown(ctx context.Context, ls *liveSession, code int, reason string, cause string) {
	ls.closeOnce.Do(func() {
		ctx = context.WithValue(ctx, entity.SessionContextKey, ls.id)
		c.transition(ctx, ls.id, entity.StateDraining)

		if err := c.clients.CloseWithReason(ctx, code, reason); err != nil {
			c.logger.Debugw("closing client connection", "uuid", ls.id, "error", err)
		}

		if err := ls.proc.Terminate(ctx); err != nil {
			c.logger.Warnw("terminating language server", "uuid", ls.id, "error", err)
		}

		c.transition(ctx, ls.id, entity.StateClosed)
		if err := c.clients.DeregisterClient(ctx, ls.id); err != nil {
			c.logger.Error(err)
		}
		if err := c.sessions.Delete(ctx, ls.id); err != nil {
			c.logger.Error(err)
		}

		c.liveMu.Lock()
		delete(c.live, ls.id)
		c.liveMu.Unlock()

		close(ls.done)
		c.refreshIdleTimer(ctx)

		c.logger.Infow("session ended",
			"uuid", ls.id,
			"variant", ls.variant,
			"cause", cause,
			"toServer", ls.msgsToServer.Load(),
			"toClient", ls.msgsToClient.Load(),
		)
	})
}
