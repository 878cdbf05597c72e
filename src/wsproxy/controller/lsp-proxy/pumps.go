package lspproxy

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/entity"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/errors"
)

const (
	// Interval between per-session traffic reports and inactivity checks.
	_observeInterval = time.Minute

	// How long to wait for the exit status once stdout has closed.
	_exitStatusWait = 5 * time.Second
)

// pumpClientToServer forwards each transport message to the language server
// as one framed stdin write, preserving arrival order.
func (c *controller) pumpClientToServer(ctx context.Context, ls *liveSession) {
	defer c.wg.Done()

	for {
		payload, err := c.clients.Receive(ctx)
		if err != nil {
			c.winddown(ctx, ls, websocket.CloseNormalClosure, "", "client closed connection")
			return
		}
		ls.touch()

		if err := ls.writer.WriteFrame(payload); err != nil {
			c.logger.Warnw("writing to language server", "uuid", ls.id, "error", err)
			c.winddown(ctx, ls, websocket.CloseInternalServerErr, entity.CloseReasonShutdown, "language server write failed")
			return
		}
		ls.msgsToServer.Inc()
	}
}

// pumpServerToClient forwards each framed stdout message to the transport,
// preserving emission order.
func (c *controller) pumpServerToClient(ctx context.Context, ls *liveSession) {
	defer c.wg.Done()

	for {
		frame, err := ls.reader.ReadFrame()
		if err != nil {
			c.handleServerStreamEnd(ctx, ls, err)
			return
		}
		ls.touch()

		if err := c.clients.Send(ctx, frame); err != nil {
			c.winddown(ctx, ls, websocket.CloseNormalClosure, "", "client closed connection")
			return
		}
		ls.msgsToClient.Inc()
	}
}

// handleServerStreamEnd distinguishes framing violations, crashes, and clean
// exits once the server's stdout stream has ended.
func (c *controller) handleServerStreamEnd(ctx context.Context, ls *liveSession, err error) {
	if errors.IsFramingError(err) {
		c.logger.Warnw("language server produced a malformed frame", "uuid", ls.id, "error", err)
		c.stats.Counter("framing_failures").Inc(1)
		c.winddown(ctx, ls, websocket.CloseInternalServerErr, entity.CloseReasonShutdown, "framing violation")
		return
	}

	// Stdout has reached EOF, so the process has closed its end. Collect the
	// exit status, forcing termination if it somehow remains running.
	waitCtx, cancel := context.WithTimeout(ctx, _exitStatusWait)
	code, werr := ls.proc.Wait(waitCtx)
	cancel()
	if werr != nil {
		if terr := ls.proc.Terminate(ctx); terr != nil {
			c.logger.Warnw("terminating language server", "uuid", ls.id, "error", terr)
		}
		code, _ = ls.proc.Wait(ctx)
	}

	if code != 0 {
		crash := &errors.ProcessCrashError{Variant: ls.variant.String(), ExitCode: code}
		c.logger.Warnw("language server crashed", "uuid", ls.id, "error", crash)
		c.stats.Counter("process_crashes").Inc(1)
		c.winddown(ctx, ls, websocket.CloseInternalServerErr, entity.CloseReasonShutdown, crash.Error())
		return
	}

	c.winddown(ctx, ls, websocket.CloseNormalClosure, entity.CloseReasonShutdown, "language server exited")
}

// observeSession reports per-minute message counts and enforces the
// per-session inactivity timeout.
func (c *controller) observeSession(ctx context.Context, ls *liveSession) {
	defer c.wg.Done()

	ticker := c.clock.NewTicker(c.observeInterval)
	defer ticker.Stop()

	var lastToServer, lastToClient int64
	for {
		select {
		case <-ls.done:
			return
		case now := <-ticker.C:
			toServer := ls.msgsToServer.Load()
			toClient := ls.msgsToClient.Load()
			c.stats.Counter("messages_to_server").Inc(toServer - lastToServer)
			c.stats.Counter("messages_to_client").Inc(toClient - lastToClient)
			c.logger.Infow("session traffic",
				"uuid", ls.id,
				"variant", ls.variant,
				"toServer", toServer-lastToServer,
				"toClient", toClient-lastToClient,
			)
			lastToServer, lastToClient = toServer, toClient

			if ls.idleFor(now) >= c.inactivityTimeout {
				c.logger.Infow("closing idle session", "uuid", ls.id, "variant", ls.variant)
				c.winddown(ctx, ls, websocket.CloseNormalClosure, entity.CloseReasonIdle, "inactivity timeout")
				return
			}
		}
	}
}
