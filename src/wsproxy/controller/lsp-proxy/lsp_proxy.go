// Package lspproxy implements the lsp-ws-proxy business logic. Each accepted
// WebSocket connection is paired with one language server process, and the
// controller owns the session from provisioning through reclamation.
package lspproxy

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	tally "github.com/uber-go/tally/v4"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/entity"
	wsclient "github.com/uber/lsp-ws-proxy/src/wsproxy/gateway/ws-client"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/clock"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/errors"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/internal/langserver"
	"github.com/uber/lsp-ws-proxy/src/wsproxy/repository/session"
	"go.uber.org/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	// Configuration keys
	_idleTimeoutMinutesKey = "idleTimeoutMinutes"
	_configKeySession      = "session"

	// Defaults applied when the session config block omits a value.
	_defaultMaxActive                = 20
	_defaultInactivityTimeoutMinutes = 5
	_defaultSpawnTimeoutSeconds      = 30
)

// Controller orchestrates the business logic for each session.
type Controller interface {
	// StartSession provisions a language server for the resolved selection and
	// bridges it to the given connection. The returned session's Done channel
	// is closed once both the transport and the process halves are released.
	StartSession(ctx context.Context, conn *websocket.Conn, sel entity.Selection) (Session, error)
	// EndSession winds down the session with the given UUID and blocks until
	// it has fully released. Ending a session twice is a no-op.
	EndSession(ctx context.Context, id uuid.UUID) error
	// DrainSessions winds down every live session. Used at daemon shutdown.
	DrainSessions(ctx context.Context) error
}

// Session is a handle to one live proxied session.
type Session interface {
	UUID() uuid.UUID
	Done() <-chan struct{}
}

type proxyConfig struct {
	MaxActive                int `yaml:"maxActive"`
	InactivityTimeoutMinutes int `yaml:"inactivityTimeoutMinutes"`
	SpawnTimeoutSeconds      int `yaml:"spawnTimeoutSeconds"`
}

// Params are inbound parameters to initialize a new controller.
type Params struct {
	fx.In

	Shutdowner fx.Shutdowner
	Lifecycle  fx.Lifecycle
	Sessions   session.Repository
	Clients    wsclient.Gateway
	Supervisor langserver.Supervisor
	Logger     *zap.SugaredLogger
	Config     config.Provider
	Clock      clock.Clock
	Stats      tally.Scope
}

type controller struct {
	sessions   session.Repository
	shutdowner fx.Shutdowner
	clients    wsclient.Gateway
	supervisor langserver.Supervisor
	logger     *zap.SugaredLogger
	clock      clock.Clock
	stats      tally.Scope

	maxActive         int
	spawnTimeout      time.Duration
	inactivityTimeout time.Duration
	observeInterval   time.Duration

	idleTimeoutMinutes time.Duration
	idleTimer          *time.Timer
	idleTimerMu        sync.Mutex
	idleStop           chan struct{}
	idleStopOnce       sync.Once

	liveMu sync.Mutex
	live   map[uuid.UUID]*liveSession

	wg sync.WaitGroup
}

// New constructs a new top-level controller for the service.
func New(p Params) (Controller, error) {
	ctx := context.Background()

	var timeoutMinutesRaw int64
	if err := p.Config.Get(_idleTimeoutMinutesKey).Populate(&timeoutMinutesRaw); err != nil || timeoutMinutesRaw == 0 {
		return nil, fmt.Errorf("unable to get idle timeout from config: %w", err)
	}

	var cfg proxyConfig
	if err := p.Config.Get(_configKeySession).Populate(&cfg); err != nil {
		return nil, fmt.Errorf("reading session config: %w", err)
	}
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = _defaultMaxActive
	}
	if cfg.InactivityTimeoutMinutes <= 0 {
		cfg.InactivityTimeoutMinutes = _defaultInactivityTimeoutMinutes
	}
	if cfg.SpawnTimeoutSeconds <= 0 {
		cfg.SpawnTimeoutSeconds = _defaultSpawnTimeoutSeconds
	}

	c := &controller{
		sessions:   p.Sessions,
		shutdowner: p.Shutdowner,
		clients:    p.Clients,
		supervisor: p.Supervisor,
		logger:     p.Logger,
		clock:      p.Clock,
		stats:      p.Stats,

		maxActive:         cfg.MaxActive,
		spawnTimeout:      time.Duration(cfg.SpawnTimeoutSeconds) * time.Second,
		inactivityTimeout: time.Duration(cfg.InactivityTimeoutMinutes) * time.Minute,
		observeInterval:   _observeInterval,

		idleTimeoutMinutes: time.Duration(timeoutMinutesRaw) * time.Minute,
		idleStop:           make(chan struct{}),
		live:               map[uuid.UUID]*liveSession{},
	}
	c.refreshIdleTimer(ctx)

	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStop: c.DrainSessions,
		})
	}

	return c, nil
}

// DrainSessions winds down every live session and waits for their pumps to
// finish, bounded by the given context.
func (c *controller) DrainSessions(ctx context.Context) error {
	c.idleStopOnce.Do(func() { close(c.idleStop) })

	c.liveMu.Lock()
	open := make([]*liveSession, 0, len(c.live))
	for _, ls := range c.live {
		open = append(open, ls)
	}
	c.liveMu.Unlock()

	if len(open) > 0 {
		c.logger.Infow("draining live sessions", "count", len(open))
	}

	var drainWg sync.WaitGroup
	for _, ls := range open {
		drainWg.Add(1)
		go func(ls *liveSession) {
			defer drainWg.Done()
			c.winddown(ctx, ls, websocket.CloseNormalClosure, entity.CloseReasonShutdown, "daemon shutdown")
		}(ls)
	}
	drainWg.Wait()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refreshIdleTimer ensures that the service shuts down after a defined inactivity period with no connections.
func (c *controller) refreshIdleTimer(ctx context.Context) error {
	c.idleTimerMu.Lock()
	defer c.idleTimerMu.Unlock()

	// First call initializes new timer and leaves it running prior to first connection.
	if c.idleTimer == nil {
		c.idleTimer = time.NewTimer(c.idleTimeoutMinutes)
		go func() {
			select {
			case <-c.idleTimer.C:
			case <-c.idleStop:
				return
			}
			c.logger.Info("No connections within the idle timeout, shutting down.")
			if err := c.shutdowner.Shutdown(); err != nil {
				os.Exit(1)
			}
		}()
		return nil
	}

	// Subsequent calls stop the timer and reset it only if no connections are active.
	currentSessions, err := c.sessions.SessionCount(ctx)
	if err != nil {
		return fmt.Errorf("error resetting timeout: %w", err)
	}

	c.idleTimer.Stop()
	if currentSessions == 0 {
		c.idleTimer.Reset(c.idleTimeoutMinutes)
	}
	return nil
}

// transition advances the stored session state, skipping illegal steps.
func (c *controller) transition(ctx context.Context, id uuid.UUID, next entity.SessionState) {
	sess, err := c.sessions.Get(ctx, id)
	if err != nil {
		return
	}
	if !sess.State.CanTransition(next) {
		return
	}
	sess.State = next
	if err := c.sessions.Set(ctx, sess); err != nil {
		c.logger.Error(err)
	}
}

// capacity returns a CapacityError when the advisory active session ceiling
// has been reached.
func (c *controller) capacity(ctx context.Context) error {
	active, err := c.sessions.SessionCount(ctx)
	if err != nil {
		return err
	}
	if active >= c.maxActive {
		return &errors.CapacityError{Active: active, Limit: c.maxActive}
	}
	return nil
}
