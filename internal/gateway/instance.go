// Package gateway implements the CDP relay: it multiplexes one browser
// extension WebSocket onto N CDP client WebSockets, keyed per Chrome
// DevTools endpoint URL.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config configures one Instance. Host/Port describe the address the
// relay's own HTTP+WS surface binds to; CDPURL is the key the Instance is
// registered under in the supervisor and is attached to every log line.
// Logger is optional — a nil Logger gets a zerolog console writer over
// stderr, matching the teacher's default gateway logger construction.
type Config struct {
	Host   string
	Port   int
	CDPURL string
	Logger *zerolog.Logger
}

// Instance owns all state for a single relayed cdpUrl: the bearer token,
// the extension link, the target registry, and the CDP session hub. Every
// registry mutation goes through mu, matching the teacher's single-mutex
// Server. The extension link's pending calls, the router's pending attaches
// and the hub's client set are each guarded by their own component's mutex.
type Instance struct {
	cfg    Config
	logger zerolog.Logger
	token  string

	echo *echo.Echo
	ln   net.Listener

	mu       sync.Mutex
	registry *registry
	link     *extensionLink
	hub      *cdpHub
	router   *cdpRouter

	startTime time.Time
	closed    bool
	closeOnce sync.Once
}

// New constructs an Instance bound to cfg.Host:cfg.Port. It does not start
// serving until Start is called.
func New(cfg Config) (*Instance, error) {
	token, err := mintToken()
	if err != nil {
		return nil, err
	}

	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	logger = logger.With().Str("component", "gateway").Str("cdpUrl", cfg.CDPURL).Logger()

	inst := &Instance{
		cfg:       cfg,
		logger:    logger,
		token:     token,
		startTime: time.Now(),
	}
	inst.registry = newRegistry(inst)
	inst.link = newExtensionLink(inst)
	inst.hub = newCDPHub(inst)
	inst.router = newCDPRouter(inst)

	inst.echo = echo.New()
	inst.echo.HideBanner = true
	inst.echo.HidePort = true
	inst.setupMiddleware()
	inst.setupRoutes()

	return inst, nil
}

func (inst *Instance) setupMiddleware() {
	inst.echo.Use(middleware.Recover())
	inst.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			inst.logger.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Msg("http request")
			return nil
		},
	}))
	inst.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
	}))
	inst.echo.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(50),
			Burst:     100,
			ExpiresIn: time.Minute,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		},
	}))
}

// Start binds the listener and begins serving. It blocks until ctx is
// cancelled or Stop is called.
func (inst *Instance) Start(ctx context.Context) error {
	if err := inst.Listen(); err != nil {
		return err
	}
	return inst.Serve(ctx)
}

// Listen binds the TCP listener synchronously, so the caller can rely on
// Addr() being accurate as soon as Listen returns without racing Serve's
// goroutine.
func (inst *Instance) Listen() error {
	addr := fmt.Sprintf("%s:%d", inst.cfg.Host, inst.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	inst.ln = ln
	inst.cfg.Port = ln.Addr().(*net.TCPAddr).Port
	return nil
}

// Serve runs the HTTP+WS surface against the listener bound by Listen. It
// blocks until ctx is cancelled, Stop is called, or the server exits.
func (inst *Instance) Serve(ctx context.Context) error {
	if inst.ln == nil {
		if err := inst.Listen(); err != nil {
			return err
		}
	}
	inst.logger.Info().Str("addr", inst.ln.Addr().String()).Msg("relay listening")

	errc := make(chan error, 1)
	go func() {
		errc <- inst.echo.Server.Serve(inst.ln)
	}()

	select {
	case <-ctx.Done():
		return inst.Stop()
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// Stop tears down the Instance: it cancels every pending future with a
// Shutdown error, closes the extension link and every CDP client socket,
// and shuts the HTTP server down.
func (inst *Instance) Stop() error {
	var err error
	inst.closeOnce.Do(func() {
		inst.mu.Lock()
		inst.closed = true
		inst.mu.Unlock()

		inst.router.mu.Lock()
		attaches := inst.router.pendingAttaches
		inst.router.pendingAttaches = make(map[string]*pendingAttach)
		inst.router.mu.Unlock()
		for _, pa := range attaches {
			pa.cancel(newError(KindShutdown, "relay shutting down"))
		}

		inst.link.shutdown()
		inst.hub.shutdown()
		inst.registry.shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = inst.echo.Shutdown(shutdownCtx)
	})
	return err
}

// Addr returns the bound host:port, valid after Start has begun listening.
func (inst *Instance) Addr() string {
	if inst.ln == nil {
		return fmt.Sprintf("%s:%d", inst.cfg.Host, inst.cfg.Port)
	}
	return inst.ln.Addr().String()
}

// Token returns the bearer token CDP clients must present.
func (inst *Instance) Token() string {
	return inst.token
}

func (inst *Instance) isClosed() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.closed
}
