// ABOUTME: Gateway orchestrator wiring the session registry to one transport binding
// ABOUTME: Owns the HTTP server, optional tailnet listener, audit ledger, and the drain on shutdown

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"tailscale.com/tsnet"

	"github.com/2389/mcpd/internal/auth"
	"github.com/2389/mcpd/internal/builtins"
	"github.com/2389/mcpd/internal/config"
	"github.com/2389/mcpd/internal/mcp"
	"github.com/2389/mcpd/internal/metrics"
	"github.com/2389/mcpd/internal/session"
	"github.com/2389/mcpd/internal/shutdown"
	"github.com/2389/mcpd/internal/sse"
	"github.com/2389/mcpd/internal/stdio"
	"github.com/2389/mcpd/internal/store"
	"github.com/2389/mcpd/internal/streamable"
)

// routeRegistrar is implemented by the HTTP bindings.
type routeRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Gateway runs one transport binding over a session registry until shutdown.
type Gateway struct {
	config   *config.Config
	registry *session.Registry
	catalog  *mcp.Catalog
	logger   *slog.Logger
	clock    clockwork.Clock
	started  time.Time

	// exactly one of these is set
	stdio   *stdio.Server
	binding routeRegistrar

	httpServer  *http.Server
	listener    net.Listener
	tsnetServer *tsnet.Server

	metrics  *metrics.Collector
	store    *store.SQLiteStore
	recorder *store.Recorder

	coordinator *shutdown.Coordinator
}

// Option customises a Gateway.
type Option func(*options)

type options struct {
	in       io.Reader
	out      io.Writer
	clock    clockwork.Clock
	listener net.Listener
	packs    []*mcp.Pack
}

// WithStdio replaces os.Stdin and os.Stdout for the stdio binding.
func WithStdio(in io.Reader, out io.Writer) Option {
	return func(o *options) { o.in, o.out = in, out }
}

// WithClock sets the clock used for the drain deadline and session timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithListener serves HTTP on ln instead of opening server.http_addr.
func WithListener(ln net.Listener) Option {
	return func(o *options) { o.listener = ln }
}

// WithPacks registers additional tool packs alongside the builtin demo pack.
func WithPacks(packs ...*mcp.Pack) Option {
	return func(o *options) { o.packs = append(o.packs, packs...) }
}

// New builds a gateway for cfg.Server.Binding.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	o := options{in: os.Stdin, out: os.Stdout, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		config:   cfg,
		logger:   logger.With("component", "gateway"),
		clock:    o.clock,
		started:  o.clock.Now(),
		listener: o.listener,
	}

	g.catalog = mcp.NewCatalog(logger)
	for _, pack := range append([]*mcp.Pack{builtins.DemoPack(logger)}, o.packs...) {
		if err := g.catalog.RegisterPack(pack); err != nil {
			return nil, errors.Wrapf(err, "registering pack %s", pack.ID)
		}
	}

	var observers []session.Observer
	if cfg.Metrics.Enabled {
		g.metrics = metrics.New()
		observers = append(observers, g.metrics)
	}
	if cfg.Database.Path != "" {
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, errors.Wrap(err, "initializing store")
		}
		g.store = s
		g.recorder = store.NewRecorder(s, logger)
		observers = append(observers, g.recorder)
	}

	regOpts := session.Options{
		Binding: session.Binding(cfg.Server.Binding),
		NewHandler: mcp.NewHandlerFactory(mcp.Config{
			Catalog:    g.catalog,
			ServerInfo: mcp.Implementation{Name: cfg.Server.Name, Version: cfg.Server.Version},
			Logger:     logger,
		}),
		MaxSessions:    cfg.Sessions.MaxSessions,
		RequestTimeout: cfg.Sessions.RequestTimeout,
		RetiredIDTTL:   cfg.Sessions.RetiredIDTTL,
		Observers:      observers,
		Logger:         logger,
		Clock:          o.clock,
	}
	if cfg.Server.Binding == config.BindingStdio {
		regOpts.IDGenerator = stdio.IDGenerator
		regOpts.MaxSessions = 1
	}
	g.registry = session.NewRegistry(regOpts)

	if err := g.buildBinding(o); err != nil {
		g.Close()
		return nil, err
	}

	var listeners []shutdown.Listener
	if g.stdio == nil {
		handler, err := g.Handler()
		if err != nil {
			g.Close()
			return nil, err
		}
		g.httpServer = &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		listeners = append(listeners, g.httpServer)
	}

	coordinator, err := shutdown.New(shutdown.Config{
		Sessions:  g.registry,
		Listeners: listeners,
		Deadline:  cfg.Shutdown.DrainTimeout,
		Clock:     o.clock,
		Logger:    logger,
	})
	if err != nil {
		g.Close()
		return nil, err
	}
	g.coordinator = coordinator

	return g, nil
}

func (g *Gateway) buildBinding(o options) error {
	cfg := g.config
	switch cfg.Server.Binding {
	case config.BindingStdio:
		srv, err := stdio.New(stdio.Config{Registry: g.registry, In: o.in, Out: o.out, Logger: g.logger})
		if err != nil {
			return errors.Wrap(err, "creating stdio binding")
		}
		g.stdio = srv
	case config.BindingSSE:
		srv, err := sse.New(sse.Config{
			Registry:         g.registry,
			StreamPath:       cfg.SSE.StreamPath,
			MessagePath:      cfg.SSE.MessagePath,
			Keepalive:        cfg.Sessions.KeepaliveInterval,
			RespondViaStream: cfg.SSE.RespondViaStream,
			MaxRequestBytes:  cfg.SSE.MaxRequestBytes,
			Logger:           g.logger,
		})
		if err != nil {
			return errors.Wrap(err, "creating sse binding")
		}
		g.binding = srv
	case config.BindingStreamable:
		srv, err := streamable.New(streamable.Config{
			Registry:        g.registry,
			Path:            cfg.Streamable.Path,
			Keepalive:       cfg.Sessions.KeepaliveInterval,
			MaxRequestBytes: cfg.Streamable.MaxRequestBytes,
			Logger:          g.logger,
		})
		if err != nil {
			return errors.Wrap(err, "creating streamable binding")
		}
		g.binding = srv
	default:
		return errors.Newf("unknown binding %q", cfg.Server.Binding)
	}
	return nil
}

// Registry exposes the session registry.
func (g *Gateway) Registry() *session.Registry {
	return g.registry
}

// State reports the shutdown coordinator's state.
func (g *Gateway) State() shutdown.State {
	return g.coordinator.State()
}

// Handler builds the HTTP handler: health, readiness, and metrics are open;
// binding routes sit behind the bearer gate when auth is configured.
func (g *Gateway) Handler() (http.Handler, error) {
	if g.binding == nil {
		return nil, errors.New("binding has no HTTP surface")
	}

	bindingMux := http.NewServeMux()
	g.binding.RegisterRoutes(bindingMux)

	var bindingHandler http.Handler = bindingMux
	if g.config.Auth.Enabled() {
		verifier, err := buildVerifier(g.config.Auth)
		if err != nil {
			return nil, err
		}
		bindingHandler = auth.Middleware(verifier, g.logger)(bindingHandler)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/ready", g.handleReady)
	if g.metrics != nil {
		mux.Handle(g.config.Metrics.Path, g.metrics)
	}
	mux.Handle("/", bindingHandler)

	return accessLog(g.logger, g.metrics)(corsHandler(g.config.CORS)(mux)), nil
}

func buildVerifier(cfg config.AuthConfig) (auth.TokenVerifier, error) {
	var chain auth.Chain

	static, err := auth.NewStaticTokens(cfg.Tokens, cfg.TokenHashes)
	if err != nil {
		return nil, errors.Wrap(err, "loading auth tokens")
	}
	if !static.Empty() {
		chain = append(chain, static)
	}

	if cfg.JWTSecret != "" {
		jwtVerifier, err := auth.NewJWTVerifier([]byte(cfg.JWTSecret))
		if err != nil {
			return nil, errors.Wrap(err, "creating JWT verifier")
		}
		chain = append(chain, jwtVerifier)
	}
	return chain, nil
}

// Run serves until ctx is canceled or the binding ends on its own, then
// drains. It returns shutdown.ErrDeadlineExceeded when the drain overruns.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.Close()

	var serveErr error
	if g.stdio != nil {
		serveErr = g.runStdio(ctx)
	} else {
		serveErr = g.runHTTP(ctx)
	}

	drainErr := g.drain()
	if drainErr != nil {
		return drainErr
	}
	return serveErr
}

func (g *Gateway) runStdio(ctx context.Context) error {
	g.logger.Info("serving on standard streams")

	// The stdio session ends when the drain closes it, not when ctx ends, so
	// the drain waits for a request already being handled.
	errCh := make(chan error, 1)
	go func() { errCh <- g.stdio.Run(context.WithoutCancel(ctx)) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		if err := g.drain(); err != nil {
			return err
		}
		return <-errCh
	}
}

func (g *Gateway) runHTTP(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "binding", g.config.Server.Binding)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- errors.Wrap(err, "HTTP server")
		}
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// drain runs the coordinator once; later calls are no-ops.
func (g *Gateway) drain() error {
	err := g.coordinator.Drain(context.Background())
	if errors.Is(err, shutdown.ErrAlreadyDraining) {
		return nil
	}
	return err
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, errors.Wrap(err, label))
	}
	return errs
}

// Close releases the ledger, tailnet node, and registry resources.
func (g *Gateway) Close() {
	var errs []error
	if g.recorder != nil {
		g.recorder.Close()
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
		g.store = nil
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		g.tsnetServer = nil
	}
	if g.registry != nil {
		g.registry.Close()
	}
	for _, err := range errs {
		g.logger.Warn("close failed", "error", err)
	}
}
