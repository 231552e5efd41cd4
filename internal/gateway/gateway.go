// ABOUTME: Gateway context that owns every component and coordinates the HTTP, WebSocket and gRPC listeners
// ABOUTME: Handles construction order, Tailscale or TCP listeners, and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/clara-gateway/internal/auth"
	"github.com/2389/clara-gateway/internal/builtins"
	"github.com/2389/clara-gateway/internal/config"
	"github.com/2389/clara-gateway/internal/dedupe"
	"github.com/2389/clara-gateway/internal/hooks"
	"github.com/2389/clara-gateway/internal/llm"
	"github.com/2389/clara-gateway/internal/metrics"
	"github.com/2389/clara-gateway/internal/node"
	"github.com/2389/clara-gateway/internal/orchestrator"
	"github.com/2389/clara-gateway/internal/router"
	"github.com/2389/clara-gateway/internal/scheduler"
	"github.com/2389/clara-gateway/internal/session"
	"github.com/2389/clara-gateway/internal/store"
	"github.com/2389/clara-gateway/internal/supervisor"
	"github.com/2389/clara-gateway/internal/tools"
)

const (
	shutdownTimeout = 5 * time.Second
	// mcpDialTimeout bounds connecting to each configured MCP server at startup.
	mcpDialTimeout = 30 * time.Second
)

// Gateway owns the clara-gateway components and their lifecycle.
type Gateway struct {
	config     *config.Config
	configPath string
	logger     *slog.Logger
	startedAt  time.Time

	store        store.Store
	bus          *hooks.Bus
	sessions     *session.Manager
	dedupe       *dedupe.Cache
	tools        *tools.Executor
	orchestrator *orchestrator.Orchestrator
	router       *router.Router
	scheduler    *scheduler.Scheduler
	registry     *node.Registry
	supervisor   *supervisor.Supervisor
	metrics      *metrics.Metrics

	// verifier is nil when auth is disabled
	verifier    *auth.JWTVerifier
	health      *health.Server
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	markdown goldmark.Markdown
	upgrader websocket.Upgrader

	// conns tracks adapter connections so shutdown can wait for their flush.
	connMu  sync.Mutex
	conns   sync.WaitGroup
	closing atomic.Bool

	reloadMu     sync.Mutex
	shutdownOnce sync.Once
	shutdownErr  error
}

type options struct {
	llm        orchestrator.LLMClient
	memory     orchestrator.Memory
	store      store.Store
	configPath string
}

// Option customizes New.
type Option func(*options)

// WithLLMClient replaces the client built from the llm config section.
func WithLLMClient(c orchestrator.LLMClient) Option {
	return func(o *options) { o.llm = c }
}

// WithMemory replaces the notes-backed memory collaborator.
func WithMemory(m orchestrator.Memory) Option {
	return func(o *options) { o.memory = m }
}

// WithStore replaces the SQLite store. The gateway closes it on shutdown.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithConfigPath records the file Reload and POST /api/reload read from.
func WithConfigPath(path string) Option {
	return func(o *options) { o.configPath = path }
}

// initStore opens the SQLite store named by the database section.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.OpenSQLiteStore(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway. Nothing listens and no background work runs until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := o.store
	if s == nil {
		var err error
		if s, err = initStore(cfg); err != nil {
			return nil, err
		}
	}

	gw := &Gateway{
		config:     cfg,
		configPath: o.configPath,
		logger:     logger.With("component", "gateway"),
		startedAt:  time.Now(),
		store:      s,
		metrics:    metrics.New(),
		health:     health.NewServer(),
		markdown:   goldmark.New(goldmark.WithExtensions(extension.GFM)),
		upgrader:   newUpgrader(),
	}
	if err := gw.build(logger, o); err != nil {
		if gw.tools != nil {
			_ = gw.tools.Close()
		}
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// build wires the components. Everything that can fail runs before anything
// that starts goroutines.
func (g *Gateway) build(logger *slog.Logger, o options) error {
	cfg := g.config

	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating JWT verifier: %w", err)
		}
		g.verifier = v
	}

	client := o.llm
	if client == nil {
		var err error
		if client, err = llm.NewClient(cfg.LLM); err != nil {
			return fmt.Errorf("creating llm client: %w", err)
		}
	}

	g.bus = hooks.NewBus(hooks.BusConfig{
		Logger:   logger,
		Sink:     g.store,
		OnResult: func(r hooks.Result) { g.metrics.HookExecuted(hookOutcome(r)) },
	})
	if err := g.bus.Replace(hooks.SubscriptionsFromConfig(cfg.Hooks)); err != nil {
		return fmt.Errorf("registering hooks: %w", err)
	}

	g.sessions = session.NewManager(g.store, session.Config{
		IdleTimeout:   cfg.Sessions.IdleTimeout,
		SweepInterval: cfg.Sessions.SweepInterval,
		Logger:        logger,
		Publisher:     g.bus,
	})
	g.scheduler = scheduler.New(scheduler.Config{Logger: logger, Publisher: g.bus})
	tasks, err := scheduler.TasksFromConfig(cfg.Scheduler.Tasks, g.messageAction)
	if err != nil {
		return fmt.Errorf("loading scheduled tasks: %w", err)
	}

	g.tools = tools.NewExecutor(tools.ExecutorConfig{
		Timeout:  cfg.Tools.DefaultTimeout,
		Logger:   logger,
		OnResult: func(r tools.Result) { g.metrics.ToolInvoked(string(r.Outcome), r.Duration) },
	})
	provider := builtins.NewProvider(builtins.Deps{
		Store:          g.store,
		Sessions:       g.sessions,
		Scheduler:      g.scheduler,
		ReminderAction: g.messageAction,
	})
	if err := g.tools.Register(context.Background(), provider); err != nil {
		return fmt.Errorf("registering built-in tools: %w", err)
	}
	g.registerMCPServers(logger)

	memory := o.memory
	if memory == nil {
		memory = notesMemory{store: g.store}
	}
	ocfg := orchestrator.FromConfig(cfg.Orchestrator, cfg.LLM)
	ocfg.Logger = logger
	ocfg.Publisher = g.bus
	g.orchestrator = orchestrator.New(orchestrator.Deps{
		LLM:     client,
		Tools:   g.tools,
		Memory:  memory,
		History: g.sessions,
	}, ocfg)

	g.dedupe = dedupe.New(cfg.Router.DedupeWindow, cfg.Router.DedupeMaxEntries)
	g.registry = node.NewRegistry(node.Config{
		GracePeriod:   cfg.Adapters.ReconnectGracePeriod,
		BufferSize:    cfg.Adapters.RedeliveryBuffer,
		Logger:        logger,
		OnUndelivered: g.reportUndelivered,
	})
	g.router = router.New(newProcessor(g), router.Config{
		MaxActiveChannels: cfg.Router.MaxActiveChannels,
		QueueIdleTimeout:  cfg.Router.QueueIdleTimeout,
		Dedupe:            g.dedupe,
		Batching:          cfg.Router.Batching,
		Logger:            logger,
	})
	g.supervisor = supervisor.New(cfg.Supervisor.Adapters, supervisor.Options{
		Logger:        logger,
		PIDDir:        cfg.Supervisor.PIDDir,
		Publisher:     g.bus,
		OnStateChange: g.onAdapterState,
	})
	for _, a := range cfg.Supervisor.Adapters {
		state := supervisor.StateStopped
		if !a.IsEnabled() {
			state = supervisor.StateDisabled
		}
		g.health.SetServingStatus(healthServiceAdapterPrefix+a.Name, adapterHealth(state))
	}
	g.health.SetServingStatus(healthServiceGateway, healthpb.HealthCheckResponse_NOT_SERVING)

	g.metrics.TrackConnectedNodes(g.registry.Count)
	g.metrics.TrackQueueDepth(g.router.QueueDepth)

	g.grpcServer = newGRPCServer(g.health)
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := g.scheduler.Replace(tasks); err != nil {
		return fmt.Errorf("scheduling tasks: %w", err)
	}
	return nil
}

// registerMCPServers connects configured MCP servers. A server that fails
// is logged and skipped.
func (g *Gateway) registerMCPServers(logger *slog.Logger) {
	for _, mc := range g.config.Tools.MCPServers {
		ctx, cancel := context.WithTimeout(context.Background(), mcpDialTimeout)
		p, err := tools.DialMCPServer(ctx, mc, logger)
		if err == nil {
			if err = g.tools.Register(ctx, p); err != nil {
				_ = p.Close()
			}
		}
		cancel()
		if err != nil {
			g.logger.Error("failed to register MCP server", "server", mc.Name, "error", err)
		}
	}
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	mux.HandleFunc(g.config.Server.WSPath, g.handleWebSocket)
	g.registerAPIRoutes(mux)

	if g.config.Metrics.Enabled {
		mux.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}
	return mux
}

func hookOutcome(r hooks.Result) string {
	switch {
	case r.TimedOut:
		return "timeout"
	case r.Success:
		return "success"
	default:
		return "failure"
	}
}

// Handler returns the HTTP handler serving the WebSocket endpoint, the
// admin API and health checks.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// start launches background loops and the supervised adapters.
func (g *Gateway) start(ctx context.Context) {
	g.sessions.Start(ctx)
	g.scheduler.Start(ctx)
	g.bus.Publish(hooks.NewEvent(hooks.EventGatewayStartup, map[string]any{
		"nodes_expected": len(g.config.Supervisor.Adapters),
		"tools":          len(g.tools.ListTools()),
	}))
	if err := g.supervisor.Start(ctx); err != nil {
		g.logger.Error("some adapters failed to start", "error", err)
	}
	g.health.SetServingStatus(healthServiceGateway, healthpb.HealthCheckResponse_SERVING)
}

// setupTCPListeners creates standard TCP listeners for HTTP and, when
// configured, gRPC health.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
		"ws_path", g.config.Server.WSPath,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if g.config.Server.GRPCAddr == "" {
		return nil, httpLn, nil
	}
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run starts background work and the servers, and blocks until ctx is
// cancelled or a server fails. It always shuts the gateway down before
// returning. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}
	g.start(ctx)

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	if grpcLn != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}
	eg.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "clara-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens there for HTTP and gRPC health.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	if tsCfg.HTTPS {
		httpLn, err = g.createTailscaleTLSListener()
	} else {
		httpLn, err = g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			err = fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
	}
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// Shutdown stops accepting work, lets in-flight requests reach a terminal
// frame, flushes adapter connections and releases every component. Only
// the first call does anything; later calls return its result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.connMu.Lock()
	g.closing.Store(true)
	g.connMu.Unlock()

	g.health.SetServingStatus(healthServiceGateway, healthpb.HealthCheckResponse_NOT_SERVING)
	g.bus.Publish(hooks.NewEvent(hooks.EventGatewayShutdown, map[string]any{
		"nodes":  g.registry.Count(),
		"uptime": time.Since(g.startedAt).Round(time.Second).String(),
	}))

	var errs error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "router close", g.router.Close(ctx))

	// Nodes stay registered until the router has handed over every
	// terminal frame; closing them makes each write pump flush and hang up.
	g.registry.Close()
	errs = appendCloseError(errs, "adapter connections", g.waitConns(ctx))

	g.shutdownGRPCServer(ctx)
	errs = appendCloseError(errs, "supervisor stop", g.supervisor.StopAll(ctx))
	g.scheduler.Close()
	g.sessions.Close()
	errs = appendCloseError(errs, "tools close", g.tools.Close())
	g.bus.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	g.dedupe.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if errs != nil {
		return fmt.Errorf("shutdown errors: %w", errs)
	}
	g.logger.Info("gateway stopped")
	return nil
}

func (g *Gateway) waitConns(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs error, label string, err error) error {
	if err != nil {
		return multierror.Append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
