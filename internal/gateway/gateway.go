// ABOUTME: Gateway orchestrator that coordinates the HTTP and gRPC servers
// ABOUTME: Owns the registry, correlator, session negotiator, audit store and their lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/2389/omni-gateway/internal/auth"
	"github.com/2389/omni-gateway/internal/config"
	"github.com/2389/omni-gateway/internal/correlator"
	"github.com/2389/omni-gateway/internal/registry"
	"github.com/2389/omni-gateway/internal/session"
	"github.com/2389/omni-gateway/internal/store"
)

// ErrAgentNotConnected means no live connection exists for the target agent,
// or the command could not be written to it.
var ErrAgentNotConnected = errors.New("agent not connected")

// Gateway orchestrates the omni-gateway server components.
type Gateway struct {
	config     *config.Config
	tokens     *auth.TokenService
	directory  *auth.Directory
	registry   *registry.Registry
	correlator *correlator.Correlator
	negotiator *session.Negotiator
	store      *store.SQLiteStore
	health     *health.Server

	grpcServer *grpc.Server
	httpServer *http.Server
	logger     *slog.Logger

	// tailnet is set once setupTailscaleListeners succeeds. newTailnet
	// builds the node; nil means a real tsnet node.
	tailnet    tailnetNode
	newTailnet func(tailnetOptions) tailnetNode

	now func() time.Time
}

// New creates a Gateway from configuration. The audit store is opened here;
// listeners are created by Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if len(cfg.Auth.JWTSecret) < config.MinSecretLength {
		return nil, fmt.Errorf("auth.jwt_secret must be at least %d bytes", config.MinSecretLength)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	operators := make([]auth.Operator, 0, len(cfg.Auth.Operators))
	for _, op := range cfg.Auth.Operators {
		operators = append(operators, auth.Operator{
			ID:           op.ID,
			Email:        op.Email,
			PasswordHash: op.PasswordHash,
			Roles:        op.Roles,
		})
	}

	reg := registry.New(logger.With("component", "registry"))

	g := &Gateway{
		config:     cfg,
		tokens:     auth.NewTokenService([]byte(cfg.Auth.JWTSecret)),
		directory:  auth.NewDirectory(operators),
		registry:   reg,
		correlator: correlator.New(logger.With("component", "correlator")),
		negotiator: session.NewNegotiator(reg, logger.With("component", "session")),
		store:      s,
		logger:     logger.With("component", "gateway"),
		now:        time.Now,
	}

	g.health = newHealthServer()
	g.grpcServer = newGRPCServer(g.health)

	g.httpServer = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.logger.Info("gateway initialized",
		"operators", g.directory.Len(),
		"command_timeout", cfg.Agents.CommandTimeout,
	)
	return g, nil
}

// Handler returns the HTTP surface of the gateway.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	anyPrincipal := auth.HTTPAuthMiddleware(g.tokens, auth.RoleAgent, auth.RoleOperator)
	operatorOnly := auth.HTTPAuthMiddleware(g.tokens, auth.RoleOperator)

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("GET /connect", g.handleConnect)
	mux.HandleFunc("POST /auth/token", g.handleIssueToken)
	mux.Handle("POST /agents/{agentId}/commands", anyPrincipal(http.HandlerFunc(g.handleCommand)))
	mux.Handle("GET /agents", operatorOnly(http.HandlerFunc(g.handleListAgents)))
	mux.Handle("GET /audit", operatorOnly(auth.RequireRoleClaim("admin")(http.HandlerFunc(g.handleAudit))))

	return mux
}

func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
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
// grpcLn is nil when no gRPC address is configured.
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health service listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeConnections closes every live duplex connection. Hijacked WebSocket
// connections are not tracked by http.Server.Shutdown.
func (g *Gateway) closeConnections() {
	for _, role := range auth.Roles {
		for _, e := range g.registry.Entries(role) {
			if p, ok := e.Handle.(*peer); ok {
				_ = p.Close("gateway shutting down")
			}
		}
	}
	g.registry.Reset()
}

// Shutdown gracefully stops all gateway servers and releases resources.
// Pending commands fail with correlator.ErrClosed.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.health.Shutdown()
	g.shutdownGRPCServer(ctx)

	g.correlator.Close()
	g.closeConnections()

	if g.tailnet != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tailnet.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
