// Package health aggregates subsystem status for the HTTP and gRPC health
// surfaces.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/fda-chat/internal/toolhost"
)

// ToolHostService is the gRPC health service name for the tool host.
const ToolHostService = "fdachat.ToolHost"

// Status values reported by /health.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// ToolHost is the part of the connection manager health needs.
type ToolHost interface {
	Ping(ctx context.Context) error
	Connected() bool
	Catalog() *toolhost.Catalog
}

// SessionCounter reports the number of live sessions.
type SessionCounter interface {
	Len() int
}

// Report is the /health response body.
type Report struct {
	Status       string `json:"status"`
	MCPConnected bool   `json:"mcp_connected"`
	ToolsLoaded  int    `json:"tools_loaded"`
	Sessions     int    `json:"sessions"`
}

// Reporter builds health reports.
type Reporter struct {
	host     ToolHost
	sessions SessionCounter
}

// NewReporter creates a reporter.
func NewReporter(host ToolHost, sessions SessionCounter) *Reporter {
	return &Reporter{host: host, sessions: sessions}
}

// Report returns the current status from the last known connectivity.
func (r *Reporter) Report() Report {
	connected := r.host.Connected()
	status := StatusDegraded
	if connected {
		status = StatusHealthy
	}
	return Report{
		Status:       status,
		MCPConnected: connected,
		ToolsLoaded:  r.host.Catalog().Len(),
		Sessions:     r.sessions.Len(),
	}
}

const defaultPingTimeout = 5 * time.Second

// Monitor pings the tool host on an interval and mirrors the outcome into
// a gRPC health server.
type Monitor struct {
	host     ToolHost
	server   *grpchealth.Server
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewMonitor creates a monitor. server may be nil when no gRPC health
// listener is configured.
func NewMonitor(host ToolHost, server *grpchealth.Server, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		host:     host,
		server:   server,
		interval: interval,
		timeout:  defaultPingTimeout,
		logger:   logger,
	}
}

// Check pings the tool host once and updates the serving status.
func (m *Monitor) Check(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.host.Ping(pingCtx)
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		m.logger.Warn("Tool host health check failed", "error", err)
	}
	if m.server != nil {
		m.server.SetServingStatus(ToolHostService, status)
		m.server.SetServingStatus("", status)
	}
	return err
}

// Start runs the periodic check until ctx is canceled. A non-positive
// interval disables it.
func (m *Monitor) Start(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	go func() {
		defer ticker.Stop()
		m.logger.Info("Health monitor started", "interval", m.interval)

		for {
			select {
			case <-ticker.C:
				_ = m.Check(ctx)
			case <-ctx.Done():
				m.logger.Info("Health monitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// NewGRPCServer returns a gRPC server with the health service registered.
func NewGRPCServer(hs *grpchealth.Server) *grpc.Server {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv
}

// ServeGRPC listens on addr and serves srv until ctx is canceled.
func ServeGRPC(ctx context.Context, addr string, srv *grpc.Server, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	logger.Info("gRPC health server listening", "addr", addr)
	if err := srv.Serve(lis); err != nil {
		return fmt.Errorf("serve gRPC health: %w", err)
	}
	return nil
}
