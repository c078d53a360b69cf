package toolhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/fda-chat/internal/domain"
	"github.com/ashureev/fda-chat/internal/metrics"
)

// Mode selects how requests obtain a connection.
type Mode string

const (
	// ModeShared hands the startup connection to every request.
	ModeShared Mode = "shared"
	// ModePerRequest dials a fresh connection per request.
	ModePerRequest Mode = "per_request"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("tool host manager closed")

// Options configures Establish.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Mode        Mode
	// Sleep waits between attempts. Nil uses a context-aware timer.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
}

// Manager owns the tool host connection and the declarations discovered at
// startup.
type Manager struct {
	dial    Dialer
	mode    Mode
	catalog *Catalog
	logger  *slog.Logger

	mu     sync.Mutex
	shared Conn
	closed bool

	connected atomic.Bool
}

// Establish dials the tool host and discovers its tools, retrying with a
// linear backoff of BaseDelay*attempt. Each failed attempt closes whatever
// it opened. It returns the last error once attempts are exhausted.
func Establish(ctx context.Context, dial Dialer, opts Options) (*Manager, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Mode == "" {
		opts.Mode = ModePerRequest
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		conn, decls, err := connectOnce(ctx, dial, logger)
		metrics.ConnectAttempts.WithLabelValues(metrics.Status(err)).Inc()
		if err == nil {
			m := &Manager{
				dial:    dial,
				mode:    opts.Mode,
				catalog: NewCatalog(decls),
				logger:  logger,
			}
			if opts.Mode == ModeShared {
				m.shared = conn
			} else if cerr := conn.Close(); cerr != nil {
				logger.Warn("failed to close discovery connection", "error", cerr)
			}
			m.connected.Store(true)
			logger.Info("Connected to tool host",
				"attempt", attempt,
				"tools", m.catalog.Len(),
				"mode", string(opts.Mode))
			for _, decl := range m.catalog.Tools() {
				logger.Debug("Discovered tool", "name", decl.Name, "params", decl.Params)
			}
			return m, nil
		}

		lastErr = err
		logger.Warn("Tool host connection attempt failed",
			"attempt", attempt,
			"max_attempts", opts.MaxAttempts,
			"error", err)

		if attempt == opts.MaxAttempts {
			break
		}
		delay := opts.BaseDelay * time.Duration(attempt)
		if err := opts.Sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("tool host connection interrupted: %w", err)
		}
	}

	return nil, fmt.Errorf("tool host unreachable after %d attempts: %w", opts.MaxAttempts, lastErr)
}

func connectOnce(ctx context.Context, dial Dialer, logger *slog.Logger) (Conn, []domain.ToolDeclaration, error) {
	conn, err := dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	decls, err := conn.Discover(ctx)
	if err != nil {
		if cerr := conn.Close(); cerr != nil {
			logger.Debug("close after failed discovery", "error", cerr)
		}
		return nil, nil, fmt.Errorf("discover tools: %w", err)
	}
	return conn, decls, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Catalog returns the immutable tool declaration set.
func (m *Manager) Catalog() *Catalog {
	return m.catalog
}

// Mode returns the connection mode.
func (m *Manager) Mode() Mode {
	return m.mode
}

// Acquire returns a connection for one request and the func that releases
// it. In shared mode release is a no-op; in per-request mode it closes the
// connection. Release is idempotent.
func (m *Manager) Acquire(ctx context.Context) (Conn, func(), error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, ErrClosed
	}
	if m.mode == ModeShared {
		conn := m.shared
		m.mu.Unlock()
		return conn, func() {}, nil
	}
	m.mu.Unlock()

	conn, err := m.dial(ctx)
	m.connected.Store(err == nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial tool host: %w", err)
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			if cerr := conn.Close(); cerr != nil {
				m.logger.Debug("close request connection", "error", cerr)
			}
		})
	}
	return conn, release, nil
}

// Ping checks tool host reachability and records the result for Connected.
// In per-request mode a short-lived connection is dialed for the check.
func (m *Manager) Ping(ctx context.Context) error {
	conn, release, err := m.Acquire(ctx)
	if err != nil {
		m.connected.Store(false)
		return err
	}
	defer release()
	err = conn.Ping(ctx)
	m.connected.Store(err == nil)
	return err
}

// Connected reports the last known reachability of the tool host.
func (m *Manager) Connected() bool {
	return m.connected.Load()
}

// Close closes the shared connection, if any. Subsequent Acquire calls fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected.Store(false)
	if m.shared != nil {
		return m.shared.Close()
	}
	return nil
}
