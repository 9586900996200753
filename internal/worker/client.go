package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/AltairaLabs/session-supervisor/internal/ipc"
)

const (
	defaultApprovalDelay      = 5 * time.Second
	defaultBaseConnectDelay   = 100 * time.Millisecond
	defaultMaxConnectDelay    = 5 * time.Second
	defaultMaxConnectAttempts = 10
	exponentialBackoffFactor  = 2
)

// Config holds configuration for the worker client
type Config struct {
	SocketPath  string
	TenantID    string
	Token       string
	ArtifactDir string
	// ApprovalDelay is how long the simulated user takes to approve a scan
	ApprovalDelay time.Duration
	Logger        *slog.Logger
}

// ConfigFromEnv reads the spawn environment set by the supervisor
func ConfigFromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		SocketPath:    getenv(ipc.EnvSocket),
		TenantID:      getenv(ipc.EnvTenantID),
		Token:         getenv(ipc.EnvWorkerToken),
		ArtifactDir:   getenv(ipc.EnvArtifactDir),
		ApprovalDelay: defaultApprovalDelay,
	}

	var errs []error
	for name, value := range map[string]string{
		ipc.EnvSocket:      cfg.SocketPath,
		ipc.EnvTenantID:    cfg.TenantID,
		ipc.EnvWorkerToken: cfg.Token,
		ipc.EnvArtifactDir: cfg.ArtifactDir,
	} {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s is not set", name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DialFunc opens the channel to the supervisor
type DialFunc func(ctx context.Context, socketPath, tenantID, token string) (Conn, error)

// Client connects a worker to its supervisor and runs the agent
type Client struct {
	cfg   *Config
	agent *Agent
	dial  DialFunc

	baseConnectDelay   time.Duration
	maxConnectDelay    time.Duration
	maxConnectAttempts int
}

// NewClient creates a worker client
func NewClient(cfg *Config, deliver DeliverFunc) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:   cfg,
		agent: NewAgent(cfg, deliver),
		dial: func(ctx context.Context, socketPath, tenantID, token string) (Conn, error) {
			return ipc.Dial(ctx, socketPath, tenantID, token)
		},
		baseConnectDelay:   defaultBaseConnectDelay,
		maxConnectDelay:    defaultMaxConnectDelay,
		maxConnectAttempts: defaultMaxConnectAttempts,
	}
}

// Run connects and serves the session until it ends
func (c *Client) Run(ctx context.Context) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			c.cfg.Logger.Debug("Failed to close channel", "error", err)
		}
	}()
	return c.agent.Run(ctx, conn)
}

// connect dials the supervisor with exponential backoff
func (c *Client) connect(ctx context.Context) (Conn, error) {
	delay := c.baseConnectDelay

	for attempt := 0; attempt < c.maxConnectAttempts; attempt++ {
		conn, err := c.dial(ctx, c.cfg.SocketPath, c.cfg.TenantID, c.cfg.Token)
		if err == nil {
			c.cfg.Logger.Info("Connected to supervisor", "attempt", attempt+1)
			return conn, nil
		}
		c.cfg.Logger.Warn("Connection attempt failed",
			"attempt", attempt+1,
			"max_attempts", c.maxConnectAttempts,
			"error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		delay = time.Duration(math.Min(
			float64(delay*exponentialBackoffFactor),
			float64(c.maxConnectDelay),
		))
	}

	return nil, fmt.Errorf("failed to connect after %d attempts", c.maxConnectAttempts)
}
