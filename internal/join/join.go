// Package join brings the virtual network node online and gates the relays on it.
//
// The stack boots asynchronously: StartAndJoin returns before the node is
// usable, so the controller polls IsRunning on a fixed interval. Relays block on
// Wait until the node is ready or the join has failed.
package join

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/ztbridge/internal/logging"
	"github.com/postalsys/ztbridge/internal/metrics"
	"github.com/postalsys/ztbridge/internal/vnet"
)

// Config holds join controller configuration.
type Config struct {
	// IdentityPath is where the stack keeps its node identity.
	IdentityPath string

	// Network is the overlay network to join.
	Network vnet.NetworkID

	// PollInterval is the delay between IsRunning checks.
	PollInterval time.Duration

	// Logger for logging.
	Logger *slog.Logger

	// Metrics to record join progress. Defaults to metrics.Default().
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		IdentityPath: "./data/zt",
		PollInterval: time.Second,
	}
}

// Controller owns the one-time startup sequence against a vnet.Stack.
type Controller struct {
	cfg     Config
	stack   vnet.Stack
	logger  *slog.Logger
	metrics *metrics.Metrics

	// sem serializes bootstrap attempts; joined is only touched while holding it.
	sem    chan struct{}
	joined bool

	done     chan struct{}
	doneOnce sync.Once
	ready    atomic.Bool

	mu    sync.RWMutex
	err   error
	addrs []vnet.VirtualAddress
}

// New creates a controller for stack.
func New(stack vnet.Stack, cfg Config) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &Controller{
		cfg:     cfg,
		stack:   stack,
		logger:  logging.Component(cfg.Logger, "join"),
		metrics: m,
		sem:     make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// EnsureReady brings the node online and blocks until it is running.
//
// It is idempotent: StartAndJoin is called at most once per controller, even if
// an earlier call was cancelled while polling. A StartAndJoin failure is fatal
// and is returned to every current and future caller and to Wait.
func (c *Controller) EnsureReady(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.sem }()

	select {
	case <-c.done:
		return c.Err()
	default:
	}

	start := time.Now()

	if !c.stack.IsRunning() {
		if !c.joined {
			c.joined = true
			c.logger.Info("starting virtual network stack",
				"path", c.cfg.IdentityPath,
				logging.KeyNetworkID, c.cfg.Network.String())

			if err := c.stack.StartAndJoin(c.cfg.IdentityPath, c.cfg.Network); err != nil {
				err = fmt.Errorf("join network %s: %w", c.cfg.Network, err)
				c.metrics.RecordJoinError()
				c.logger.Error("join failed", logging.KeyError, err)
				c.finish(err)
				return err
			}
			c.logger.Info("core started, waiting for node to come online")
		}

		if err := c.waitRunning(ctx); err != nil {
			return err
		}
	}

	addrs := c.enumerate()
	c.metrics.RecordJoin(time.Since(start).Seconds(), len(addrs))

	c.mu.Lock()
	c.addrs = addrs
	c.mu.Unlock()

	c.ready.Store(true)
	c.finish(nil)

	c.logger.Info("virtual network ready",
		logging.KeyNetworkID, c.cfg.Network.String(),
		logging.KeyDuration, time.Since(start))
	return nil
}

// waitRunning polls IsRunning every PollInterval until it reports true.
func (c *Controller) waitRunning(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for !c.stack.IsRunning() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// enumerate lists the node's assigned addresses. It only feeds diagnostics.
func (c *Controller) enumerate() []vnet.VirtualAddress {
	if info, ok := c.stack.(vnet.NodeInfo); ok {
		c.logger.Info("node identity",
			logging.KeyNodeID, fmt.Sprintf("%010x", info.NodeID()),
			"path", info.Path())
	}

	n := c.stack.AssignedAddressCount(c.cfg.Network)
	c.logger.Info("assigned addresses",
		logging.KeyNetworkID, c.cfg.Network.String(),
		logging.KeyCount, n)

	addrs := make([]vnet.VirtualAddress, 0, n)
	for i := 0; i < n; i++ {
		addr, err := c.stack.AssignedAddressAt(c.cfg.Network, i)
		if err != nil {
			c.logger.Warn("read assigned address",
				"index", i,
				logging.KeyError, err)
			continue
		}
		c.logger.Info("assigned address",
			"index", i,
			logging.KeyAddress, addr.String())
		addrs = append(addrs, addr)
	}
	return addrs
}

func (c *Controller) finish(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// Wait blocks until the node is ready, the join has failed, or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once the join has succeeded or failed.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Ready reports whether the node is online.
func (c *Controller) Ready() bool {
	return c.ready.Load()
}

// Err returns the fatal join error, if any.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Addresses returns the addresses enumerated when the node came online.
func (c *Controller) Addresses() []vnet.VirtualAddress {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]vnet.VirtualAddress, len(c.addrs))
	copy(out, c.addrs)
	return out
}
