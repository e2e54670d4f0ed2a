// Package bridge wires the join controller, both relays and the local endpoint
// into one cancellable unit, and serves health and control endpoints for it.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/ztbridge/internal/config"
	"github.com/postalsys/ztbridge/internal/control"
	"github.com/postalsys/ztbridge/internal/health"
	"github.com/postalsys/ztbridge/internal/join"
	"github.com/postalsys/ztbridge/internal/logging"
	"github.com/postalsys/ztbridge/internal/metrics"
	"github.com/postalsys/ztbridge/internal/recovery"
	"github.com/postalsys/ztbridge/internal/relay"
	"github.com/postalsys/ztbridge/internal/rendezvous"
	"github.com/postalsys/ztbridge/internal/vnet"
)

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger. The default is built from the node config.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// WithMetrics records into m and serves g on the health endpoint.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(b *Bridge) {
		b.metrics = m
		b.gatherer = g
	}
}

// WithDropHook is called for each inbound datagram dropped before the local
// peer is known.
func WithDropHook(fn func(relay.Datagram)) Option {
	return func(b *Bridge) { b.onDrop = fn }
}

// Bridge owns the lifecycle of one relay pair.
type Bridge struct {
	cfg      *config.Config
	stack    vnet.Stack
	logger   *slog.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	onDrop   func(relay.Datagram)

	join *join.Controller
	peer rendezvous.Cell

	local         *relay.LocalEndpoint
	server        *relay.Server
	client        *relay.Client
	healthServer  *health.Server
	controlServer *control.Server

	ctx    context.Context
	cancel context.CancelFunc

	started  atomic.Bool
	running  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
	done     chan struct{}

	errMu sync.Mutex
	errs  []error
}

var (
	_ health.StatsProvider = (*Bridge)(nil)
	_ control.BridgeInfo   = (*Bridge)(nil)
)

// New creates a bridge over stack. cfg must already be validated.
func New(cfg *config.Config, stack vnet.Stack, opts ...Option) *Bridge {
	b := &Bridge{
		cfg:   cfg,
		stack: stack,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat)
	}
	if b.metrics == nil {
		b.metrics = metrics.Default()
	}

	b.join = join.New(stack, join.Config{
		IdentityPath: cfg.Node.IdentityPath,
		Network:      cfg.Network(),
		PollInterval: cfg.Node.PollInterval,
		Logger:       b.logger,
		Metrics:      b.metrics,
	})

	return b
}

// Start opens the local endpoint and launches the join controller and both
// relays. It returns once everything is launched; the relays wait for the
// network on their own.
func (b *Bridge) Start() error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("bridge already started")
	}

	b.logger.Info("starting bridge",
		logging.KeyNetworkID, b.cfg.Network().String(),
		logging.KeyLocalAddr, b.cfg.Local.Listen,
		logging.KeyRemoteAddr, b.cfg.Remote().String())

	local, err := relay.ListenLocal(b.cfg.Local.Listen, &b.peer, relay.LocalConfig{
		BufferSize: b.cfg.Virtual.BufferSize,
		Logger:     b.logger,
		Metrics:    b.metrics,
	})
	if err != nil {
		close(b.done)
		return fmt.Errorf("start local endpoint: %w", err)
	}
	b.local = local

	b.server = relay.NewServer(relay.ServerConfig{
		BindAddr:   b.cfg.ServerBind(),
		BufferSize: b.cfg.Virtual.BufferSize,
		OnDrop:     b.onDrop,
		Logger:     b.logger,
		Metrics:    b.metrics,
	}, b.stack, b.join, &b.peer, local)

	b.client = relay.NewClient(relay.ClientConfig{
		BindAddr: b.cfg.ClientBind(),
		Remote:   b.cfg.Remote(),
		Mode:     b.cfg.RelayMode(),
		Greeting: b.cfg.Virtual.Greeting,
		Logger:   b.logger,
		Metrics:  b.metrics,
	}, b.stack, b.join, local)

	if err := b.startServers(); err != nil {
		b.stopServers()
		local.Close()
		close(b.done)
		return err
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.running.Store(true)

	b.launch("join", b.join.EnsureReady)
	b.launch("relay.server", b.server.Run)
	b.launch("relay.client", b.client.Run)

	go func() {
		defer close(b.done)
		defer recovery.RecoverWithLog(b.logger, "bridge.watch")
		b.wg.Wait()
	}()

	return nil
}

func (b *Bridge) startServers() error {
	if b.cfg.Health.Enabled {
		b.healthServer = health.NewServer(health.ServerConfig{
			Address:      b.cfg.Health.Address,
			ReadTimeout:  b.cfg.Health.ReadTimeout,
			WriteTimeout: b.cfg.Health.WriteTimeout,
			Gatherer:     b.gatherer,
		}, b)
		if err := b.healthServer.Start(); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		b.logger.Info("health server started", logging.KeyAddress, b.healthServer.Address().String())
	}

	if b.cfg.Control.Enabled {
		ctrlCfg := control.DefaultServerConfig()
		ctrlCfg.SocketPath = b.cfg.Control.SocketPath
		b.controlServer = control.NewServer(ctrlCfg, b)
		if err := b.controlServer.Start(); err != nil {
			return fmt.Errorf("start control server: %w", err)
		}
		b.logger.Info("control server started", "socket", ctrlCfg.SocketPath)
	}

	return nil
}

func (b *Bridge) stopServers() {
	if b.controlServer != nil {
		if err := b.controlServer.Stop(); err != nil {
			b.logger.Warn("stop control server", logging.KeyError, err)
		}
	}
	if b.healthServer != nil {
		if err := b.healthServer.Stop(); err != nil {
			b.logger.Warn("stop health server", logging.KeyError, err)
		}
	}
}

// launch runs fn in a tracked goroutine and records its terminal error.
func (b *Bridge) launch(name string, fn func(context.Context) error) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.runTask(name, fn); err != nil {
			if b.ctx.Err() != nil && errors.Is(err, context.Canceled) {
				return
			}
			b.logger.Error("task failed", "task", name, logging.KeyError, err)
			b.errMu.Lock()
			b.errs = append(b.errs, fmt.Errorf("%s: %w", name, err))
			b.errMu.Unlock()
			return
		}
		b.logger.Debug("task finished", "task", name)
	}()
}

func (b *Bridge) runTask(name string, fn func(context.Context) error) (err error) {
	defer recovery.RecoverToError(b.logger, name, &err)
	return fn(b.ctx)
}

// Stop cancels every task, closes the local endpoint and waits for the
// goroutines to exit. It is safe to call more than once, and a no-op before
// Start.
func (b *Bridge) Stop() error {
	if !b.started.Load() {
		return nil
	}
	b.stopOnce.Do(func() {
		if !b.running.Swap(false) {
			return
		}
		b.logger.Info("stopping bridge")

		b.cancel()
		b.stopServers()
		if err := b.local.Close(); err != nil {
			b.logger.Warn("close local endpoint", logging.KeyError, err)
		}

		b.wg.Wait()
		b.metrics.SetStackReady(false)

		b.logger.Info("bridge stopped")
	})
	return nil
}

// StopWithContext stops the bridge, giving up when ctx is done.
func (b *Bridge) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- b.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once every task has ended.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until every task has ended and returns their errors joined.
func (b *Bridge) Wait() error {
	if !b.started.Load() {
		return nil
	}
	<-b.done
	return b.Err()
}

// Err returns the task errors recorded so far.
func (b *Bridge) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return errors.Join(b.errs...)
}

// IsRunning returns true between Start and Stop.
func (b *Bridge) IsRunning() bool {
	return b.running.Load()
}

// Ready returns true once the node has joined the network.
func (b *Bridge) Ready() bool {
	return b.join.Ready()
}

// LocalAddr returns the bound local endpoint address, or the configured one
// before Start.
func (b *Bridge) LocalAddr() string {
	if b.local != nil {
		return b.local.LocalAddr().String()
	}
	return b.cfg.Local.Listen
}
