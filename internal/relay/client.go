package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/ztbridge/internal/logging"
	"github.com/postalsys/ztbridge/internal/metrics"
	"github.com/postalsys/ztbridge/internal/recovery"
	"github.com/postalsys/ztbridge/internal/vnet"
)

// Mode selects how the client relay sources its traffic.
type Mode string

const (
	// ModeContinuous forwards every datagram from the DataSource until cancelled.
	ModeContinuous Mode = "continuous"
	// ModeSingle sends the configured greeting once and returns.
	ModeSingle Mode = "single"
)

// DefaultGreeting is the payload sent in single-shot mode.
const DefaultGreeting = "welcome to the machine"

// ParseMode parses a mode name. The empty string means ModeContinuous.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeContinuous:
		return ModeContinuous, nil
	case ModeSingle:
		return ModeSingle, nil
	default:
		return "", fmt.Errorf("unknown relay mode %q (want %q or %q)", s, ModeContinuous, ModeSingle)
	}
}

// ClientConfig holds configuration for the local-side relay.
type ClientConfig struct {
	// BindAddr is the virtual address the outbound socket binds to. Port 0
	// picks an ephemeral port.
	BindAddr netip.AddrPort

	// Remote is the fixed virtual peer every datagram is sent to.
	Remote netip.AddrPort

	// Mode selects continuous forwarding or a single greeting.
	Mode Mode

	// Greeting is the payload sent in ModeSingle.
	Greeting string

	// Logger for logging.
	Logger *slog.Logger

	// Metrics to record into. Defaults to metrics.Default().
	Metrics *metrics.Metrics
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BindAddr: netip.AddrPortFrom(netip.IPv4Unspecified(), 0),
		Remote:   netip.AddrPortFrom(netip.AddrFrom4([4]byte{11, 7, 7, 107}), 4040),
		Mode:     ModeContinuous,
		Greeting: DefaultGreeting,
	}
}

// Client pulls datagrams from a DataSource and sends them to the remote
// virtual peer.
type Client struct {
	cfg     ClientConfig
	stack   vnet.Stack
	gate    Gate
	source  DataSource
	logger  *slog.Logger
	metrics *metrics.Metrics

	stats   counters
	running atomic.Bool

	errorLog rate.Sometimes
}

// NewClient creates a local-side relay. source may be nil in ModeSingle.
func NewClient(cfg ClientConfig, stack vnet.Stack, gate Gate, source DataSource) *Client {
	if !cfg.BindAddr.IsValid() {
		cfg.BindAddr = DefaultClientConfig().BindAddr
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeContinuous
	}
	if cfg.Greeting == "" {
		cfg.Greeting = DefaultGreeting
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &Client{
		cfg:      cfg,
		stack:    stack,
		gate:     gate,
		source:   source,
		logger:   logging.Component(cfg.Logger, "relay.client"),
		metrics:  m,
		errorLog: rate.Sometimes{First: 3, Interval: 5 * time.Second},
	}
}

// Run waits for the network, binds the outbound virtual socket and forwards
// until ctx is cancelled or the source is exhausted. In ModeSingle it returns
// after one send.
func (c *Client) Run(ctx context.Context) (err error) {
	defer recovery.RecoverToError(c.logger, "relay.Client.Run", &err)

	if !c.cfg.Remote.IsValid() {
		return fmt.Errorf("invalid remote address %q", c.cfg.Remote)
	}
	if c.cfg.Mode == ModeContinuous && c.source == nil {
		return errors.New("continuous mode requires a data source")
	}

	if err := c.gate.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("wait for virtual network: %w", err)
	}

	sock, err := openBound(c.stack, c.cfg.BindAddr, c.metrics)
	if err != nil {
		c.logger.Error("virtual sender setup failed",
			logging.KeyAddress, c.cfg.BindAddr.String(),
			logging.KeyError, err)
		return err
	}
	defer sock.Close()
	stop := closeOnCancel(ctx, sock)
	defer stop()

	c.running.Store(true)
	defer c.running.Store(false)

	c.logger.Info("virtual sender started",
		logging.KeyLocalAddr, c.cfg.BindAddr.String(),
		logging.KeyRemoteAddr, c.cfg.Remote.String(),
		logging.KeyMode, string(c.cfg.Mode))

	if c.cfg.Mode == ModeSingle {
		dg := NewDatagram([]byte(c.cfg.Greeting), c.cfg.BindAddr, c.cfg.Remote)
		if err := c.send(sock, dg); err != nil {
			return fmt.Errorf("send greeting to %s: %w", c.cfg.Remote, err)
		}
		return nil
	}

	for {
		dg, err := c.source.NextDatagram(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("virtual sender stopped", logging.KeyRemoteAddr, c.cfg.Remote.String())
				return nil
			}
			if errors.Is(err, ErrSourceClosed) {
				c.logger.Info("data source closed, virtual sender stopping")
				return nil
			}
			c.stats.recvErrors.Add(1)
			c.metrics.RecordReceiveError(metrics.DirectionToVirtual)
			c.errorLog.Do(func() {
				c.logger.Warn("local receive failed", logging.KeyError, err)
			})
			continue
		}
		c.stats.received.Add(1)

		if err := c.send(sock, dg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, vnet.ErrSocketClosed) {
				return fmt.Errorf("virtual sender %s: %w", c.cfg.BindAddr, err)
			}
			c.errorLog.Do(func() {
				c.logger.Warn("virtual delivery failed",
					logging.KeyRemoteAddr, c.cfg.Remote.String(),
					logging.KeyBytes, dg.Len(),
					logging.KeyError, err)
			})
		}
	}
}

// send writes one payload to the remote peer and records the outcome.
func (c *Client) send(sock *vsocket, dg Datagram) error {
	n, err := c.stack.SendTo(sock.h, dg.Payload, c.cfg.Remote)
	if err == nil && n != dg.Len() {
		err = fmt.Errorf("short write: %d of %d bytes", n, dg.Len())
	}
	if err != nil {
		c.stats.sendErrors.Add(1)
		c.metrics.RecordForwardError(metrics.DirectionToVirtual)
		return err
	}

	c.stats.forwarded.Add(1)
	c.stats.bytes.Add(uint64(n))
	c.metrics.RecordForward(metrics.DirectionToVirtual, n)
	return nil
}

// Stats returns a snapshot of the relay counters.
func (c *Client) Stats() Stats {
	return c.stats.snapshot()
}

// IsRunning reports whether the send loop is active.
func (c *Client) IsRunning() bool {
	return c.running.Load()
}
