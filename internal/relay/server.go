package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/ztbridge/internal/logging"
	"github.com/postalsys/ztbridge/internal/metrics"
	"github.com/postalsys/ztbridge/internal/recovery"
	"github.com/postalsys/ztbridge/internal/rendezvous"
	"github.com/postalsys/ztbridge/internal/vnet"
)

// ServerConfig holds configuration for the virtual-side relay.
type ServerConfig struct {
	// BindAddr is the virtual address and port to listen on.
	BindAddr netip.AddrPort

	// BufferSize caps the size of a received datagram; longer ones are truncated
	// by the stack.
	BufferSize int

	// OnDrop, if set, is called for every datagram dropped because the local
	// peer is not known yet.
	OnDrop func(Datagram)

	// Logger for logging.
	Logger *slog.Logger

	// Metrics to record into. Defaults to metrics.Default().
	Metrics *metrics.Metrics
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		BindAddr:   netip.AddrPortFrom(netip.IPv4Unspecified(), 4040),
		BufferSize: 8192,
	}
}

// Server receives datagrams from any virtual peer and forwards them to the
// discovered local endpoint.
type Server struct {
	cfg     ServerConfig
	stack   vnet.Stack
	gate    Gate
	peer    *rendezvous.Cell
	sender  LocalSender
	logger  *slog.Logger
	metrics *metrics.Metrics

	stats   counters
	running atomic.Bool

	dropLog  rate.Sometimes
	errorLog rate.Sometimes
}

// NewServer creates a virtual-side relay.
func NewServer(cfg ServerConfig, stack vnet.Stack, gate Gate, peer *rendezvous.Cell, sender LocalSender) *Server {
	def := DefaultServerConfig()
	if !cfg.BindAddr.IsValid() {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &Server{
		cfg:      cfg,
		stack:    stack,
		gate:     gate,
		peer:     peer,
		sender:   sender,
		logger:   logging.Component(cfg.Logger, "relay.server"),
		metrics:  m,
		dropLog:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
		errorLog: rate.Sometimes{First: 3, Interval: 5 * time.Second},
	}
}

// Run waits for the network, binds the virtual socket and forwards datagrams
// until ctx is cancelled. It returns nil on cancellation and an error if setup
// fails or the socket is closed underneath it.
func (s *Server) Run(ctx context.Context) (err error) {
	defer recovery.RecoverToError(s.logger, "relay.Server.Run", &err)

	if err := s.gate.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("wait for virtual network: %w", err)
	}

	sock, err := openBound(s.stack, s.cfg.BindAddr, s.metrics)
	if err != nil {
		s.logger.Error("virtual listener setup failed",
			logging.KeyAddress, s.cfg.BindAddr.String(),
			logging.KeyError, err)
		return err
	}
	defer sock.Close()
	stop := closeOnCancel(ctx, sock)
	defer stop()

	s.running.Store(true)
	defer s.running.Store(false)

	s.logger.Info("virtual listener started",
		logging.KeyAddress, s.cfg.BindAddr.String(),
		logging.KeyHandle, int(sock.h))

	buf := make([]byte, s.cfg.BufferSize)
	for {
		n, from, err := s.stack.RecvFrom(sock.h, buf)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("virtual listener stopped", logging.KeyAddress, s.cfg.BindAddr.String())
				return nil
			}
			if errors.Is(err, vnet.ErrSocketClosed) {
				return fmt.Errorf("virtual listener %s: %w", s.cfg.BindAddr, err)
			}
			s.stats.recvErrors.Add(1)
			s.metrics.RecordReceiveError(metrics.DirectionToLocal)
			s.errorLog.Do(func() {
				s.logger.Warn("virtual receive failed", logging.KeyError, err)
			})
			continue
		}

		if n <= 0 {
			s.metrics.RecordDrop(metrics.DropEmpty)
			continue
		}
		s.stats.received.Add(1)

		s.forward(buf[:n], from)
	}
}

// forward delivers one received payload to the local peer, or drops it.
func (s *Server) forward(b []byte, from netip.AddrPort) {
	peer, ok := s.peer.Load()
	if !ok {
		s.stats.dropped.Add(1)
		s.metrics.RecordDrop(metrics.DropPeerUnknown)
		s.dropLog.Do(func() {
			s.logger.Debug("dropping datagram, local peer not known yet",
				logging.KeyRemoteAddr, from.String(),
				logging.KeyBytes, len(b))
		})
		if s.cfg.OnDrop != nil {
			s.cfg.OnDrop(NewDatagram(b, from, netip.AddrPort{}))
		}
		return
	}

	dg := NewDatagram(b, from, peer)
	if err := s.sender.SendTo(dg.Payload, dg.Destination); err != nil {
		s.stats.sendErrors.Add(1)
		s.metrics.RecordForwardError(metrics.DirectionToLocal)
		s.errorLog.Do(func() {
			s.logger.Warn("local delivery failed",
				logging.KeyPeer, peer.String(),
				logging.KeyBytes, dg.Len(),
				logging.KeyError, err)
		})
		return
	}

	s.stats.forwarded.Add(1)
	s.stats.bytes.Add(uint64(dg.Len()))
	s.metrics.RecordForward(metrics.DirectionToLocal, dg.Len())
}

// Stats returns a snapshot of the relay counters.
func (s *Server) Stats() Stats {
	return s.stats.snapshot()
}

// IsRunning reports whether the receive loop is active.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}
