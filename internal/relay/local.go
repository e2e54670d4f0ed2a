package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/ztbridge/internal/logging"
	"github.com/postalsys/ztbridge/internal/metrics"
	"github.com/postalsys/ztbridge/internal/rendezvous"
)

// LocalConfig configures the conventional UDP endpoint the local application
// talks to.
type LocalConfig struct {
	// BufferSize caps the size of a datagram read from the application.
	BufferSize int

	// Logger for logging.
	Logger *slog.Logger

	// Metrics to record into. Defaults to metrics.Default().
	Metrics *metrics.Metrics
}

// LocalEndpoint is a host UDP socket that is both the DataSource for the
// client relay and the LocalSender for the server relay. Every datagram it
// reads records its sender in the rendezvous cell.
type LocalEndpoint struct {
	conn    *net.UDPConn
	peer    *rendezvous.Cell
	logger  *slog.Logger
	metrics *metrics.Metrics

	// readMu serializes NextDatagram; buf is only used while holding it.
	readMu sync.Mutex
	buf    []byte

	closeOnce sync.Once
	closeErr  error

	conflictLog rate.Sometimes
}

var (
	_ DataSource  = (*LocalEndpoint)(nil)
	_ LocalSender = (*LocalEndpoint)(nil)
)

// ListenLocal binds a UDP socket on addr (for example "127.0.0.1:3000").
func ListenLocal(addr string, peer *rendezvous.Cell, cfg LocalConfig) (*LocalEndpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve local address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on local address %q: %w", addr, err)
	}

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultServerConfig().BufferSize
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	e := &LocalEndpoint{
		conn:        conn,
		peer:        peer,
		logger:      logging.Component(cfg.Logger, "relay.local"),
		metrics:     m,
		buf:         make([]byte, cfg.BufferSize),
		conflictLog: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	e.logger.Info("local endpoint listening", logging.KeyAddress, e.LocalAddr().String())
	return e, nil
}

// NextDatagram blocks until the local application sends a datagram, ctx is
// done, or the endpoint is closed. The sender becomes the rendezvous peer.
func (e *LocalEndpoint) NextDatagram(ctx context.Context) (Datagram, error) {
	e.readMu.Lock()
	defer e.readMu.Unlock()

	if err := ctx.Err(); err != nil {
		return Datagram{}, err
	}

	// Clear a deadline left by an earlier cancellation, then arm a new one.
	if err := e.conn.SetReadDeadline(time.Time{}); err != nil {
		return Datagram{}, e.mapErr(ctx, err)
	}
	stop := context.AfterFunc(ctx, func() {
		e.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	n, from, err := e.conn.ReadFromUDPAddrPort(e.buf)
	if err != nil {
		return Datagram{}, e.mapErr(ctx, err)
	}
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

	e.observe(from)
	return NewDatagram(e.buf[:n], from, e.LocalAddr()), nil
}

// observe records from as the local peer. NextDatagram is serialized, so the
// endpoint is the only writer of the cell.
func (e *LocalEndpoint) observe(from netip.AddrPort) {
	_, had := e.peer.Load()

	err := e.peer.Set(from)
	switch {
	case err == nil:
		if !had {
			e.metrics.RecordLocalPeer()
			e.logger.Info("local peer discovered", logging.KeyPeer, from.String())
		}
	case errors.Is(err, rendezvous.ErrPeerChanged):
		e.metrics.RecordPeerConflict()
		e.conflictLog.Do(func() {
			e.logger.Warn("datagram from a second local peer, replies still go to the first",
				logging.KeyPeer, e.peer.String(),
				logging.KeyRemoteAddr, from.String())
		})
	default:
		e.logger.Warn("ignoring local sender", logging.KeyRemoteAddr, from.String(), logging.KeyError, err)
	}
}

// SendTo delivers payload to a local UDP endpoint.
func (e *LocalEndpoint) SendTo(payload []byte, to netip.AddrPort) error {
	n, err := e.conn.WriteToUDPAddrPort(payload, to)
	if err != nil {
		return fmt.Errorf("send to local peer %s: %w", to, err)
	}
	if n != len(payload) {
		return fmt.Errorf("send to local peer %s: short write %d of %d bytes", to, n, len(payload))
	}
	return nil
}

// LocalAddr returns the bound address.
func (e *LocalEndpoint) LocalAddr() netip.AddrPort {
	return e.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Close closes the socket. Pending NextDatagram calls return ErrSourceClosed.
func (e *LocalEndpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.conn.Close()
	})
	return e.closeErr
}

func (e *LocalEndpoint) mapErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrSourceClosed
	}
	return fmt.Errorf("read local datagram: %w", err)
}
