package relay

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/postalsys/ztbridge/internal/metrics"
	"github.com/postalsys/ztbridge/internal/vnet"
)

// ErrSourceClosed is returned by a DataSource that will produce no more datagrams.
var ErrSourceClosed = errors.New("data source closed")

// Gate blocks until the virtual network is usable.
type Gate interface {
	Wait(ctx context.Context) error
}

// DataSource yields datagrams produced by the local application.
type DataSource interface {
	// NextDatagram blocks until the next outbound datagram is available.
	// Implementations record the sender in the rendezvous cell.
	NextDatagram(ctx context.Context) (Datagram, error)
}

// LocalSender delivers a payload to a conventional local UDP endpoint.
type LocalSender interface {
	SendTo(payload []byte, to netip.AddrPort) error
}

// Datagram is an immutable payload with its endpoints.
type Datagram struct {
	Payload     []byte
	Source      netip.AddrPort
	Destination netip.AddrPort
}

// NewDatagram copies b so the datagram does not alias a receive buffer.
func NewDatagram(b []byte, src, dst netip.AddrPort) Datagram {
	payload := make([]byte, len(b))
	copy(payload, b)
	return Datagram{Payload: payload, Source: src, Destination: dst}
}

// Len returns the payload length.
func (d Datagram) Len() int {
	return len(d.Payload)
}

// Stats is a snapshot of one relay's counters.
type Stats struct {
	Received      uint64 `json:"received"`
	Forwarded     uint64 `json:"forwarded"`
	Bytes         uint64 `json:"bytes"`
	Dropped       uint64 `json:"dropped"`
	SendErrors    uint64 `json:"send_errors"`
	ReceiveErrors uint64 `json:"receive_errors"`
}

type counters struct {
	received   atomic.Uint64
	forwarded  atomic.Uint64
	bytes      atomic.Uint64
	dropped    atomic.Uint64
	sendErrors atomic.Uint64
	recvErrors atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Received:      c.received.Load(),
		Forwarded:     c.forwarded.Load(),
		Bytes:         c.bytes.Load(),
		Dropped:       c.dropped.Load(),
		SendErrors:    c.sendErrors.Load(),
		ReceiveErrors: c.recvErrors.Load(),
	}
}

// vsocket is a bound virtual socket released exactly once.
type vsocket struct {
	stack vnet.Stack
	h     vnet.SocketHandle
	addr  netip.AddrPort

	once     sync.Once
	closeErr error
}

// openBound opens a datagram socket on stack and binds it to addr. The socket is
// released if binding fails.
func openBound(stack vnet.Stack, addr netip.AddrPort, m *metrics.Metrics) (*vsocket, error) {
	h, err := stack.Socket(vnet.FamilyOf(addr.Addr()), vnet.SockDgram)
	if err != nil {
		m.RecordSetupError("socket")
		return nil, fmt.Errorf("open virtual socket: %w", err)
	}

	if err := stack.Bind(h, addr); err != nil {
		stack.Close(h)
		m.RecordSetupError("bind")
		return nil, fmt.Errorf("bind virtual socket %d to %s: %w", h, addr, err)
	}

	return &vsocket{stack: stack, h: h, addr: addr}, nil
}

// Close releases the handle. Safe to call from several goroutines.
func (s *vsocket) Close() error {
	s.once.Do(func() {
		s.closeErr = s.stack.Close(s.h)
	})
	return s.closeErr
}

// closeOnCancel releases sock when ctx is done, unblocking a pending RecvFrom.
// The returned func detaches the hook.
func closeOnCancel(ctx context.Context, sock *vsocket) func() bool {
	return context.AfterFunc(ctx, func() {
		sock.Close()
	})
}
