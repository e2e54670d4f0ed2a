// Package hoststack implements vnet.Stack on top of the host IP network.
//
// The host network stands in for the overlay: the node identity is persisted at
// the identity path like a real driver would, the node comes online after a
// configurable boot delay, assigned addresses come from configuration or the
// host's interfaces, and datagram sockets are plain UDP sockets.
package hoststack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/ztbridge/internal/identity"
	"github.com/postalsys/ztbridge/internal/logging"
	"github.com/postalsys/ztbridge/internal/vnet"
)

// Config holds host stack configuration.
type Config struct {
	// BootDelay is how long the node takes to come online after StartAndJoin.
	BootDelay time.Duration

	// Addresses are reported as assigned on every joined network.
	// Empty means the host's non-loopback interface addresses.
	Addresses []netip.Prefix

	// ReusePort sets SO_REUSEADDR and SO_REUSEPORT on bound sockets so two
	// sockets can share a port. Ignored on platforms without SO_REUSEPORT.
	ReusePort bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BootDelay: 2 * time.Second,
	}
}

type socket struct {
	family vnet.AddressFamily
	conn   *net.UDPConn
}

// Stack is a vnet.Stack backed by host UDP sockets.
type Stack struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	started    bool
	nodeID     identity.NodeID
	path       string
	networks   map[vnet.NetworkID][]vnet.VirtualAddress
	sockets    map[vnet.SocketHandle]*socket
	nextHandle vnet.SocketHandle
	bootTimer  *time.Timer

	running atomic.Bool
}

var _ vnet.Stack = (*Stack)(nil)
var _ vnet.NodeInfo = (*Stack)(nil)

// New creates a stopped host stack.
func New(cfg Config, logger *slog.Logger) *Stack {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Stack{
		cfg:      cfg,
		logger:   logger.With(logging.KeyComponent, "hoststack"),
		networks: make(map[vnet.NetworkID][]vnet.VirtualAddress),
		sockets:  make(map[vnet.SocketHandle]*socket),
	}
}

// StartAndJoin loads or creates the node identity and joins network. The node
// comes online after BootDelay. Calling it again only joins network.
func (s *Stack) StartAndJoin(identityPath string, network vnet.NetworkID) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return s.Join(network)
	}

	id, created, err := identity.LoadOrCreate(identityPath)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("load node identity: %w", err)
	}
	s.nodeID = id
	s.path = identityPath
	s.started = true

	if s.cfg.BootDelay <= 0 {
		s.running.Store(true)
	} else {
		s.bootTimer = time.AfterFunc(s.cfg.BootDelay, func() {
			s.running.Store(true)
			s.logger.Debug("node online", "node_id", id.String())
		})
	}
	s.mu.Unlock()

	s.logger.Info("node started",
		"node_id", id.String(),
		"path", identityPath,
		"new_identity", created)

	return s.Join(network)
}

// Join records network and its assigned addresses.
func (s *Stack) Join(network vnet.NetworkID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return vnet.ErrNotRunning
	}
	if _, ok := s.networks[network]; ok {
		return nil
	}

	prefixes := s.cfg.Addresses
	if len(prefixes) == 0 {
		var err error
		if prefixes, err = interfacePrefixes(); err != nil {
			return fmt.Errorf("join %s: %w", network, err)
		}
	}

	addrs := make([]vnet.VirtualAddress, 0, len(prefixes))
	for _, p := range prefixes {
		addrs = append(addrs, vnet.VirtualAddress{Network: network, Prefix: p})
	}
	s.networks[network] = addrs

	s.logger.Debug("joined network",
		"network_id", network.String(),
		logging.KeyCount, len(addrs))
	return nil
}

// IsRunning reports whether the node is online.
func (s *Stack) IsRunning() bool {
	return s.running.Load()
}

// AssignedAddressCount returns 0 until the node is online.
func (s *Stack) AssignedAddressCount(network vnet.NetworkID) int {
	if !s.IsRunning() {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.networks[network])
}

// AssignedAddressAt returns the assigned address at index.
func (s *Stack) AssignedAddressAt(network vnet.NetworkID, index int) (vnet.VirtualAddress, error) {
	if !s.IsRunning() {
		return vnet.VirtualAddress{}, vnet.ErrNotRunning
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := s.networks[network]
	if index < 0 || index >= len(addrs) {
		return vnet.VirtualAddress{}, fmt.Errorf("%w %d on %s", vnet.ErrNoSuchAddress, index, network)
	}
	return addrs[index], nil
}

// NodeID returns the node identity, or zero before StartAndJoin.
func (s *Stack) NodeID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(s.nodeID)
}

// Path returns the identity path passed to StartAndJoin.
func (s *Stack) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Socket allocates an unbound datagram socket.
func (s *Stack) Socket(family vnet.AddressFamily, typ vnet.SocketType) (vnet.SocketHandle, error) {
	if !s.IsRunning() {
		return vnet.InvalidHandle, vnet.ErrNotRunning
	}
	if typ != vnet.SockDgram || (family != vnet.AFInet && family != vnet.AFInet6) {
		return vnet.InvalidHandle, fmt.Errorf("%w: family=%d type=%d", vnet.ErrUnsupported, family, typ)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.nextHandle
	s.nextHandle++
	s.sockets[h] = &socket{family: family}
	return h, nil
}

// Bind binds the socket to addr.
func (s *Stack) Bind(h vnet.SocketHandle, addr netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sock, ok := s.sockets[h]
	if !ok {
		return vnet.ErrBadHandle
	}
	if sock.conn != nil {
		return fmt.Errorf("socket %d already bound", h)
	}
	return s.listenLocked(sock, addr)
}

func (s *Stack) listenLocked(sock *socket, addr netip.AddrPort) error {
	network := "udp4"
	if sock.family == vnet.AFInet6 {
		network = "udp6"
	}

	lc := net.ListenConfig{}
	if s.cfg.ReusePort {
		lc.Control = reusePortControl()
	}

	pc, err := lc.ListenPacket(context.Background(), network, addr.String())
	if err != nil {
		return err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return fmt.Errorf("unexpected packet conn %T", pc)
	}
	sock.conn = conn
	return nil
}

// conn returns the UDP socket behind h, binding it to an ephemeral port first
// when autoBind is set.
func (s *Stack) conn(h vnet.SocketHandle, autoBind bool) (*net.UDPConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sock, ok := s.sockets[h]
	if !ok {
		return nil, vnet.ErrSocketClosed
	}
	if sock.conn == nil {
		if !autoBind {
			return nil, fmt.Errorf("socket %d is not bound", h)
		}
		unspec := netip.IPv4Unspecified()
		if sock.family == vnet.AFInet6 {
			unspec = netip.IPv6Unspecified()
		}
		if err := s.listenLocked(sock, netip.AddrPortFrom(unspec, 0)); err != nil {
			return nil, err
		}
	}
	return sock.conn, nil
}

// SendTo sends b to the given address.
func (s *Stack) SendTo(h vnet.SocketHandle, b []byte, to netip.AddrPort) (int, error) {
	conn, err := s.conn(h, true)
	if err != nil {
		return -1, err
	}
	n, err := conn.WriteToUDPAddrPort(b, to)
	if err != nil {
		return -1, mapClosed(err)
	}
	return n, nil
}

// RecvFrom blocks until a datagram arrives or the socket is closed.
func (s *Stack) RecvFrom(h vnet.SocketHandle, b []byte) (int, netip.AddrPort, error) {
	conn, err := s.conn(h, false)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	n, from, err := conn.ReadFromUDPAddrPort(b)
	if err != nil {
		return -1, netip.AddrPort{}, mapClosed(err)
	}
	return n, netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), nil
}

// Close releases the socket. Closing an unknown handle returns vnet.ErrBadHandle.
func (s *Stack) Close(h vnet.SocketHandle) error {
	s.mu.Lock()
	sock, ok := s.sockets[h]
	delete(s.sockets, h)
	s.mu.Unlock()

	if !ok {
		return vnet.ErrBadHandle
	}
	if sock.conn != nil {
		return sock.conn.Close()
	}
	return nil
}

// LocalAddr returns the address a bound socket listens on.
func (s *Stack) LocalAddr(h vnet.SocketHandle) (netip.AddrPort, error) {
	conn, err := s.conn(h, false)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return conn.LocalAddr().(*net.UDPAddr).AddrPort(), nil
}

// Stop takes the node offline and closes every socket.
func (s *Stack) Stop() {
	s.mu.Lock()
	if s.bootTimer != nil {
		s.bootTimer.Stop()
	}
	sockets := s.sockets
	s.sockets = make(map[vnet.SocketHandle]*socket)
	s.started = false
	s.networks = make(map[vnet.NetworkID][]vnet.VirtualAddress)
	s.mu.Unlock()

	s.running.Store(false)
	for _, sock := range sockets {
		if sock.conn != nil {
			sock.conn.Close()
		}
	}
}

func mapClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", vnet.ErrSocketClosed, err)
	}
	return err
}

func interfacePrefixes() ([]netip.Prefix, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("list interface addresses: %w", err)
	}

	var out []netip.Prefix
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		ones, _ := ipnet.Mask.Size()
		out = append(out, netip.PrefixFrom(addr.Unmap(), ones))
	}
	return out, nil
}
