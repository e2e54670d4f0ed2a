// Package vnet defines the contract ztbridge expects from a virtual network stack.
//
// A stack is an overlay networking driver that exposes a socket-like API: it boots
// a node, joins a network, assigns virtual addresses and offers datagram sockets
// keyed by opaque handles. The driver itself (identity, peer discovery, transport)
// lives outside this module; see the hoststack subpackage for a driver backed by
// the host IP network.
//
// # Blocking and cancellation
//
// RecvFrom blocks until a datagram arrives or the handle is closed. Closing a handle
// from another goroutine must unblock a pending RecvFrom with ErrSocketClosed. Relays
// rely on this to stop their receive loops.
package vnet

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

var (
	// ErrNotRunning is returned by socket operations before the node is online.
	ErrNotRunning = errors.New("virtual network stack is not running")

	// ErrSocketClosed is returned by operations on a handle that has been closed.
	ErrSocketClosed = errors.New("virtual socket closed")

	// ErrBadHandle is returned for handles the stack does not know about.
	ErrBadHandle = errors.New("unknown virtual socket handle")

	// ErrNoSuchAddress is returned by AssignedAddressAt for an out of range index.
	ErrNoSuchAddress = errors.New("no assigned address at index")

	// ErrUnsupported is returned for address families or socket types the stack lacks.
	ErrUnsupported = errors.New("unsupported socket family or type")
)

// AddressFamily selects the address family of a virtual socket.
type AddressFamily int

const (
	AFInet  AddressFamily = 2
	AFInet6 AddressFamily = 10
)

// SocketType selects the kind of virtual socket.
type SocketType int

const (
	SockStream SocketType = 1
	SockDgram  SocketType = 2
)

// SocketHandle is an opaque identifier for a socket owned by a Stack.
// Negative values are never valid handles.
type SocketHandle int

// InvalidHandle is the zero state for a handle that was never opened.
const InvalidHandle SocketHandle = -1

// Stack is the socket-like API of a virtual network driver.
type Stack interface {
	// StartAndJoin performs the one-time bootstrap of the node using the identity
	// stored at identityPath and issues a join request for network. It may return
	// before the node is online; poll IsRunning to find out.
	StartAndJoin(identityPath string, network NetworkID) error

	// Join issues a join request for an additional network.
	Join(network NetworkID) error

	// IsRunning reports whether the node is online and sockets can be used.
	IsRunning() bool

	// AssignedAddressCount returns how many addresses the node holds on network.
	AssignedAddressCount(network NetworkID) int

	// AssignedAddressAt returns the assigned address at index.
	AssignedAddressAt(network NetworkID, index int) (VirtualAddress, error)

	Socket(family AddressFamily, typ SocketType) (SocketHandle, error)
	Bind(h SocketHandle, addr netip.AddrPort) error
	SendTo(h SocketHandle, b []byte, to netip.AddrPort) (int, error)
	RecvFrom(h SocketHandle, b []byte) (int, netip.AddrPort, error)
	Close(h SocketHandle) error
}

// NodeInfo is implemented by stacks that can describe the local node.
type NodeInfo interface {
	NodeID() uint64
	Path() string
}

// NetworkID identifies an overlay network. Its text form is 16 hex digits.
type NetworkID uint64

// ParseNetworkID parses a network id from hex, with or without a 0x prefix.
func ParseNetworkID(s string) (NetworkID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	if s == "" || len(s) > 16 {
		return 0, fmt.Errorf("invalid network id %q: expected up to 16 hex digits", s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid network id %q: %w", s, err)
	}
	return NetworkID(v), nil
}

// String returns the 16-digit lowercase hex form.
func (n NetworkID) String() string {
	return fmt.Sprintf("%016x", uint64(n))
}

// MarshalText implements encoding.TextMarshaler.
func (n NetworkID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *NetworkID) UnmarshalText(text []byte) error {
	parsed, err := ParseNetworkID(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// VirtualAddress is an address assigned to the local node on one network.
type VirtualAddress struct {
	Network NetworkID
	Prefix  netip.Prefix
}

// Addr returns the bare address without the prefix length.
func (a VirtualAddress) Addr() netip.Addr {
	return a.Prefix.Addr()
}

// Len returns the address length in bytes: 4 for IPv4, 16 for IPv6.
func (a VirtualAddress) Len() int {
	return a.Prefix.Addr().BitLen() / 8
}

// IsValid reports whether the address holds a usable prefix.
func (a VirtualAddress) IsValid() bool {
	return a.Prefix.IsValid()
}

// String returns the CIDR form, e.g. 11.7.7.107/24.
func (a VirtualAddress) String() string {
	return a.Prefix.String()
}

// FamilyOf returns the socket family matching addr.
func FamilyOf(addr netip.Addr) AddressFamily {
	if addr.Is4() || addr.Is4In6() {
		return AFInet
	}
	return AFInet6
}
