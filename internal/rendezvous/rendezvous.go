// Package rendezvous holds the local client address discovered at runtime.
//
// The local side learns the address from the first datagram the application
// sends; the virtual side needs it to deliver inbound traffic. The cell is
// written once and read concurrently, so it is built on an atomic pointer.
package rendezvous

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
)

// ErrPeerChanged is returned when a second, different address is offered.
// Only one local client is supported for the lifetime of the process.
var ErrPeerChanged = errors.New("local peer address already set to a different value")

// Cell is a single-writer, multi-reader address slot. The zero value is an
// unknown address and is ready to use.
type Cell struct {
	addr      atomic.Pointer[netip.AddrPort]
	conflicts atomic.Uint64

	knownOnce sync.Once
	knownCh   chan struct{}
	initOnce  sync.Once
}

func (c *Cell) init() {
	c.initOnce.Do(func() {
		c.knownCh = make(chan struct{})
	})
}

// Set records addr. The first valid address wins; offering the same address
// again is a no-op, offering a different one returns ErrPeerChanged and leaves
// the cell unchanged.
func (c *Cell) Set(addr netip.AddrPort) error {
	if !addr.IsValid() {
		return fmt.Errorf("invalid local peer address %v", addr)
	}
	c.init()

	p := &addr
	if c.addr.CompareAndSwap(nil, p) {
		c.knownOnce.Do(func() { close(c.knownCh) })
		return nil
	}

	if cur := c.addr.Load(); *cur == addr {
		return nil
	}
	c.conflicts.Add(1)
	return fmt.Errorf("%w: have %v, got %v", ErrPeerChanged, *c.addr.Load(), addr)
}

// Load returns the address and whether it is known yet.
func (c *Cell) Load() (netip.AddrPort, bool) {
	p := c.addr.Load()
	if p == nil {
		return netip.AddrPort{}, false
	}
	return *p, true
}

// Known returns a channel closed once the address is set.
func (c *Cell) Known() <-chan struct{} {
	c.init()
	return c.knownCh
}

// Conflicts returns how many times a different address was rejected.
func (c *Cell) Conflicts() uint64 {
	return c.conflicts.Load()
}

// String returns the address, or "unknown".
func (c *Cell) String() string {
	if addr, ok := c.Load(); ok {
		return addr.String()
	}
	return "unknown"
}
