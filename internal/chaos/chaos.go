// Package chaos injects faults into a virtual network stack for resilience
// testing of the relays.
package chaos

import (
	"errors"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/postalsys/ztbridge/internal/vnet"
)

// ErrInjected is returned by operations failed on purpose.
var ErrInjected = errors.New("chaos: injected fault")

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultDrop silently loses the datagram.
	FaultDrop FaultType = iota
	// FaultDelay adds latency to the operation.
	FaultDelay
	// FaultPanic panics in the calling goroutine.
	FaultPanic
	// FaultError fails the operation with ErrInjected.
	FaultError
)

func (t FaultType) String() string {
	switch t {
	case FaultDrop:
		return "drop"
	case FaultDelay:
		return "delay"
	case FaultPanic:
		return "panic"
	case FaultError:
		return "error"
	default:
		return "unknown"
	}
}

// Op selects the stack operations a fault applies to.
type Op uint8

const (
	OpSend Op = 1 << iota
	OpRecv

	OpAny = OpSend | OpRecv
)

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// Ops limits the fault to some operations. Zero means OpAny.
	Ops Op

	// Limit caps how many times this fault fires. Zero means no cap.
	Limit int

	// MinDelay is the minimum delay to add for FaultDelay.
	MinDelay time.Duration

	// MaxDelay is the maximum delay to add for FaultDelay.
	MaxDelay time.Duration
}

func (c FaultConfig) applies(op Op) bool {
	ops := c.Ops
	if ops == 0 {
		ops = OpAny
	}
	return ops&op != 0
}

// FaultInjector decides which faults fire.
type FaultInjector struct {
	configs   []FaultConfig
	enabled   bool
	mu        sync.Mutex
	rng       *rand.Rand
	fired     []int
	faultHits map[FaultType]int64
}

// NewFaultInjector creates a new, enabled fault injector.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		fired:     make([]int, len(configs)),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// Inject picks the first fault that fires for op. The returned delay is only
// meaningful for FaultDelay.
func (f *FaultInjector) Inject(op Op) (FaultType, time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return 0, 0, false
	}

	for i, cfg := range f.configs {
		if !cfg.applies(op) {
			continue
		}
		if cfg.Limit > 0 && f.fired[i] >= cfg.Limit {
			continue
		}
		if f.rng.Float64() >= cfg.Probability {
			continue
		}
		f.fired[i]++
		f.faultHits[cfg.Type]++
		return cfg.Type, f.randomDelay(cfg.MinDelay, cfg.MaxDelay), true
	}

	return 0, 0, false
}

// GetStats returns the fault injection statistics.
func (f *FaultInjector) GetStats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[FaultType]int64)
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset clears the statistics and the per-fault limits.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
	f.fired = make([]int, len(f.configs))
}

// randomDelay must be called with mu held.
func (f *FaultInjector) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	delta := max - min
	return min + time.Duration(f.rng.Int63n(int64(delta)))
}

// Stack wraps a vnet.Stack and injects faults into SendTo and RecvFrom.
// Every other operation passes through.
type Stack struct {
	vnet.Stack
	injector *FaultInjector
}

var _ vnet.Stack = (*Stack)(nil)

// Wrap returns inner with faults from injector applied.
func Wrap(inner vnet.Stack, injector *FaultInjector) *Stack {
	return &Stack{Stack: inner, injector: injector}
}

// Injector returns the fault injector driving the stack.
func (s *Stack) Injector() *FaultInjector {
	return s.injector
}

// SendTo sends b unless a fault fires. A dropped datagram reports success.
func (s *Stack) SendTo(h vnet.SocketHandle, b []byte, to netip.AddrPort) (int, error) {
	if fault, delay, ok := s.injector.Inject(OpSend); ok {
		switch fault {
		case FaultDrop:
			return len(b), nil
		case FaultError:
			return -1, ErrInjected
		case FaultPanic:
			panic("chaos: injected panic in SendTo")
		case FaultDelay:
			time.Sleep(delay)
		}
	}
	return s.Stack.SendTo(h, b, to)
}

// RecvFrom receives the next datagram that survives injection. A dropped
// datagram is discarded and the receive continues.
func (s *Stack) RecvFrom(h vnet.SocketHandle, b []byte) (int, netip.AddrPort, error) {
	for {
		n, from, err := s.Stack.RecvFrom(h, b)
		if err != nil {
			return n, from, err
		}

		fault, delay, ok := s.injector.Inject(OpRecv)
		if !ok {
			return n, from, nil
		}
		switch fault {
		case FaultDrop:
			continue
		case FaultError:
			return -1, netip.AddrPort{}, ErrInjected
		case FaultPanic:
			panic("chaos: injected panic in RecvFrom")
		case FaultDelay:
			time.Sleep(delay)
		}
		return n, from, nil
	}
}
