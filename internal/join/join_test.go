package join

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"sync"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/ztbridge/internal/logging"
	"github.com/postalsys/ztbridge/internal/metrics"
	"github.com/postalsys/ztbridge/internal/vnet"
)

const testNetwork = vnet.NetworkID(0x17d709436c911e4f)

// stubStack becomes running after runningAfter IsRunning calls that follow
// StartAndJoin.
type stubStack struct {
	runningAfter int64
	joinErr      error
	alreadyUp    bool
	addrs        []vnet.VirtualAddress
	addrErr      error

	startCalls   atomic.Int64
	runningCalls atomic.Int64
	started      atomic.Bool
}

func (s *stubStack) StartAndJoin(path string, network vnet.NetworkID) error {
	s.startCalls.Add(1)
	if s.joinErr != nil {
		return s.joinErr
	}
	s.started.Store(true)
	return nil
}

func (s *stubStack) Join(vnet.NetworkID) error { return nil }

func (s *stubStack) IsRunning() bool {
	if s.alreadyUp {
		return true
	}
	if !s.started.Load() {
		return false
	}
	return s.runningCalls.Add(1) > s.runningAfter
}

func (s *stubStack) AssignedAddressCount(vnet.NetworkID) int { return len(s.addrs) }

func (s *stubStack) AssignedAddressAt(_ vnet.NetworkID, i int) (vnet.VirtualAddress, error) {
	if s.addrErr != nil {
		return vnet.VirtualAddress{}, s.addrErr
	}
	return s.addrs[i], nil
}

func (s *stubStack) Socket(vnet.AddressFamily, vnet.SocketType) (vnet.SocketHandle, error) {
	return vnet.InvalidHandle, vnet.ErrUnsupported
}
func (s *stubStack) Bind(vnet.SocketHandle, netip.AddrPort) error { return vnet.ErrUnsupported }
func (s *stubStack) SendTo(vnet.SocketHandle, []byte, netip.AddrPort) (int, error) {
	return -1, vnet.ErrUnsupported
}
func (s *stubStack) RecvFrom(vnet.SocketHandle, []byte) (int, netip.AddrPort, error) {
	return -1, netip.AddrPort{}, vnet.ErrUnsupported
}
func (s *stubStack) Close(vnet.SocketHandle) error { return vnet.ErrUnsupported }

type stubNodeStack struct {
	*stubStack
}

func (s stubNodeStack) NodeID() uint64 { return 0x89e92ceee5 }
func (s stubNodeStack) Path() string   { return "/tmp/zt" }

func oneAddress() []vnet.VirtualAddress {
	return []vnet.VirtualAddress{{Network: testNetwork, Prefix: netip.MustParsePrefix("11.7.7.5/24")}}
}

func newController(stack vnet.Stack) (*Controller, *metrics.Metrics) {
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	return New(stack, Config{
		IdentityPath: "/tmp/zt",
		Network:      testNetwork,
		PollInterval: 5 * time.Millisecond,
		Metrics:      m,
	}), m
}

func TestEnsureReady_BecomesRunningAfterPolls(t *testing.T) {
	stack := &stubStack{runningAfter: 2, addrs: oneAddress()}
	c, m := newController(stack)

	if c.Ready() {
		t.Fatal("controller should not be ready before EnsureReady")
	}

	if err := c.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}

	if !c.Ready() {
		t.Error("controller should be ready")
	}
	if n := stack.startCalls.Load(); n != 1 {
		t.Errorf("StartAndJoin calls = %d, want 1", n)
	}
	if n := stack.runningCalls.Load(); n != 3 {
		t.Errorf("IsRunning calls after start = %d, want 3", n)
	}
	if got := c.Addresses(); len(got) != 1 || got[0].String() != "11.7.7.5/24" {
		t.Errorf("Addresses() = %v", got)
	}
	if v := testutil.ToFloat64(m.StackReady); v != 1 {
		t.Errorf("StackReady = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.AssignedAddresses); v != 1 {
		t.Errorf("AssignedAddresses = %v, want 1", v)
	}
}

func TestEnsureReady_Idempotent(t *testing.T) {
	stack := &stubStack{runningAfter: 1, addrs: oneAddress()}
	c, _ := newController(stack)

	for i := 0; i < 3; i++ {
		if err := c.EnsureReady(context.Background()); err != nil {
			t.Fatalf("EnsureReady() #%d error = %v", i, err)
		}
	}
	if n := stack.startCalls.Load(); n != 1 {
		t.Errorf("StartAndJoin calls = %d, want 1", n)
	}
}

func TestEnsureReady_Concurrent(t *testing.T) {
	stack := &stubStack{runningAfter: 3}
	c, _ := newController(stack)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.EnsureReady(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("EnsureReady() error = %v", err)
		}
	}
	if n := stack.startCalls.Load(); n != 1 {
		t.Errorf("StartAndJoin calls = %d, want 1", n)
	}
}

func TestEnsureReady_AlreadyRunning(t *testing.T) {
	stack := &stubStack{alreadyUp: true, addrs: oneAddress()}
	c, _ := newController(stack)

	if err := c.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}
	if n := stack.startCalls.Load(); n != 0 {
		t.Errorf("StartAndJoin calls = %d, want 0 for a running stack", n)
	}
	if !c.Ready() {
		t.Error("controller should be ready")
	}
}

func TestEnsureReady_JoinFailureIsFatal(t *testing.T) {
	joinErr := errors.New("native join failed")
	stack := &stubStack{joinErr: joinErr}
	c, m := newController(stack)

	err := c.EnsureReady(context.Background())
	if !errors.Is(err, joinErr) {
		t.Fatalf("EnsureReady() error = %v, want %v", err, joinErr)
	}
	if c.Ready() {
		t.Error("controller should not be ready after a failed join")
	}
	if !errors.Is(c.Err(), joinErr) {
		t.Errorf("Err() = %v", c.Err())
	}
	if err := c.Wait(context.Background()); !errors.Is(err, joinErr) {
		t.Errorf("Wait() error = %v, want join error", err)
	}

	// A failed controller does not retry.
	if err := c.EnsureReady(context.Background()); !errors.Is(err, joinErr) {
		t.Errorf("second EnsureReady() error = %v", err)
	}
	if n := stack.startCalls.Load(); n != 1 {
		t.Errorf("StartAndJoin calls = %d, want 1", n)
	}
	if v := testutil.ToFloat64(m.JoinErrors); v != 1 {
		t.Errorf("JoinErrors = %v, want 1", v)
	}
}

func TestEnsureReady_CancelDuringPollDoesNotRejoin(t *testing.T) {
	stack := &stubStack{runningAfter: 1 << 30}
	c, _ := newController(stack)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := c.EnsureReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("EnsureReady() error = %v, want deadline exceeded", err)
	}
	if c.Ready() {
		t.Error("controller should not be ready")
	}
	if c.Err() != nil {
		t.Errorf("cancellation should not be recorded as fatal, got %v", c.Err())
	}

	// The node comes up later; a retry must only poll.
	stack.runningAfter = 0
	if err := c.EnsureReady(context.Background()); err != nil {
		t.Fatalf("retry EnsureReady() error = %v", err)
	}
	if n := stack.startCalls.Load(); n != 1 {
		t.Errorf("StartAndJoin calls = %d, want 1", n)
	}
}

func TestWait_BlocksUntilReady(t *testing.T) {
	stack := &stubStack{runningAfter: 2}
	c, _ := newController(stack)

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- c.Wait(context.Background())
	}()

	select {
	case err := <-waitErr:
		t.Fatalf("Wait() returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	go c.EnsureReady(context.Background())

	select {
	case err := <-waitErr:
		if err != nil {
			t.Errorf("Wait() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait() did not return after readiness")
	}

	select {
	case <-c.Done():
	default:
		t.Error("Done() should be closed")
	}
}

func TestWait_Cancelled(t *testing.T) {
	c, _ := newController(&stubStack{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}

func TestEnsureReady_AddressErrorsAreNotFatal(t *testing.T) {
	stack := &stubStack{alreadyUp: true, addrs: oneAddress(), addrErr: vnet.ErrNoSuchAddress}
	c, _ := newController(stack)

	if err := c.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}
	if len(c.Addresses()) != 0 {
		t.Errorf("Addresses() = %v, want none", c.Addresses())
	}
}

func TestEnsureReady_NodeInfo(t *testing.T) {
	var buf bytes.Buffer
	stack := stubNodeStack{&stubStack{alreadyUp: true, addrs: oneAddress()}}
	c := New(stack, Config{
		IdentityPath: "/tmp/zt",
		Network:      testNetwork,
		PollInterval: 5 * time.Millisecond,
		Metrics:      metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
		Logger:       logging.NewLoggerWithWriter("info", "text", &buf),
	})

	if err := c.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady() error = %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "node_id=89e92ceee5") {
		t.Errorf("log missing node id:\n%s", out)
	}
	if !strings.Contains(out, "network_id="+testNetwork.String()) {
		t.Errorf("log missing network id:\n%s", out)
	}
}
