package bridge

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/ztbridge/internal/config"
	"github.com/postalsys/ztbridge/internal/control"
	"github.com/postalsys/ztbridge/internal/logging"
	"github.com/postalsys/ztbridge/internal/metrics"
	"github.com/postalsys/ztbridge/internal/relay"
	"github.com/postalsys/ztbridge/internal/vnet"
	"github.com/postalsys/ztbridge/internal/vnet/hoststack"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func testConfig(t *testing.T, port, remotePort int) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.IdentityPath = t.TempDir()
	cfg.Node.PollInterval = 10 * time.Millisecond
	cfg.Virtual.BindAddress = "127.0.0.1"
	cfg.Virtual.Port = port
	cfg.Virtual.ClientBindAddress = "127.0.0.1:0"
	cfg.Virtual.RemoteAddress = "127.0.0.1"
	cfg.Virtual.RemotePort = remotePort
	cfg.Local.Listen = "127.0.0.1:0"
	cfg.Stack.BootDelay = 20 * time.Millisecond
	cfg.Stack.Addresses = []string{"127.0.0.1/8"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return cfg
}

func newTestBridge(t *testing.T, cfg *config.Config, opts ...Option) *Bridge {
	t.Helper()
	stack := hoststack.New(hoststack.Config{
		BootDelay: cfg.Stack.BootDelay,
		Addresses: cfg.StackAddresses(),
	}, logging.NopLogger())
	t.Cleanup(stack.Stop)

	reg := prometheus.NewRegistry()
	opts = append([]Option{
		WithLogger(logging.NopLogger()),
		WithMetrics(metrics.NewMetricsWithRegistry(reg), reg),
	}, opts...)
	return New(cfg, stack, opts...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dialLocal(t *testing.T, b *Bridge) *net.UDPConn {
	t.Helper()
	addr, err := netip.ParseAddrPort(b.LocalAddr())
	if err != nil {
		t.Fatalf("parse local addr %q: %v", b.LocalAddr(), err)
	}
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(addr))
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readString(t *testing.T, conn *net.UDPConn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	return string(buf[:n])
}

func TestBridge_EndToEndOverHostStack(t *testing.T) {
	portA, portB := freeUDPPort(t), freeUDPPort(t)

	dropped := make(chan relay.Datagram, 4)
	a := newTestBridge(t, testConfig(t, portA, portB), WithDropHook(func(dg relay.Datagram) { dropped <- dg }))
	b := newTestBridge(t, testConfig(t, portB, portA))

	for _, br := range []*Bridge{a, b} {
		if err := br.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		defer br.Stop()
	}
	for _, br := range []*Bridge{a, b} {
		br := br
		waitFor(t, "relays", func() bool {
			s := br.Stats()
			return br.Ready() && s.ServerRunning && s.ClientRunning
		})
	}

	appA := dialLocal(t, a)
	appB := dialLocal(t, b)

	// B's application speaks first; A does not know its local peer yet.
	appB.Write([]byte("hello"))
	select {
	case dg := <-dropped:
		if string(dg.Payload) != "hello" {
			t.Errorf("dropped payload = %q, want hello", dg.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("datagram for an unknown peer was not dropped")
	}

	appA.Write([]byte("ping"))
	if got := readString(t, appB); got != "ping" {
		t.Errorf("app B received %q, want ping", got)
	}

	appB.Write([]byte("pong"))
	if got := readString(t, appA); got != "pong" {
		t.Errorf("app A received %q, want pong", got)
	}

	status := b.Status()
	if status.LocalPeer != appB.LocalAddr().String() {
		t.Errorf("B local peer = %s, want %s", status.LocalPeer, appB.LocalAddr())
	}
	if status.ToLocal.Forwarded != 1 || status.ToVirtual.Forwarded != 2 {
		t.Errorf("B stats to_local=%+v to_virtual=%+v", status.ToLocal, status.ToVirtual)
	}
	if len(status.Addresses) != 1 || status.Addresses[0] != "127.0.0.1/8" {
		t.Errorf("B addresses = %v", status.Addresses)
	}
	if status.NodeID == "" {
		t.Error("B node id should be reported once ready")
	}
	if a.Stats().Dropped != 1 {
		t.Errorf("A dropped = %d, want 1", a.Stats().Dropped)
	}

	for _, br := range []*Bridge{a, b} {
		if err := br.Stop(); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
		if err := br.Wait(); err != nil {
			t.Errorf("Wait() error = %v", err)
		}
		if br.IsRunning() {
			t.Error("bridge should not be running after Stop")
		}
	}
}

func TestBridge_StopIsIdempotent(t *testing.T) {
	br := newTestBridge(t, testConfig(t, freeUDPPort(t), 4040))

	// Stop before Start is a no-op.
	if err := br.Stop(); err != nil {
		t.Errorf("Stop() before Start error = %v", err)
	}
	if err := br.Wait(); err != nil {
		t.Errorf("Wait() before Start error = %v", err)
	}

	br = newTestBridge(t, testConfig(t, freeUDPPort(t), 4040))
	if err := br.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := br.Start(); err == nil {
		t.Error("second Start() should fail")
	}

	for i := 0; i < 3; i++ {
		if err := br.Stop(); err != nil {
			t.Errorf("Stop() #%d error = %v", i, err)
		}
	}

	select {
	case <-br.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done() not closed after Stop")
	}
}

func TestBridge_StopBeforeStartKeepsLaterStop(t *testing.T) {
	br := newTestBridge(t, testConfig(t, freeUDPPort(t), 4040))

	if err := br.Stop(); err != nil {
		t.Fatalf("Stop() before Start error = %v", err)
	}
	if err := br.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !br.IsRunning() {
		t.Fatal("bridge should be running after Start")
	}

	if err := br.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	select {
	case <-br.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() after an early Stop did not end the tasks")
	}
	if br.IsRunning() {
		t.Error("bridge still running after Stop")
	}
}

func TestBridge_StopWithContext(t *testing.T) {
	br := newTestBridge(t, testConfig(t, freeUDPPort(t), 4040))
	if err := br.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := br.StopWithContext(ctx); err != nil {
		t.Errorf("StopWithContext() error = %v", err)
	}
}

func TestBridge_LocalListenFailure(t *testing.T) {
	taken, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer taken.Close()

	cfg := testConfig(t, freeUDPPort(t), 4040)
	cfg.Local.Listen = taken.LocalAddr().String()

	br := newTestBridge(t, cfg)
	if err := br.Start(); err == nil {
		t.Fatal("Start() should fail when the local port is taken")
	}
	if br.IsRunning() {
		t.Error("bridge should not be running")
	}
	select {
	case <-br.Done():
	default:
		t.Error("Done() should be closed after a failed Start")
	}
}

func TestBridge_ServerBindFailure(t *testing.T) {
	taken, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer taken.Close()

	cfg := testConfig(t, taken.LocalAddr().(*net.UDPAddr).Port, 4040)
	br := newTestBridge(t, cfg)
	if err := br.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer br.Stop()

	waitFor(t, "bind failure", func() bool { return br.Err() != nil })
	if err := br.Err(); !strings.Contains(err.Error(), "relay.server") {
		t.Errorf("Err() = %v, want relay.server failure", err)
	}

	// The client direction keeps running.
	if !br.IsRunning() {
		t.Error("bridge should keep running after one relay fails")
	}
}

// failingStack fails StartAndJoin.
type failingStack struct {
	err error
}

func (s failingStack) StartAndJoin(string, vnet.NetworkID) error { return s.err }
func (s failingStack) Join(vnet.NetworkID) error                 { return s.err }
func (s failingStack) IsRunning() bool                           { return false }
func (s failingStack) AssignedAddressCount(vnet.NetworkID) int   { return 0 }
func (s failingStack) AssignedAddressAt(vnet.NetworkID, int) (vnet.VirtualAddress, error) {
	return vnet.VirtualAddress{}, vnet.ErrNoSuchAddress
}
func (s failingStack) Socket(vnet.AddressFamily, vnet.SocketType) (vnet.SocketHandle, error) {
	return vnet.InvalidHandle, vnet.ErrNotRunning
}
func (s failingStack) Bind(vnet.SocketHandle, netip.AddrPort) error { return vnet.ErrNotRunning }
func (s failingStack) SendTo(vnet.SocketHandle, []byte, netip.AddrPort) (int, error) {
	return -1, vnet.ErrNotRunning
}
func (s failingStack) RecvFrom(vnet.SocketHandle, []byte) (int, netip.AddrPort, error) {
	return -1, netip.AddrPort{}, vnet.ErrNotRunning
}
func (s failingStack) Close(vnet.SocketHandle) error { return vnet.ErrBadHandle }

func TestBridge_JoinFailureEndsAllTasks(t *testing.T) {
	joinErr := errors.New("network unreachable")
	cfg := testConfig(t, freeUDPPort(t), 4040)

	reg := prometheus.NewRegistry()
	br := New(cfg, failingStack{err: joinErr},
		WithLogger(logging.NopLogger()),
		WithMetrics(metrics.NewMetricsWithRegistry(reg), reg))

	if err := br.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer br.Stop()

	done := make(chan error, 1)
	go func() { done <- br.Wait() }()

	select {
	case err := <-done:
		if !errors.Is(err, joinErr) {
			t.Errorf("Wait() error = %v, want %v", err, joinErr)
		}
		for _, task := range []string{"join", "relay.server", "relay.client"} {
			if !strings.Contains(err.Error(), task+":") {
				t.Errorf("Wait() error missing task %s: %v", task, err)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait() did not return after a fatal join")
	}
	if br.Ready() {
		t.Error("bridge should not be ready")
	}
}

func TestBridge_ControlSocket(t *testing.T) {
	cfg := testConfig(t, freeUDPPort(t), 4040)
	cfg.Control.Enabled = true
	cfg.Control.SocketPath = filepath.Join(t.TempDir(), "control.sock")
	cfg.Health.Enabled = true
	cfg.Health.Address = "127.0.0.1:0"

	br := newTestBridge(t, cfg)
	if err := br.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer br.Stop()

	waitFor(t, "ready", br.Ready)

	client := control.NewClient(cfg.Control.SocketPath)
	defer client.Close()

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !status.Running || !status.Ready {
		t.Errorf("status running=%v ready=%v", status.Running, status.Ready)
	}
	if status.NetworkID != "17d709436c911e4f" {
		t.Errorf("NetworkID = %s", status.NetworkID)
	}
	if status.LocalPeer != "unknown" {
		t.Errorf("LocalPeer = %s, want unknown", status.LocalPeer)
	}
	if status.Mode != string(relay.ModeContinuous) {
		t.Errorf("Mode = %s", status.Mode)
	}
	if br.healthServer == nil || !br.healthServer.IsRunning() {
		t.Error("health server should be running")
	}
}
