package rendezvous

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"
)

func TestCell_ZeroValueUnknown(t *testing.T) {
	var c Cell

	if _, ok := c.Load(); ok {
		t.Error("zero Cell should be unknown")
	}
	if c.String() != "unknown" {
		t.Errorf("String() = %s, want unknown", c.String())
	}

	select {
	case <-c.Known():
		t.Error("Known() should not be closed before Set")
	default:
	}
}

func TestCell_SetOnce(t *testing.T) {
	var c Cell
	addr := netip.MustParseAddrPort("127.0.0.1:9001")

	if err := c.Set(addr); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok := c.Load()
	if !ok || got != addr {
		t.Errorf("Load() = %v, %v; want %v, true", got, ok, addr)
	}

	select {
	case <-c.Known():
	default:
		t.Error("Known() should be closed after Set")
	}
}

func TestCell_SetSameAddressIsNoop(t *testing.T) {
	var c Cell
	addr := netip.MustParseAddrPort("127.0.0.1:9001")

	for i := 0; i < 3; i++ {
		if err := c.Set(addr); err != nil {
			t.Fatalf("Set() #%d error = %v", i, err)
		}
	}
	if c.Conflicts() != 0 {
		t.Errorf("Conflicts() = %d, want 0", c.Conflicts())
	}
}

func TestCell_SetDifferentAddressIsRejected(t *testing.T) {
	var c Cell
	first := netip.MustParseAddrPort("127.0.0.1:9001")
	second := netip.MustParseAddrPort("127.0.0.1:9002")

	if err := c.Set(first); err != nil {
		t.Fatalf("Set(first) error = %v", err)
	}

	err := c.Set(second)
	if !errors.Is(err, ErrPeerChanged) {
		t.Fatalf("Set(second) error = %v, want ErrPeerChanged", err)
	}

	got, _ := c.Load()
	if got != first {
		t.Errorf("Load() = %v after rejected Set, want %v", got, first)
	}
	if c.Conflicts() != 1 {
		t.Errorf("Conflicts() = %d, want 1", c.Conflicts())
	}
}

func TestCell_SetInvalid(t *testing.T) {
	var c Cell
	if err := c.Set(netip.AddrPort{}); err == nil {
		t.Error("Set() of invalid address should fail")
	}
	if _, ok := c.Load(); ok {
		t.Error("invalid Set should leave the cell unknown")
	}
}

func TestCell_ConcurrentWritersOneWinner(t *testing.T) {
	var c Cell
	const writers = 16

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(port uint16) {
			defer wg.Done()
			err := c.Set(netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port))
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(uint16(10000 + i))
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
	if c.Conflicts() != writers-1 {
		t.Errorf("Conflicts() = %d, want %d", c.Conflicts(), writers-1)
	}
}

func TestCell_KnownWakesReader(t *testing.T) {
	var c Cell
	addr := netip.MustParseAddrPort("[::1]:3000")

	done := make(chan netip.AddrPort, 1)
	go func() {
		<-c.Known()
		got, _ := c.Load()
		done <- got
	}()

	time.Sleep(10 * time.Millisecond)
	if err := c.Set(addr); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	select {
	case got := <-done:
		if got != addr {
			t.Errorf("reader saw %v, want %v", got, addr)
		}
	case <-time.After(time.Second):
		t.Fatal("reader was not woken by Set")
	}
}
