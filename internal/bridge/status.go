package bridge

import (
	"fmt"

	"github.com/postalsys/ztbridge/internal/control"
	"github.com/postalsys/ztbridge/internal/health"
	"github.com/postalsys/ztbridge/internal/relay"
	"github.com/postalsys/ztbridge/internal/sysinfo"
	"github.com/postalsys/ztbridge/internal/vnet"
)

// Status returns a snapshot for the control socket.
func (b *Bridge) Status() control.StatusResponse {
	addrs := b.join.Addresses()
	out := control.StatusResponse{
		NetworkID:   b.cfg.Network().String(),
		Running:     b.IsRunning(),
		Ready:       b.join.Ready(),
		Addresses:   make([]string, 0, len(addrs)),
		LocalListen: b.LocalAddr(),
		LocalPeer:   b.peer.String(),
		Remote:      b.cfg.Remote().String(),
		Mode:        string(b.cfg.RelayMode()),
		Conflicts:   b.peer.Conflicts(),
		System:      sysinfo.Collect(),
	}
	for _, a := range addrs {
		out.Addresses = append(out.Addresses, a.String())
	}
	if info, ok := b.stack.(vnet.NodeInfo); ok && b.join.Ready() {
		out.NodeID = fmt.Sprintf("%010x", info.NodeID())
	}
	out.ToLocal, out.ToVirtual = b.relayStats()
	return out
}

// Stats returns a snapshot for the health endpoint.
func (b *Bridge) Stats() health.Stats {
	toLocal, toVirtual := b.relayStats()
	_, known := b.peer.Load()
	return health.Stats{
		NetworkID:         b.cfg.Network().String(),
		AddressCount:      len(b.join.Addresses()),
		LocalPeerKnown:    known,
		ServerRunning:     b.server != nil && b.server.IsRunning(),
		ClientRunning:     b.client != nil && b.client.IsRunning(),
		ForwardedToLocal:  toLocal.Forwarded,
		ForwardedToRemote: toVirtual.Forwarded,
		Dropped:           toLocal.Dropped,
	}
}

func (b *Bridge) relayStats() (toLocal, toVirtual relay.Stats) {
	if b.server != nil {
		toLocal = b.server.Stats()
	}
	if b.client != nil {
		toVirtual = b.client.Stats()
	}
	return toLocal, toVirtual
}
