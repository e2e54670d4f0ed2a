// Package relay forwards UDP datagrams between a local application and one peer
// on a virtual network.
//
// Two independent loops do the work:
//   - Server owns a virtual socket bound to a well-known port. Every datagram it
//     receives is forwarded to the local application, once its address is known.
//   - Client owns a second virtual socket. It pulls datagrams from a DataSource
//     (normally the LocalEndpoint) and sends each to the fixed remote peer.
//
// The loops share one piece of state: the local application's address, held in
// a rendezvous.Cell. The LocalEndpoint writes it when the application sends its
// first datagram; the Server reads it for every inbound datagram.
//
// # Delivery
//
// Forwarding is best-effort. Inbound datagrams that arrive before the local
// address is known are dropped and counted, not queued. Send failures are
// logged and counted, never retried. Setup failures (socket, bind) end the
// affected loop with an error.
//
// # Cancellation
//
// Both Run methods return when their context is cancelled. Cancellation closes
// the virtual socket, which unblocks a pending receive; each handle is closed
// exactly once on every exit path.
package relay
