// Package control provides a Unix socket control interface for ztbridge.
package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/postalsys/ztbridge/internal/relay"
	"github.com/postalsys/ztbridge/internal/sysinfo"
)

// BridgeInfo provides bridge information for the control interface.
type BridgeInfo interface {
	// IsRunning returns true if the bridge is running.
	IsRunning() bool

	// Status returns a snapshot of the bridge state.
	Status() StatusResponse
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	NodeID      string   `json:"node_id"`
	NetworkID   string   `json:"network_id"`
	Running     bool     `json:"running"`
	Ready       bool     `json:"ready"`
	Addresses   []string `json:"addresses"`
	LocalListen string   `json:"local_listen"`
	LocalPeer   string   `json:"local_peer"`
	Remote      string   `json:"remote"`
	Mode        string   `json:"mode"`
	Conflicts   uint64   `json:"peer_conflicts"`

	ToLocal   relay.Stats `json:"to_local"`
	ToVirtual relay.Stats `json:"to_virtual"`

	System sysinfo.Info `json:"system"`
}

// AddressesResponse is the response for the addresses endpoint.
type AddressesResponse struct {
	NetworkID string   `json:"network_id"`
	Addresses []string `json:"addresses"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./data/control.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	bridge   BridgeInfo
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, bridge BridgeInfo) *Server {
	s := &Server{
		cfg:    cfg,
		bridge: bridge,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/addresses", s.handleAddresses)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove a stale socket file left by an earlier run
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := s.bridge.Status()
	response.Running = s.bridge.IsRunning()
	if response.Addresses == nil {
		response.Addresses = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleAddresses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := s.bridge.Status()
	response := AddressesResponse{
		NetworkID: status.NetworkID,
		Addresses: status.Addresses,
	}
	if response.Addresses == nil {
		response.Addresses = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
