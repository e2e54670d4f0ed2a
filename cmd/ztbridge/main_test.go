package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/ztbridge/internal/control"
)

type fakeBridge struct {
	status control.StatusResponse
}

func (f *fakeBridge) IsRunning() bool                { return true }
func (f *fakeBridge) Status() control.StatusResponse { return f.status }

func startControl(t *testing.T, status control.StatusResponse) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control.sock")
	srv := control.NewServer(control.ServerConfig{
		SocketPath:   path,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}, &fakeBridge{status: status})
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start control server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return path
}

func TestStatusCmd_Addresses(t *testing.T) {
	path := startControl(t, control.StatusResponse{
		Running:   true,
		Ready:     true,
		NetworkID: "17d709436c911e4f",
		Addresses: []string{"11.7.7.5/24", "fd17:d709:436c:911e::5/88"},
	})

	var out bytes.Buffer
	cmd := statusCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--socket", path, "--addresses"})

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("status --addresses failed: %v", err)
	}

	want := "11.7.7.5/24\nfd17:d709:436c:911e::5/88\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestStatusCmd_MissingSocket(t *testing.T) {
	cmd := statusCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--socket", filepath.Join(t.TempDir(), "missing.sock"), "-a"})

	err := cmd.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), "failed to query bridge") {
		t.Errorf("error = %v, want query failure", err)
	}
}

func TestPrintAddresses(t *testing.T) {
	tests := []struct {
		name string
		in   control.AddressesResponse
		want string
	}{
		{
			name: "one address",
			in:   control.AddressesResponse{NetworkID: "17d709436c911e4f", Addresses: []string{"11.7.7.5/24"}},
			want: "11.7.7.5/24\n",
		},
		{
			name: "not joined",
			in:   control.AddressesResponse{NetworkID: "17d709436c911e4f", Addresses: []string{}},
			want: "no addresses assigned on network 17d709436c911e4f\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printAddresses(&buf, &tt.in)
			if buf.String() != tt.want {
				t.Errorf("printAddresses() = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}
