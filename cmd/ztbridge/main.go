// Package main provides the CLI entry point for the ztbridge UDP relay.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/ztbridge/internal/bridge"
	"github.com/postalsys/ztbridge/internal/config"
	"github.com/postalsys/ztbridge/internal/control"
	"github.com/postalsys/ztbridge/internal/identity"
	"github.com/postalsys/ztbridge/internal/logging"
	"github.com/postalsys/ztbridge/internal/relay"
	"github.com/postalsys/ztbridge/internal/sysinfo"
	"github.com/postalsys/ztbridge/internal/vnet/hoststack"
	"github.com/postalsys/ztbridge/internal/wizard"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ztbridge",
		Short: "ztbridge - UDP relay between a virtual network and a local application",
		Long: `ztbridge joins a virtual network and relays UDP datagrams between a
virtual port and a local application.

Datagrams arriving on the virtual port are delivered to the first local
sender seen on the local endpoint. Datagrams from the local application are
sent to a fixed virtual peer.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var (
		configPath     string
		identityPath   string
		nonInteractive bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new bridge",
		Long: `Create the node identity and write a configuration file.

Runs an interactive wizard when stdin is a terminal. Otherwise, or with
--non-interactive, writes the default configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !nonInteractive && term.IsTerminal(int(os.Stdin.Fd())) {
				_, err := wizard.New().Run()
				return err
			}

			cfg := config.Default()
			if identityPath != "" {
				cfg.Node.IdentityPath = identityPath
			}

			id, created, err := identity.LoadOrCreate(cfg.Node.IdentityPath)
			if err != nil {
				return fmt.Errorf("failed to initialize node identity: %w", err)
			}
			if created {
				fmt.Printf("Node identity created in %s\n", cfg.Node.IdentityPath)
			} else {
				fmt.Printf("Node identity already exists in %s\n", cfg.Node.IdentityPath)
			}
			fmt.Printf("Node ID: %s\n", id.String())

			if _, err := os.Stat(configPath); err == nil {
				fmt.Printf("Config file %s already exists, leaving it unchanged\n", configPath)
				return nil
			}
			if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			if err := cfg.Save(configPath); err != nil {
				return err
			}
			fmt.Printf("Config written to %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to write the configuration file")
	cmd.Flags().StringVarP(&identityPath, "identity", "i", "", "Directory for the node identity (default from config)")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Write defaults without prompting")

	return cmd
}

func runCmd() *cobra.Command {
	var (
		configPath string
		mode       string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bridge",
		Long:  "Join the virtual network and relay datagrams until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("mode") {
				if _, err := relay.ParseMode(mode); err != nil {
					return err
				}
				cfg.Virtual.Mode = mode
			}

			logger := logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat)

			stack := hoststack.New(hoststack.Config{
				BootDelay: cfg.Stack.BootDelay,
				Addresses: cfg.StackAddresses(),
				ReusePort: cfg.Stack.ReusePort,
			}, logger)
			defer stack.Stop()

			b := bridge.New(cfg, stack, bridge.WithLogger(logger))

			fmt.Printf("Starting ztbridge %s...\n", sysinfo.Version)
			fmt.Printf("Network:  %s\n", cfg.Network().String())

			if err := b.Start(); err != nil {
				return fmt.Errorf("failed to start bridge: %w", err)
			}

			fmt.Printf("Server:   %s\n", cfg.ServerBind())
			fmt.Printf("Remote:   %s (%s)\n", cfg.Remote(), cfg.RelayMode())
			fmt.Printf("Local:    %s\n", b.LocalAddr())
			if cfg.Health.Enabled {
				fmt.Printf("Health:   http://%s/health\n", cfg.Health.Address)
			}

			// Wait for shutdown signal or for every task to end
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			select {
			case sig := <-sigCh:
				fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
			case <-b.Done():
				fmt.Println("All relay tasks ended, shutting down...")
			}

			// Graceful shutdown with timeout
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := b.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			if err := b.Err(); err != nil {
				return err
			}

			fmt.Println("Bridge stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "Override the client mode (continuous or single)")

	return cmd
}

func statusCmd() *cobra.Command {
	var (
		socketPath    string
		addressesOnly bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show bridge status",
		Long: `Display the current status of a running bridge through its control socket.

With --addresses, print only the node's assigned virtual addresses, one per line.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(socketPath)
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			if addressesOnly {
				addrs, err := client.Addresses(ctx)
				if err != nil {
					return fmt.Errorf("failed to query bridge (is the control socket enabled?): %w", err)
				}
				printAddresses(cmd.OutOrStdout(), addrs)
				return nil
			}

			status, err := client.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to query bridge (is the control socket enabled?): %w", err)
			}

			printStatus(status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&socketPath, "socket", "s", config.Default().Control.SocketPath, "Path to the control socket")
	cmd.Flags().BoolVarP(&addressesOnly, "addresses", "a", false, "Print only the assigned virtual addresses")

	return cmd
}

func printStatus(s *control.StatusResponse) {
	state := "stopped"
	switch {
	case s.Running && s.Ready:
		state = "running"
	case s.Running:
		state = "joining"
	}

	nodeID := s.NodeID
	if nodeID == "" {
		nodeID = "-"
	}
	addrs := "-"
	if len(s.Addresses) > 0 {
		addrs = strings.Join(s.Addresses, ", ")
	}

	fmt.Printf("State:       %s\n", state)
	if s.System.StartTime > 0 {
		fmt.Printf("Started:     %s (%s on %s)\n",
			humanize.Time(time.Unix(s.System.StartTime, 0)), s.System.Version, s.System.Hostname)
	}
	fmt.Printf("Node ID:     %s\n", nodeID)
	fmt.Printf("Network:     %s\n", s.NetworkID)
	fmt.Printf("Addresses:   %s\n", addrs)
	fmt.Printf("Remote:      %s (%s)\n", s.Remote, s.Mode)
	fmt.Printf("Local:       %s\n", s.LocalListen)
	fmt.Printf("Local peer:  %s", s.LocalPeer)
	if s.Conflicts > 0 {
		fmt.Printf(" (%d conflicting senders ignored)", s.Conflicts)
	}
	fmt.Println()
	fmt.Println()
	printDirection("To local", s.ToLocal)
	printDirection("To virtual", s.ToVirtual)
}

// printAddresses writes one address per line. A node that has not joined yet
// prints a note to w instead.
func printAddresses(w io.Writer, a *control.AddressesResponse) {
	if len(a.Addresses) == 0 {
		fmt.Fprintf(w, "no addresses assigned on network %s\n", a.NetworkID)
		return
	}
	for _, addr := range a.Addresses {
		fmt.Fprintln(w, addr)
	}
}

func printDirection(name string, st relay.Stats) {
	fmt.Printf("%-11s  %s datagrams forwarded (%s), %s dropped, %s errors\n",
		name+":",
		humanize.Comma(int64(st.Forwarded)),
		humanize.Bytes(st.Bytes),
		humanize.Comma(int64(st.Dropped)),
		humanize.Comma(int64(st.SendErrors+st.ReceiveErrors)))
}
