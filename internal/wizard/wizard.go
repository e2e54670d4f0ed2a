// Package wizard provides an interactive setup wizard for ztbridge.
package wizard

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/ztbridge/internal/config"
	"github.com/postalsys/ztbridge/internal/identity"
	"github.com/postalsys/ztbridge/internal/relay"
	"github.com/postalsys/ztbridge/internal/vnet"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	NodeID     identity.NodeID
}

// Answers collects everything the wizard asks for.
type Answers struct {
	IdentityPath string
	ConfigPath   string

	NetworkID  string
	ServerPort string
	RemoteAddr string
	RemotePort string

	LocalListen string
	Mode        string

	HealthEnabled  bool
	ControlEnabled bool
	LogLevel       string
}

// DefaultAnswers returns answers matching config.Default.
func DefaultAnswers() Answers {
	d := config.Default()
	return Answers{
		IdentityPath:   d.Node.IdentityPath,
		ConfigPath:     "./config.yaml",
		NetworkID:      d.Node.NetworkID,
		ServerPort:     strconv.Itoa(d.Virtual.Port),
		RemoteAddr:     d.Virtual.RemoteAddress,
		RemotePort:     strconv.Itoa(d.Virtual.RemotePort),
		LocalListen:    d.Local.Listen,
		Mode:           d.Virtual.Mode,
		HealthEnabled:  true,
		ControlEnabled: true,
		LogLevel:       d.Node.LogLevel,
	}
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := DefaultAnswers()

	// Step 1: Basic setup
	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}

	// Step 2: Virtual network
	if err := w.askNetworkConfig(&a); err != nil {
		return nil, err
	}

	// Step 3: Local application side
	if err := w.askLocalConfig(&a); err != nil {
		return nil, err
	}

	// Step 4: Advanced options
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg, err := buildConfig(a)
	if err != nil {
		return nil, err
	}

	nodeID, _, err := identity.LoadOrCreate(cfg.Node.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize node identity: %w", err)
	}

	if err := writeConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(nodeID, a.ConfigPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
		NodeID:     nodeID,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
        _   _          _     _
  ____ | |_| |__  _ __(_) __| | __ _  ___
 |_  / | __| '_ \| '__| |/ _' |/ _' |/ _ \
  / /  | |_| |_) | |  | | (_| | (_| |  __/
 /___|  \__|_.__/|_|  |_|\__,_|\__, |\___|
                               |___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Virtual Network UDP Bridge - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure where the bridge keeps its state."),

			huh.NewInput().
				Title("Identity Directory").
				Description("Where to store the node identity").
				Placeholder("./data/zt").
				Value(&a.IdentityPath).
				Validate(required("identity directory")),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askNetworkConfig(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Virtual Network").
				Description("Choose the network to join and the peer to relay to."),

			huh.NewInput().
				Title("Network ID").
				Description("Up to 16 hex digits").
				Placeholder("17d709436c911e4f").
				Value(&a.NetworkID).
				Validate(validateNetworkID),

			huh.NewInput().
				Title("Server Port").
				Description("Virtual port to receive datagrams on").
				Placeholder("4040").
				Value(&a.ServerPort).
				Validate(validatePort),

			huh.NewInput().
				Title("Remote Address").
				Description("Virtual address of the peer bridge").
				Placeholder("11.7.7.107").
				Value(&a.RemoteAddr).
				Validate(validateAddr),

			huh.NewInput().
				Title("Remote Port").
				Placeholder("4040").
				Value(&a.RemotePort).
				Validate(validatePort),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askLocalConfig(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Local Application").
				Description("The local endpoint your application talks to.\nThe first sender becomes the local peer."),

			huh.NewInput().
				Title("Listen Address").
				Description("Local UDP address (host:port)").
				Placeholder("127.0.0.1:3000").
				Value(&a.LocalListen).
				Validate(validateAddrPort),

			huh.NewSelect[string]().
				Title("Client Mode").
				Options(
					huh.NewOption("Continuous (forward every local datagram)", string(relay.ModeContinuous)),
					huh.NewOption("Single (send one greeting and exit)", string(relay.ModeSingle)),
				).
				Value(&a.Mode),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&a.HealthEnabled),

			huh.NewConfirm().
				Title("Enable control socket?").
				Description("Unix socket for CLI commands (status)").
				Value(&a.ControlEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// buildConfig turns answers into a validated config.
func buildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.Node.IdentityPath = a.IdentityPath
	cfg.Node.NetworkID = strings.TrimSpace(a.NetworkID)
	cfg.Node.LogLevel = a.LogLevel
	cfg.Node.LogFormat = "text"

	port, err := strconv.Atoi(a.ServerPort)
	if err != nil {
		return nil, fmt.Errorf("invalid server port %q", a.ServerPort)
	}
	cfg.Virtual.Port = port

	remotePort, err := strconv.Atoi(a.RemotePort)
	if err != nil {
		return nil, fmt.Errorf("invalid remote port %q", a.RemotePort)
	}
	cfg.Virtual.RemoteAddress = a.RemoteAddr
	cfg.Virtual.RemotePort = remotePort
	cfg.Virtual.Mode = a.Mode

	cfg.Local.Listen = a.LocalListen

	cfg.Health.Enabled = a.HealthEnabled

	cfg.Control.Enabled = a.ControlEnabled
	if a.ControlEnabled {
		cfg.Control.SocketPath = filepath.Join(filepath.Dir(a.IdentityPath), "control.sock")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# ztbridge configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(nodeID identity.NodeID, configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Node ID:      %s\n", nodeID.String())
	fmt.Printf("  Network:      %s\n", cfg.Network().String())
	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Println()
	fmt.Printf("  Server:       %s\n", cfg.ServerBind())
	fmt.Printf("  Remote:       %s (%s)\n", cfg.Remote(), cfg.Virtual.Mode)
	fmt.Printf("  Local:        %s\n", cfg.Local.Listen)

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}
	if cfg.Control.Enabled {
		fmt.Printf("  Control:      %s\n", cfg.Control.SocketPath)
	}

	fmt.Println()
	fmt.Println("  To start the bridge:")
	fmt.Printf("    ztbridge run -c %s\n", configPath)
	fmt.Println()
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateNetworkID(s string) error {
	if _, err := vnet.ParseNetworkID(strings.TrimSpace(s)); err != nil {
		return fmt.Errorf("network id must be up to 16 hex digits")
	}
	return nil
}

func validatePort(s string) error {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

func validateAddr(s string) error {
	if _, err := netip.ParseAddr(s); err != nil {
		return fmt.Errorf("invalid IP address")
	}
	return nil
}

func validateAddrPort(s string) error {
	if _, err := netip.ParseAddrPort(s); err != nil {
		return fmt.Errorf("invalid address format (use ip:port)")
	}
	return nil
}
