// Package cmd implements the dualproxy CLI using Cobra.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/romeomihailus/dualproxy/internal/acceptor"
	"github.com/romeomihailus/dualproxy/internal/api"
	"github.com/romeomihailus/dualproxy/internal/config"
	"github.com/romeomihailus/dualproxy/internal/credentials"
	"github.com/romeomihailus/dualproxy/internal/dialer"
	"github.com/romeomihailus/dualproxy/internal/logging"
	"github.com/romeomihailus/dualproxy/internal/metrics"
)

// version is injected at build time via ldflags.
var version = "dev"

// -----------------------------------------------------------------------
// Flag variables
// -----------------------------------------------------------------------

var (
	flagConfig         string
	flagListen         string
	flagBufferSize     int
	flagMaxConnections int
	flagConnectTimeout string
	flagAuth           []string
	flagAPIAddr        string
	flagLogLevel       string
)

// -----------------------------------------------------------------------
// Root command
// -----------------------------------------------------------------------

var rootCmd = &cobra.Command{
	Use:   "dualproxy",
	Short: "Dual-protocol SOCKS5 + HTTP forwarding proxy",
	Long: `dualproxy — a single listener that speaks both SOCKS5 (RFC 1928/1929)
and HTTP/1.1 proxying (CONNECT tunnels and absolute-URI forwarding).

The protocol is detected from the first byte of each connection, so a
single port serves both SOCKS5 and HTTP clients. Username/password
authentication is enforced uniformly across both protocols when any
users are configured.
`,
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.Flags()

	f.StringVarP(&flagConfig, "config", "c", "", "Path to YAML config file (optional; flags override its values)")
	f.StringVarP(&flagListen, "listen", "l", "", "Listen address, e.g. 127.0.0.1:1080 (overrides config)")
	f.IntVar(&flagBufferSize, "buffer-size", 0, "Per-connection buffer size in bytes (overrides config)")
	f.IntVar(&flagMaxConnections, "max-connections", 0, "Maximum concurrent connections (overrides config)")
	f.StringVar(&flagConnectTimeout, "connect-timeout", "", "Upstream connect timeout, e.g. 10s (overrides config)")
	f.StringArrayVar(&flagAuth, "auth", nil, "user:pass credential, may be repeated (merged with config users)")
	f.StringVar(&flagAPIAddr, "api-addr", "", "Address for the management API (empty disables it)")
	f.StringVar(&flagLogLevel, "log-level", "", "Log level: trace, debug, info, warn, error, off (overrides config)")
}

// -----------------------------------------------------------------------
// Main run logic
// -----------------------------------------------------------------------

func run(_ *cobra.Command, _ []string) error {
	cfg := config.Defaults()
	if flagConfig != "" {
		loaded, err := config.LoadFile(flagConfig)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = *loaded
	}

	if flagListen != "" {
		cfg.ListenAddress = flagListen
	}
	if flagBufferSize != 0 {
		cfg.BufferSize = flagBufferSize
	}
	if flagMaxConnections != 0 {
		cfg.MaxConnections = flagMaxConnections
	}
	if flagConnectTimeout != "" {
		d, err := time.ParseDuration(flagConnectTimeout)
		if err != nil {
			return fmt.Errorf("--connect-timeout: %w", err)
		}
		cfg.ConnectTimeoutSeconds = int(d.Seconds())
	}
	if flagAPIAddr != "" {
		cfg.APIAddr = flagAPIAddr
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	for _, kv := range flagAuth {
		parts := strings.SplitN(kv, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("--auth must be in user:pass format, got %q", kv)
		}
		cfg.Users[parts[0]] = parts[1]
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	logLevel := logging.ParseLevel(cfg.Log.Level)
	initLog := logging.New("init", logLevel)

	creds, err := credentials.New(cfg.Users)
	if err != nil {
		return fmt.Errorf("build credential store: %w", err)
	}
	d := dialer.New(cfg.ConnectTimeout())
	m := metrics.New(30*time.Second, logging.New("metrics", logLevel))
	m.Start()
	defer m.Stop()

	acc := acceptor.New(acceptor.Config{
		BufferSize:     cfg.BufferSize,
		MaxConnections: cfg.MaxConnections,
		ConnectTimeout: cfg.ConnectTimeout(),
	}, creds, d, m, logging.New("acceptor", logLevel))

	var apiSrv *api.Server
	if cfg.APIAddr != "" {
		apiSrv = api.New(cfg.APIAddr, m, logging.New("api", logLevel))
		go func() {
			initLog.Info("API server listening on http://%s", cfg.APIAddr)
			if err := apiSrv.Start(); err != nil && err != http.ErrServerClosed {
				initLog.Error("API server stopped: %v", err)
			}
		}()
		defer apiSrv.Stop()
	}

	printBanner(cfg, creds.HasUsers())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srvErr := make(chan error, 1)
	go func() { srvErr <- acc.Run(ctx, cfg.ListenAddress) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		initLog.Info("received %s — shutting down", sig)
	case err := <-srvErr:
		if err != nil {
			initLog.Error("acceptor error: %v", err)
		}
	}

	cancel()
	return acc.Stop()
}

// -----------------------------------------------------------------------
// Startup banner
// -----------------------------------------------------------------------

func printBanner(cfg config.Config, authEnabled bool) {
	authStr := "disabled"
	if authEnabled {
		authStr = "enabled"
	}
	apiStr := "disabled"
	if cfg.APIAddr != "" {
		apiStr = "http://" + cfg.APIAddr
	}

	fmt.Printf(`
╔══════════════════════════════════════════════════════════════╗
║                       dualproxy %s
╠══════════════════════════════════════════════════════════════╣
║  Listen        : %s
║  API server    : %s
║  Auth          : %s
║  Buffer size   : %d bytes
║  Max conns     : %d
║  Connect tmout : %s
╚══════════════════════════════════════════════════════════════╝

`, padRight(version, 44),
		padRight(cfg.ListenAddress, 46),
		padRight(apiStr, 46),
		padRight(authStr, 46),
		cfg.BufferSize,
		cfg.MaxConnections,
		cfg.ConnectTimeout(),
	)
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}
