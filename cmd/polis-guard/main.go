// Package main is the entry point for the polis-guard binary.
// It runs the protective control plane: rate limiting, circuit breaking,
// golden signal rollups, cost budgets and incident management.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-guard/internal/app"
	guardtls "github.com/polisai/polis-guard/internal/tls"
	"github.com/polisai/polis-guard/pkg/config"
	"github.com/polisai/polis-guard/pkg/logging"
)

// version is set at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// serveFlags holds the serve command flags that override the config file.
type serveFlags struct {
	Config      string
	LogLevel    string
	AdminAddr   string
	PolicyFile  string
	StoreDriver string
	StoreDSN    string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "polis-guard",
		Short:         "Protective control plane for service dependencies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newValidateCmd(), newCertsCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the guard process and its admin API",
		Long: `Run the guard process.

Static settings come from the --config file and POLIS_GUARD_* environment
variables; flags override both. Rate limits, breaker thresholds and budgets
are read from the policy file and reloaded when it changes or on SIGHUP.

Example:
  polis-guard serve --config guard.yaml --policies policies.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := buildConfig(flags)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&flags.Config, "config", "c", "", "Path to configuration file (YAML)")
	cmd.Flags().StringVarP(&flags.LogLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&flags.AdminAddr, "admin-addr", "", "Admin API listen address")
	cmd.Flags().StringVarP(&flags.PolicyFile, "policies", "p", "", "Path to the hot-reloaded policy file")
	cmd.Flags().StringVar(&flags.StoreDriver, "store", "", "Store driver (memory, sqlite, postgres)")
	cmd.Flags().StringVar(&flags.StoreDSN, "store-dsn", "", "Store data source name")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and policy files without starting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := buildConfig(flags)
			if err != nil {
				return err
			}
			return validate(cmd.OutOrStdout(), cfg)
		},
	}
	cmd.Flags().StringVarP(&flags.Config, "config", "c", "", "Path to configuration file (YAML)")
	cmd.Flags().StringVarP(&flags.PolicyFile, "policies", "p", "", "Path to the policy file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "polis-guard", version)
		},
	}
}

func newCertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Generate and inspect admin API certificates",
	}

	var (
		commonName string
		hosts      []string
		validFor   time.Duration
		outDir     string
	)
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Write a self-signed certificate for the admin API",
		Long: `Write admin.crt and admin.key into --out-dir.

The certificate is its own CA: point server.tls.cert_file and
server.tls.client_ca_file (for mutual TLS) at it, and pass it to
guardctl as --ca, or as --cert/--key for a client identity.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := guardtls.CertOptions{CommonName: commonName, ValidFor: validFor}
			for _, h := range hosts {
				if ip := net.ParseIP(h); ip != nil {
					opts.IPAddresses = append(opts.IPAddresses, ip)
				} else {
					opts.DNSNames = append(opts.DNSNames, h)
				}
			}
			certPEM, keyPEM, err := guardtls.GenerateSelfSigned(opts)
			if err != nil {
				return err
			}
			certPath := filepath.Join(outDir, "admin.crt")
			keyPath := filepath.Join(outDir, "admin.key")
			if err := guardtls.WriteKeyPair(certPEM, keyPEM, certPath, keyPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "certificate: %s\nprivate key: %s\nhosts: %s\n",
				certPath, keyPath, strings.Join(hosts, ", "))
			return nil
		},
	}
	generate.Flags().StringVar(&commonName, "cn", "polis-guard", "Certificate common name")
	generate.Flags().StringSliceVar(&hosts, "hosts", []string{"localhost", "127.0.0.1"}, "DNS names and IP addresses the certificate covers")
	generate.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "Validity period")
	generate.Flags().StringVarP(&outDir, "out-dir", "o", ".", "Output directory")

	inspect := &cobra.Command{
		Use:   "inspect CERT",
		Short: "Print a certificate summary as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := guardtls.Inspect(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}

	cmd.AddCommand(generate, inspect)
	return cmd
}

// buildConfig loads the config file and applies flag overrides.
func buildConfig(flags serveFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.Config)
	if err != nil {
		return nil, err
	}

	if flags.LogLevel != "" {
		cfg.Logging.Level = flags.LogLevel
	}
	if flags.AdminAddr != "" {
		cfg.Server.AdminAddress = flags.AdminAddr
	}
	if flags.PolicyFile != "" {
		cfg.Policies.File = flags.PolicyFile
	}
	if flags.StoreDriver != "" {
		cfg.Storage.Driver = flags.StoreDriver
	}
	if flags.StoreDSN != "" {
		cfg.Storage.DSN = flags.StoreDSN
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func validate(w io.Writer, cfg *config.Config) error {
	fmt.Fprintf(w, "configuration ok: admin=%s store=%s\n", cfg.Server.AdminAddress, cfg.Storage.Driver)
	if cfg.Policies.File == "" {
		fmt.Fprintln(w, "no policy file configured")
		return nil
	}
	data, err := os.ReadFile(cfg.Policies.File)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}
	snap, err := config.ParsePolicies(data)
	if err != nil {
		return fmt.Errorf("%s: %w", cfg.Policies.File, err)
	}
	fmt.Fprintf(w, "policies ok: rate_limits=%d circuit_breakers=%d budgets=%d\n",
		len(snap.RateLimits), len(snap.CircuitBreakers), len(snap.Budgets))
	return nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.Setup(cfg.Logging)
	logger.Info("Starting polis-guard",
		"version", version,
		"admin_address", cfg.Server.AdminAddress,
		"store", cfg.Storage.Driver,
		"policies", cfg.Policies.File)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	guard, err := app.New(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		return err
	}
	defer func() {
		if err := guard.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("Failed to release resources", "error", err)
		}
	}()

	go reloadOnHangup(ctx, guard, logger)

	if err := guard.Run(ctx); err != nil {
		logger.Error("Guard stopped with error", "error", err)
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

func reloadOnHangup(ctx context.Context, guard *app.App, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			snap, err := guard.ReloadPolicies()
			if err != nil {
				logger.Error("Policy reload on SIGHUP failed", "error", err)
				continue
			}
			logger.Info("Policy reload on SIGHUP", "generation", snap.Generation)
		}
	}
}
