// Package main implements the provmirror command-line tool for mirroring
// Terraform providers into a private registry.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/provmirror/provmirror/internal/config"
	"github.com/provmirror/provmirror/internal/mirror"
	"github.com/provmirror/provmirror/internal/notify"
	"github.com/provmirror/provmirror/internal/provider"
	"github.com/provmirror/provmirror/internal/registry"
	"github.com/provmirror/provmirror/internal/retention"
	"github.com/provmirror/provmirror/internal/secrets"
	"github.com/provmirror/provmirror/internal/source"
	"github.com/provmirror/provmirror/internal/tfe"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

const defaultConfigPath = "/etc/provmirror/provmirror.toml"

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "provmirror",
	Short: "Mirror Terraform providers into a private registry",
	Long: `provmirror copies Terraform provider releases from the public registry into
an organization's private registry, verifying GPG signatures and checksums
along the way, and prunes old mirrored versions.`,
}

var syncCmd = &cobra.Command{
	Use:   "sync <package-document>",
	Short: "Synchronize providers listed in a package document",
	Long: `Synchronizes providers from the public registry into the private registry.

The package document is a JSON object or array of objects naming the
providers, version selectors, and platforms to mirror. It may be a local
file path or an S3 reference.

Usage:
  # Mirror the packages listed in a local document
  provmirror sync packages.json

  # Mirror from a document stored in S3
  provmirror sync s3://infra-config/providers/packages.json

  # Resolve and verify without writing to the destination registry
  provmirror sync packages.json --dry-run

  # Override the log level
  provmirror sync packages.json --log-level debug

A machine-readable run summary is written to standard output. The command
exits non-zero if any package fails.`,
	Args: cobra.ExactArgs(1),
	Run:  runSync,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [provider-name]",
	Short: "Prune old provider versions from the private registry",
	Long: `Deletes mirrored provider versions beyond the configured retention count,
newest versions kept first by semantic-version precedence.

Usage:
  # Prune every provider in the registry
  provmirror cleanup

  # Prune a single provider
  provmirror cleanup aws

  # Report what would be deleted without deleting
  provmirror cleanup --dry-run`,
	Args: cobra.MaximumNArgs(1),
	Run:  runCleanup,
}

var validateCmd = &cobra.Command{
	Use:   "validate <package-document>",
	Short: "Validate settings and a package document",
	Long:  `Validate the settings file and a package document and report any issues.`,
	Args:  cobra.ExactArgs(1),
	Run:   runValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("provmirror %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "settings file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress progress output and log only errors")
	rootCmd.PersistentFlags().Bool("dry-run", false, "report what would change without writing to the destination")
}

// formatError returns a human-friendly error message, optionally with stack trace.
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err)
	}
	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}
	return err.Error()
}

// loadSettings reads the settings file, applies environment overrides and
// command-line flags, and installs the logger.
func loadSettings(cmd *cobra.Command) (*config.Settings, bool) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	settings := config.NewSettings()
	meta, err := toml.DecodeFile(configPath, settings)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("settings file not found", "path", configPath)
			slog.Info("Create a settings file at the default location or specify one with the --config flag.")
			os.Exit(1)
		}
		slog.Error("failed to decode settings file", "error", formatError(err, verboseErrors), "path", configPath)
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}

	// Parsing stops silently at unknown keys; surface them instead.
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		slog.Error("settings file contains unknown keys", "keys", strings.Join(keys, ", "), "path", configPath)
		os.Exit(1)
	}

	if err := settings.ApplyEnv(); err != nil {
		slog.Error("invalid environment override", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	if logLevel != "" {
		settings.Log.Level = logLevel
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		settings.Log.Level = "error"
	}
	if err := settings.Log.Apply(); err != nil {
		slog.Error("failed to apply log config", "error", err)
		os.Exit(1)
	}

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		settings.DryRun = true
	}

	if err := settings.Check(); err != nil {
		slog.Error("settings validation failed", "error", formatError(err, verboseErrors), "path", configPath)
		os.Exit(1)
	}
	return settings, verboseErrors
}

// clients bundles everything a run needs to talk to the outside world.
type clients struct {
	upstream *registry.Client
	dest     *tfe.Client
	sink     notify.Sink
}

// buildClients resolves secrets and constructs the registry clients and the
// notification sink.
func buildClients(ctx context.Context, settings *config.Settings) (*clients, error) {
	store, err := secrets.NewManager(ctx)
	if err != nil {
		return nil, err
	}

	token, err := store.Secret(ctx, settings.TokenSecretName)
	if err != nil {
		return nil, errors.Wrap(err, "resolving destination registry token")
	}

	var caPEM []byte
	if settings.TLS.CABundleSecretName != "" {
		pem, err := store.Secret(ctx, settings.TLS.CABundleSecretName)
		if err != nil {
			return nil, errors.Wrap(err, "resolving CA bundle")
		}
		caPEM = []byte(pem)
	}

	httpClient, err := config.NewHTTPClient(&settings.TLS, settings.Proxy, caPEM)
	if err != nil {
		return nil, err
	}

	upstream, err := registry.NewClient("", httpClient, settings.MaxRetries,
		settings.Timeouts.API.Duration, settings.Timeouts.Download.Duration)
	if err != nil {
		return nil, err
	}
	dest, err := tfe.NewClient(settings.Address, token, settings.Organization, settings.RegistryName,
		httpClient, settings.Timeouts.API.Duration, settings.Timeouts.Upload.Duration)
	if err != nil {
		return nil, err
	}

	var sink notify.Sink = notify.LogSink{}
	if settings.SNSTopicARN != "" {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "loading AWS configuration")
		}
		sink = notify.NewSNSSink(sns.NewFromConfig(cfg), settings.SNSTopicARN)
	}

	return &clients{upstream: upstream, dest: dest, sink: sink}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runSync(cmd *cobra.Command, args []string) {
	settings, verboseErrors := loadSettings(cmd)
	quiet, _ := cmd.Flags().GetBool("quiet")

	ctx, stop := signalContext()
	defer stop()

	specs, err := loadPackageDocument(ctx, args[0])
	if err != nil {
		slog.Error("package document rejected", "error", formatError(err, verboseErrors), "ref", args[0])
		os.Exit(1)
	}

	cl, err := buildClients(ctx, settings)
	if err != nil {
		slog.Error("failed to initialize clients", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	orchestrator := mirror.NewOrchestrator(
		mirror.NewResolver(cl.upstream, cl.dest),
		mirror.NewFetcher(cl.upstream, quiet),
		mirror.NewPublisher(cl.dest, settings.DryRun),
		cl.sink,
		settings.Workers,
	)

	summary := orchestrator.Run(ctx, specs)
	if err := summary.WriteJSON(os.Stdout); err != nil {
		slog.Error("failed to write run summary", "error", err)
	}

	if summary.HasFailures() {
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}
	if ctx.Err() != nil {
		os.Exit(1)
	}
}

func runCleanup(cmd *cobra.Command, args []string) {
	settings, verboseErrors := loadSettings(cmd)

	ctx, stop := signalContext()
	defer stop()

	cl, err := buildClients(ctx, settings)
	if err != nil {
		slog.Error("failed to initialize clients", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	manager, err := retention.NewManager(cl.dest, settings.Retention.KeepVersions, settings.DryRun)
	if err != nil {
		slog.Error("retention settings rejected", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	var nameFilter string
	if len(args) == 1 {
		nameFilter = args[0]
	}

	report, err := manager.Run(ctx, nameFilter)
	if err != nil {
		slog.Error("retention sweep failed", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
	if err := writeJSON(os.Stdout, report); err != nil {
		slog.Error("failed to write retention report", "error", err)
	}
	if report.HasFailures() {
		os.Exit(1)
	}
}

func runValidate(cmd *cobra.Command, args []string) {
	settings, verboseErrors := loadSettings(cmd)

	ctx, stop := signalContext()
	defer stop()

	specs, err := loadPackageDocument(ctx, args[0])
	if err != nil {
		slog.Error("package document rejected", "error", formatError(err, verboseErrors), "ref", args[0])
		os.Exit(1)
	}

	slog.Info("configuration is valid",
		"settings", configPath,
		"packages", len(specs),
		"organization", settings.Organization,
	)
}

// loadPackageDocument fetches and parses the desired-state document.
func loadPackageDocument(ctx context.Context, ref string) ([]provider.PackageSpec, error) {
	data, err := source.NewLoader().Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	return config.LoadPackages(data)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	// Initial logger before settings are loaded.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
