package registry

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/GhostKellz/ghostdock/configuration"
	"github.com/GhostKellz/ghostdock/internal/dcontext"
	"github.com/GhostKellz/ghostdock/registry/storage"
	"github.com/GhostKellz/ghostdock/version"
)

var showVersion bool

func init() {
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(GCCmd)
	RootCmd.AddCommand(VersionCmd)
	GCCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "do everything except remove blobs and manifests")
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")
}

// RootCmd is the main command for the 'registry' binary.
var RootCmd = &cobra.Command{
	Use:   "registry",
	Short: "`registry`",
	Long:  "`registry`",
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Fprintf(os.Stdout, "%s %s\n", version.Package, version.Version)
			return
		}
		// nolint:errcheck
		cmd.Usage()
	},
}

// ServeCmd is the cobra command for running the registry.
var ServeCmd = &cobra.Command{
	Use:   "serve <config>",
	Short: "`serve` stores and distributes container images",
	Long:  "`serve` stores and distributes container images",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			// nolint:errcheck
			cmd.Usage()
			os.Exit(1)
		}

		registry, err := NewRegistry(dcontext.Background(), config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

		if err := registry.ListenAndServe(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	},
}

var dryRun bool

// GCCmd is the cobra command that corresponds to the garbage-collect
// subcommand.
var GCCmd = &cobra.Command{
	Use:   "garbage-collect <config>",
	Short: "`garbage-collect` deletes blobs not reachable from any tag",
	Long:  "`garbage-collect` deletes blobs not reachable from any tag",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			// nolint:errcheck
			cmd.Usage()
			os.Exit(1)
		}

		ctx, err := configureLogging(dcontext.Background(), config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to configure logging: %v\n", err)
			os.Exit(1)
		}

		backend, idx, err := openBackend(ctx, config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		defer idx.Close()

		stats, err := storage.MarkAndSweep(ctx, backend, storage.GCOpts{
			DryRun:        dryRun,
			SafetyHorizon: config.GC.SafetyHorizon.Std(),
			SessionTTL:    config.Upload.SessionTTL.Std(),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to garbage collect: %v\n", err)
			os.Exit(1)
		}

		fmt.Fprintf(os.Stdout, "%d manifests, %d blobs deleted, %d bytes freed\n",
			stats.ManifestsDeleted, stats.BlobsDeleted, stats.BytesFreed)
	},
}

// VersionCmd prints the build version.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "`version` prints the registry version",
	Long:  "`version` prints the registry version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(os.Stdout, "%s %s\n", version.Package, version.Version)
	},
}

func resolveConfiguration(args []string) (*configuration.Configuration, error) {
	var configurationPath string

	if len(args) > 0 {
		configurationPath = args[0]
	} else if os.Getenv("REGISTRY_CONFIGURATION_PATH") != "" {
		configurationPath = os.Getenv("REGISTRY_CONFIGURATION_PATH")
	}

	if configurationPath == "" {
		return nil, fmt.Errorf("configuration path unspecified")
	}

	fp, err := os.Open(configurationPath)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", configurationPath, err)
	}

	return config, nil
}
