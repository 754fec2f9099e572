package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/diffsec/vxdb/lib/core/schema"
	"github.com/diffsec/vxdb/lib/core/vxlog"
	"github.com/diffsec/vxdb/lib/storage/manager"
	"github.com/diffsec/vxdb/lib/storage/wal"
)

var (
	dataDir    string
	restPort   int
	grpcPort   int
	logLevel   string
	configPath string
)

// bootstrapConfig is the optional YAML config file's shape. Flags and
// the VXDB_LOG_LEVEL env var override whatever it sets; it exists for
// operators who would rather commit a file than repeat flags.
type bootstrapConfig struct {
	DataDir  string `yaml:"data_dir"`
	RESTPort int    `yaml:"rest_port"`
	GRPCPort int    `yaml:"grpc_port"`
	LogLevel string `yaml:"log_level"`
}

// rootCmd is vxdb's single entrypoint: it brings up the collection
// manager (recovering every collection's WAL/snapshot state) and blocks
// until told to shut down. No process exposes this manager over the
// network here (out of scope) — cmd wires the core and leaves attaching
// a server to lib/api's CollectionAPI to a caller.
var rootCmd = &cobra.Command{
	Use:     "vxdb",
	Short:   "In-memory vector database core",
	Version: "0.1.0",
	Long: `vxdb is an in-memory, Qdrant-API-compatible vector database core.

It owns collections (vector store + HNSW index + payload store +
optional similarity schema), journals every mutation to a
write-ahead log, and periodically snapshots each collection so a
restart recovers without replaying its entire history.`,
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "directory holding collection data")
	rootCmd.PersistentFlags().IntVar(&restPort, "rest-port", 6333, "REST listener port (reserved; no server is started by this binary)")
	rootCmd.PersistentFlags().IntVar(&grpcPort, "grpc-port", 6334, "gRPC listener port (reserved; no server is started by this binary)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides VXDB_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML bootstrap config file")
}

// Execute runs the root command, exiting non-zero on any unrecoverable
// startup error (data directory unwritable, snapshot+WAL both
// unreadable for some collection) per spec §6's process boundary.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vxdb: %v\n", err)
		os.Exit(1)
	}
}

func loadBootstrapConfig(path string) (bootstrapConfig, error) {
	var cfg bootstrapConfig
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	boot, err := loadBootstrapConfig(configPath)
	if err != nil {
		return err
	}
	dir := dataDir
	if !cmd.Flags().Changed("data-dir") && boot.DataDir != "" {
		dir = boot.DataDir
	}
	level := logLevel
	if level == "" {
		level = os.Getenv("VXDB_LOG_LEVEL")
	}
	if level == "" {
		level = boot.LogLevel
	}

	logger := vxlog.New(os.Stderr, vxlog.ParseLevel(level), "vxdb")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("data directory %s is not usable: %w", dir, err)
	}

	mgr, err := manager.New(manager.Config{
		DataDir:     dir,
		Durability:  wal.DurabilityAlways,
		EmbedParams: schema.DefaultEmbedParams(),
	})
	if err != nil {
		return fmt.Errorf("collection manager startup: %w", err)
	}

	logger.Infof("vxdb ready: data_dir=%s collections=%v", dir, mgr.List())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Infof("shutting down")
	if err := mgr.Close(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
