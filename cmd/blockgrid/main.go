// blockgrid is the distributed block storage tool.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/blockgrid/blockgrid/internal/config"
	"github.com/blockgrid/blockgrid/internal/coord"
	"github.com/blockgrid/blockgrid/internal/coord/cluster"
	"github.com/blockgrid/blockgrid/internal/coord/store"
	"github.com/blockgrid/blockgrid/internal/metrics"
	"github.com/blockgrid/blockgrid/internal/node"
	"github.com/blockgrid/blockgrid/pkg/bytesize"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile   string
	logLevel  string
	serverURL string

	// Download flag
	outputPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "blockgrid",
		Short: "Blockgrid - distributed block storage",
		Long: `Blockgrid splits uploaded files into fixed-size blocks and spreads
them across storage nodes, two copies per block on two different
nodes. One coordinator owns placement and metadata; any number of
storage node daemons hold the blocks.

QUICK START:

  # Generate example configs:
  blockgrid init --coord --node

  # Start a couple of storage nodes (separate data dirs and ports):
  blockgrid node --config node-a.yaml
  blockgrid node --config node-b.yaml

  # Start the coordinator:
  blockgrid coord --config coord.yaml

  # Store and fetch files:
  blockgrid upload report.pdf
  blockgrid ls
  blockgrid download <file-id>

For more help on any command, use: blockgrid <command> --help`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://127.0.0.1:8080", "coordinator URL")

	// Coordinator daemon
	coordCmd := &cobra.Command{
		Use:   "coord",
		Short: "Run the coordination server",
		Long: `Run the coordination server. It owns the node registry, health
monitoring, block placement and the file directory, and serves the
dashboard API.

Example:
  blockgrid coord --config coord.yaml`,
		RunE: runCoord,
	}
	rootCmd.AddCommand(coordCmd)

	// Storage node daemon
	nodeCmd := &cobra.Command{
		Use:   "node",
		Short: "Run a storage node daemon",
		Long: `Run a storage node daemon. It stores blocks on the local
filesystem and serves them to the coordinator over the block
protocol.

Example:
  blockgrid node --config node-a.yaml`,
		RunE: runNode,
	}
	rootCmd.AddCommand(nodeCmd)

	// Status command
	statusCmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"stats"},
		Short:   "Show cluster status and storage usage",
		RunE:    runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	// List command
	lsCmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List stored files",
		RunE:    runLs,
	}
	rootCmd.AddCommand(lsCmd)

	// Upload command
	uploadCmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runUpload,
	}
	rootCmd.AddCommand(uploadCmd)

	// Download command
	downloadCmd := &cobra.Command{
		Use:   "download <file-id>",
		Short: "Download a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runDownload,
	}
	downloadCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output path (default: stored filename)")
	rootCmd.AddCommand(downloadCmd)

	// Remove command
	rmCmd := &cobra.Command{
		Use:     "rm <file-id>",
		Aliases: []string{"delete"},
		Short:   "Delete a stored file",
		Args:    cobra.ExactArgs(1),
		RunE:    runRm,
	}
	rootCmd.AddCommand(rmCmd)

	// Describe command
	describeCmd := &cobra.Command{
		Use:   "describe <file-id>",
		Short: "Show block placement for a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runDescribe,
	}
	rootCmd.AddCommand(describeCmd)

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("blockgrid %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	// Init command - generate example configs
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate example configuration files",
		Long: `Generate example configuration files.

Examples:
  # Generate coordinator config
  blockgrid init --coord

  # Generate storage node config
  blockgrid init --node

  # Generate both
  blockgrid init --coord --node`,
		RunE: runInit,
	}
	initCmd.Flags().Bool("coord", false, "Generate coord.yaml config")
	initCmd.Flags().Bool("node", false, "Generate node.yaml config")
	initCmd.Flags().StringP("output", "o", ".", "Output directory for config files")
	rootCmd.AddCommand(initCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCoord(cmd *cobra.Command, args []string) error {
	setupLogging()
	logStartupBanner()

	if cfgFile == "" {
		return fmt.Errorf("config file required (generate one with 'blockgrid init --coord')")
	}
	cfg, err := config.LoadCoordConfig(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Bind the package metric singletons to the shared registry before
	// any constructor initializes them against the default one.
	coord.InitCoordMetrics(metrics.Registry)
	cluster.InitMetrics(metrics.Registry)
	store.InitMetrics(metrics.Registry)

	srv, err := coord.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	srv.SetVersion(Version)
	srv.Start()

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Error().Err(err).Msg("coordination server error - server stopped")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("shutting down...")
		cancel()
	}()

	<-ctx.Done()

	log.Info().Msg("shutting down coordination server")
	if err := srv.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("failed to shut down coordination server")
	}
	return nil
}

func runNode(cmd *cobra.Command, args []string) error {
	setupLogging()
	logStartupBanner()

	if cfgFile == "" {
		return fmt.Errorf("config file required (generate one with 'blockgrid init --node')")
	}
	cfg, err := config.LoadNodeConfig(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	node.InitMetrics(metrics.Registry)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	bs, err := node.NewBlockStore(osfs.New(cfg.DataDir), cfg.CompressionEnabled(), log.Logger)
	if err != nil {
		return fmt.Errorf("open block store: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", node.NewServer(cfg.ID, bs, log.Logger))

	log.Info().
		Str("node_id", cfg.ID).
		Str("listen", cfg.Listen).
		Str("data_dir", cfg.DataDir).
		Bool("compression", cfg.CompressionEnabled()).
		Msg("starting storage node")
	return http.ListenAndServe(cfg.Listen, mux)
}

// apiClient builds a coordinator client from the --server flag.
func apiClient() *coord.Client {
	url := serverURL
	if !strings.HasPrefix(url, "http") {
		url = "http://" + url
	}
	return coord.NewClient(url)
}

func runStatus(cmd *cobra.Command, args []string) error {
	setupLogging()

	client := apiClient()
	ctx := context.Background()

	fmt.Println("Blockgrid Status")
	fmt.Println("================")
	fmt.Println()

	fmt.Println("Coordinator:")
	fmt.Printf("  URL:     %s\n", client.BaseURL())
	if err := client.Health(ctx); err != nil {
		fmt.Println("  Status:  unreachable")
		fmt.Printf("  Error:   %v\n", err)
		return nil
	}
	fmt.Println("  Status:  reachable")
	fmt.Println()

	health, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("node status: %w", err)
	}
	stats, err := client.Stats(ctx)
	if err != nil {
		return fmt.Errorf("system stats: %w", err)
	}

	ids := make([]string, 0, len(health))
	for id := range health {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Println("Nodes:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "  NODE\tSTATE\tUSED\tCAPACITY\tFREE")
	for _, id := range ids {
		state := "offline"
		if health[id] {
			state = "online"
		}
		_, _ = fmt.Fprintf(w, "  %s\t%s\t%.2f MB\t%.2f MB\t%.2f MB\n",
			id, state, stats.NodeUsage[id], stats.NodeCapacity[id], stats.NodeFreeSpace[id])
	}
	_ = w.Flush()
	fmt.Println()

	fmt.Printf("Files:  %d\n", stats.TotalFiles)
	fmt.Printf("Blocks: %d\n", stats.TotalBlocks)
	return nil
}

func runLs(cmd *cobra.Command, args []string) error {
	setupLogging()

	files, err := apiClient().Files(context.Background())
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}

	if len(files) == 0 {
		fmt.Println("No files stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FILE ID\tNAME\tSIZE\tBLOCKS\tCREATED")
	for _, f := range files {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			f.FileID, f.Filename, bytesize.Format(f.Size), f.TotalBlocks, f.CreatedAt)
	}
	_ = w.Flush()

	return nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	setupLogging()

	client := apiClient()
	ctx := context.Background()

	for _, path := range args {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		resp, err := client.Upload(ctx, filepath.Base(path), f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("upload %s: %w", path, err)
		}
		fmt.Printf("uploaded %s (%d blocks)\n", resp.Filename, resp.TotalBlocks)
	}
	return nil
}

func runDownload(cmd *cobra.Command, args []string) error {
	setupLogging()

	rc, filename, err := apiClient().Download(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer func() { _ = rc.Close() }()

	dest := outputPath
	if dest == "" {
		dest = filename
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}

	n, err := io.Copy(out, rc)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}

	fmt.Printf("saved %s (%s)\n", dest, bytesize.Format(n))
	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	setupLogging()

	if err := apiClient().Delete(context.Background(), args[0]); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}

func runDescribe(cmd *cobra.Command, args []string) error {
	setupLogging()

	attrs, err := apiClient().Attributes(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("file attributes: %w", err)
	}

	fmt.Printf("File:    %s\n", attrs.OriginalFilename)
	fmt.Printf("Size:    %s\n", bytesize.Format(attrs.Size))
	fmt.Printf("Blocks:  %d\n", attrs.TotalBlocks)
	fmt.Printf("Created: %s\n", attrs.CreatedAt)
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "BLOCK\tSIZE\tPRIMARY\tREPLICA\tHASH")
	for _, b := range attrs.BlocksDetail {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			b.BlockNum, bytesize.Format(b.Size), b.PrimaryNode, b.ReplicaNode, b.Hash[:12])
	}
	_ = w.Flush()

	return nil
}

// nolint:revive // args required by cobra.Command RunE signature
func runInit(cmd *cobra.Command, args []string) error {
	setupLogging()

	genCoord, _ := cmd.Flags().GetBool("coord")
	genNode, _ := cmd.Flags().GetBool("node")
	outputDir, _ := cmd.Flags().GetString("output")

	if !genCoord && !genNode {
		return fmt.Errorf("nothing to generate (pass --coord, --node or both)")
	}

	if genCoord {
		coordPath := filepath.Join(outputDir, "coord.yaml")
		if err := writeCoordConfig(coordPath); err != nil {
			return fmt.Errorf("write coordinator config: %w", err)
		}
		fmt.Printf("Coordinator config generated: %s\n", coordPath)
	}

	if genNode {
		nodePath := filepath.Join(outputDir, "node-a.yaml")
		if err := writeNodeConfig(nodePath); err != nil {
			return fmt.Errorf("write node config: %w", err)
		}
		fmt.Printf("Node config generated: %s\n", nodePath)
	}

	fmt.Println("\nNext steps:")
	if genNode {
		fmt.Println("  1. Copy node-a.yaml per node, adjusting id, listen and data_dir")
		fmt.Println("  2. blockgrid node --config node-a.yaml")
	}
	if genCoord {
		fmt.Println("  3. Edit coord.yaml so the nodes list matches your node daemons")
		fmt.Println("  4. blockgrid coord --config coord.yaml")
	}

	return nil
}

func writeCoordConfig(path string) error {
	config := `# Blockgrid coordinator config
listen: ":8080"
data_dir: "~/.blockgrid/coord"

# Files are split into blocks of this size; each block is stored on
# two different nodes.
block_size: "1MB"
upload_concurrency: 4
fetch_concurrency: 4

request_timeout: "5s"
probe_interval: "3s"
probe_timeout: "2s"
offline_threshold: 3
reconcile_interval: "5s"

# Cap block transfer bandwidth to nodes. Empty means unlimited.
# transfer_rate: "50MB/s"

nodes:
  - id: "node-a"
    address: "127.0.0.1:8081"
    capacity: "70MB"
  - id: "node-b"
    address: "127.0.0.1:8082"
    capacity: "70MB"
`

	return os.WriteFile(path, []byte(config), 0644)
}

func writeNodeConfig(path string) error {
	config := `# Blockgrid storage node config
id: "node-a"
listen: ":8081"
data_dir: "~/.blockgrid/node-a"

# zstd at-rest compression of stored blocks.
compression: true
`

	return os.WriteFile(path, []byte(config), 0644)
}

// setupLogging configures zerolog for console output.
func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// logStartupBanner logs the application startup banner with version information.
func logStartupBanner() {
	banner := `
 ____   _       ___     ____  _  __  ____   ____   ___  ____
| __ ) | |     / _ \   / ___|| |/ / / ___| |  _ \ |_ _||  _ \
|  _ \ | |    | | | | | |    | ' / | |  _  | |_) | | | | | | |
| |_) || |___ | |_| | | |___ | . \ | |_| | |  _ <  | | | |_| |
|____/ |_____| \___/   \____||_|\_\ \____| |_| \_\|___||____/

        distributed block storage`

	fmt.Fprintln(os.Stderr, banner)
	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_time", BuildTime).
		Msg("starting blockgrid")
}
