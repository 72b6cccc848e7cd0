// blockgrid-bench is a load generator for a blockgrid cluster. It
// uploads a batch of generated files, reads every one back verifying
// content hashes, deletes them, and reports throughput.
package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/blockgrid/blockgrid/internal/coord"
	"github.com/blockgrid/blockgrid/pkg/bytesize"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Global flags
var (
	logLevel   string
	serverURL  string
	jsonOutput string
)

// Run command flags
var (
	numFiles    int
	fileSize    string
	concurrency int
	seed        int64
	keepFiles   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "blockgrid-bench",
	Short: "Load generator for a blockgrid cluster",
	Long: `blockgrid-bench drives a blockgrid coordinator through a full
store-read-delete cycle: it uploads a batch of deterministic files,
downloads each one verifying its SHA-256, deletes the batch, and
prints per-phase throughput.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "Coordinator URL")
	rootCmd.PersistentFlags().StringVar(&jsonOutput, "json", "", "Write results to JSON file")

	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVar(&numFiles, "files", 50, "Number of files per batch")
	runCmd.Flags().StringVar(&fileSize, "file-size", "4MB", "Size of each generated file")
	runCmd.Flags().IntVar(&concurrency, "concurrency", 4, "Number of parallel workers")
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Random seed for file content")
	runCmd.Flags().BoolVar(&keepFiles, "keep", false, "Leave uploaded files in place (skip delete phase)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one upload-verify-delete batch",
	Long: `Execute one benchmark batch against the coordinator.

Examples:
  # Small smoke run
  blockgrid-bench run --files 10 --file-size 1MB

  # Heavier run with more workers
  blockgrid-bench run --files 200 --file-size 8MB --concurrency 16`,
	RunE: runBench,
}

// benchFile is one generated file tracked through the phases.
type benchFile struct {
	name string
	id   string
	size int64
	hash string
}

// benchStats is the batch result, also written to --json.
type benchStats struct {
	Files        int     `json:"files"`
	FileSize     int64   `json:"file_size_bytes"`
	Concurrency  int     `json:"concurrency"`
	Uploaded     int     `json:"uploaded"`
	Downloaded   int     `json:"downloaded"`
	Deleted      int     `json:"deleted"`
	Errors       int     `json:"errors"`
	UploadSecs   float64 `json:"upload_seconds"`
	DownloadSecs float64 `json:"download_seconds"`
	DeleteSecs   float64 `json:"delete_seconds"`
}

func runBench(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("received interrupt signal, shutting down...")
		cancel()
	}()

	size, err := bytesize.Parse(fileSize)
	if err != nil {
		return fmt.Errorf("invalid --file-size: %w", err)
	}
	if numFiles < 1 {
		return fmt.Errorf("--files must be at least 1")
	}
	if concurrency < 1 {
		return fmt.Errorf("--concurrency must be at least 1")
	}

	client := coord.NewClient(normalizeURL(serverURL))

	fmt.Println("Starting blockgrid benchmark")
	fmt.Printf("  Coordinator: %s\n", client.BaseURL())
	fmt.Printf("  Files:       %d\n", numFiles)
	fmt.Printf("  File size:   %s\n", bytesize.Format(size))
	fmt.Printf("  Concurrency: %d workers\n", concurrency)
	fmt.Printf("  Seed:        %d\n", seed)
	fmt.Println()

	if err := waitReady(ctx, client); err != nil {
		return err
	}

	tag := runTag()
	batch := make([]*benchFile, numFiles)
	for i := range batch {
		batch[i] = &benchFile{
			name: fmt.Sprintf("bench_%s_%04d.dat", tag, i),
			size: size,
		}
	}

	stats := benchStats{Files: numFiles, FileSize: size, Concurrency: concurrency}

	// Upload phase
	start := time.Now()
	errs := runPhase(ctx, batch, "Uploading", func(f *benchFile, i int) error {
		payload := generatePayload(seed+int64(i), f.size)
		sum := sha256.Sum256(payload)
		f.hash = hex.EncodeToString(sum[:])

		if _, err := client.Upload(ctx, f.name, bytes.NewReader(payload)); err != nil {
			return fmt.Errorf("upload %s: %w", f.name, err)
		}
		return nil
	})
	stats.UploadSecs = time.Since(start).Seconds()
	stats.Uploaded = numFiles - len(errs)
	stats.Errors += len(errs)
	logPhaseErrors("upload", errs)

	// Resolve file IDs from the listing; the upload response only
	// carries the filename.
	if err := resolveIDs(ctx, client, batch); err != nil {
		return err
	}

	// Download phase
	start = time.Now()
	errs = runPhase(ctx, batch, "Downloading", func(f *benchFile, i int) error {
		if f.id == "" {
			return fmt.Errorf("%s: no file id (upload failed?)", f.name)
		}
		rc, _, err := client.Download(ctx, f.id)
		if err != nil {
			return fmt.Errorf("download %s: %w", f.name, err)
		}
		h := sha256.New()
		n, err := io.Copy(h, rc)
		_ = rc.Close()
		if err != nil {
			return fmt.Errorf("read %s: %w", f.name, err)
		}
		if n != f.size {
			return fmt.Errorf("%s: got %d bytes, want %d", f.name, n, f.size)
		}
		if got := hex.EncodeToString(h.Sum(nil)); got != f.hash {
			return fmt.Errorf("%s: content hash mismatch", f.name)
		}
		return nil
	})
	stats.DownloadSecs = time.Since(start).Seconds()
	stats.Downloaded = numFiles - len(errs)
	stats.Errors += len(errs)
	logPhaseErrors("download", errs)

	// Delete phase
	if keepFiles {
		fmt.Println("Skipping delete phase (--keep)")
	} else {
		start = time.Now()
		errs = runPhase(ctx, batch, "Deleting", func(f *benchFile, i int) error {
			if f.id == "" {
				return nil
			}
			if err := client.Delete(ctx, f.id); err != nil {
				return fmt.Errorf("delete %s: %w", f.name, err)
			}
			return nil
		})
		stats.DeleteSecs = time.Since(start).Seconds()
		stats.Deleted = numFiles - len(errs)
		stats.Errors += len(errs)
		logPhaseErrors("delete", errs)
	}

	printSummary(stats)

	if jsonOutput != "" {
		if err := writeJSON(jsonOutput, stats); err != nil {
			return fmt.Errorf("write results: %w", err)
		}
		fmt.Printf("Results written to: %s\n", jsonOutput)
	}

	if stats.Errors > 0 {
		return fmt.Errorf("%d operations failed", stats.Errors)
	}
	return nil
}

// waitReady polls the coordinator until it responds and every node in
// the registry reports online, so cold starts don't count as errors.
func waitReady(ctx context.Context, client *coord.Client) error {
	fmt.Println("Waiting for cluster to become ready...")
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		status, err := client.Status(ctx)
		if err == nil {
			online := 0
			for _, up := range status {
				if up {
					online++
				}
			}
			if len(status) > 0 && online == len(status) {
				fmt.Printf("Cluster ready: %d nodes online\n\n", online)
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("cluster not ready after 30s (coordinator down or nodes offline?)")
}

// runPhase drives fn over every file with a worker pool and a
// progress bar, collecting errors instead of aborting.
func runPhase(ctx context.Context, batch []*benchFile, desc string, fn func(*benchFile, int) error) []error {
	bar := progressbar.NewOptions(len(batch),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetRenderBlankState(true),
	)

	type task struct {
		file  *benchFile
		index int
	}
	taskChan := make(chan task, concurrency)

	var wg sync.WaitGroup
	var errorsMu sync.Mutex
	var errs []error

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range taskChan {
				if err := ctx.Err(); err != nil {
					_ = bar.Add(1)
					continue
				}
				if err := fn(t.file, t.index); err != nil {
					errorsMu.Lock()
					errs = append(errs, err)
					errorsMu.Unlock()
				}
				_ = bar.Add(1)
			}
		}()
	}

	for i, f := range batch {
		taskChan <- task{file: f, index: i}
	}
	close(taskChan)

	wg.Wait()
	_ = bar.Finish()
	fmt.Println()

	return errs
}

// resolveIDs maps batch filenames to their server-assigned file IDs.
func resolveIDs(ctx context.Context, client *coord.Client, batch []*benchFile) error {
	files, err := client.Files(ctx)
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}
	byName := make(map[string]string, len(files))
	for _, f := range files {
		byName[f.Filename] = f.FileID
	}
	for _, f := range batch {
		f.id = byName[f.name]
	}
	return nil
}

// generatePayload builds a deterministic pseudo-random body so the
// download phase can verify content without keeping uploads in memory.
func generatePayload(seed, size int64) []byte {
	buf := make([]byte, size)
	rng := rand.New(rand.NewSource(seed))
	_, _ = rng.Read(buf)
	return buf
}

func logPhaseErrors(phase string, errs []error) {
	for _, err := range errs {
		log.Error().Err(err).Str("phase", phase).Msg("operation failed")
	}
}

func printSummary(stats benchStats) {
	totalUp := stats.FileSize * int64(stats.Uploaded)
	totalDown := stats.FileSize * int64(stats.Downloaded)

	fmt.Println()
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("  Benchmark Complete")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println()
	fmt.Printf("Uploaded:   %d/%d files (%s) in %.1fs - %s\n",
		stats.Uploaded, stats.Files, bytesize.Format(totalUp), stats.UploadSecs, throughput(totalUp, stats.UploadSecs))
	fmt.Printf("Downloaded: %d/%d files (%s) in %.1fs - %s\n",
		stats.Downloaded, stats.Files, bytesize.Format(totalDown), stats.DownloadSecs, throughput(totalDown, stats.DownloadSecs))
	if stats.Deleted > 0 || !keepFiles {
		fmt.Printf("Deleted:    %d/%d files in %.1fs\n", stats.Deleted, stats.Files, stats.DeleteSecs)
	}
	fmt.Printf("Errors:     %d\n", stats.Errors)
	fmt.Println()
}

func throughput(bytes int64, secs float64) string {
	if secs <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.2f MB/s", float64(bytes)/secs/(1<<20))
}

func writeJSON(path string, data interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func normalizeURL(url string) string {
	if !strings.HasPrefix(url, "http") {
		return "http://" + url
	}
	return url
}

// runTag distinguishes batches so repeated runs against the same
// cluster don't collide on filenames.
func runTag() string {
	return time.Now().Format("150405")
}

func setupLogging() {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})
}
