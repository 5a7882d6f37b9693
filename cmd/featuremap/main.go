package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/airbusgeo/geocube-featuremap/chunk"
	"github.com/airbusgeo/geocube-featuremap/common"
	"github.com/airbusgeo/geocube-featuremap/processor"
	"github.com/airbusgeo/geocube-featuremap/raster"
	"github.com/airbusgeo/geocube-featuremap/service"
	"github.com/airbusgeo/geocube-featuremap/service/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	_ "github.com/airbusgeo/geocube-featuremap/features/landcover"
)

var verbose bool
var blocksize string
var numCachedBlocks int
var storageURI string
var workdir string
var startTime time.Time

var rootCmd = &cobra.Command{
	Use:   "featuremap",
	Short: "chunked feature map writer",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		startTime = time.Now()
		if verbose {
			log.SetLevel(zapcore.DebugLevel)
		}
		if err := raster.RegisterGCS(cmd.Context(), blocksize, numCachedBlocks); err != nil {
			log.Logger(cmd.Context()).Sugar().Debugf("gs:// rasters are not readable: %v", err)
			raster.RegisterDrivers()
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, _ []string) {
		log.Logger(cmd.Context()).Sugar().Debugf("command %s took %.1fs",
			cmd.Name(), time.Since(startTime).Seconds())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&blocksize, "blocksize", "512k", "gs cache blocksize")
	rootCmd.PersistentFlags().IntVar(&numCachedBlocks, "numblocks", 1000, "number of gs cached blocks")
	rootCmd.AddCommand(planCmd, chunkCmd, assembleCmd, runCmd, graphCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// addStorageFlags adds the flags of the commands processing jobs
func addStorageFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&storageURI, "storage", ".", "root of the outputs (local directory or gs://bucket/prefix)")
	cmd.Flags().StringVar(&workdir, "workdir", os.TempDir(), "working directory to store intermediate results")
}

// newProcessor creates a processor storing its outputs in storageURI
func newProcessor(ctx context.Context) (*processor.Processor, error) {
	root := storageURI
	if !strings.Contains(root, "://") {
		var err error
		if root, err = filepath.Abs(root); err != nil {
			return nil, err
		}
	}
	storage, err := service.NewStorageStrategy(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("storage[%s].%w", root, err)
	}
	return &processor.Processor{Storage: storage, WorkDir: workdir}, nil
}

// loadRequest reads a run request (the payload of POST /runs)
func loadRequest(ctx context.Context, file string) (common.RunRequest, error) {
	req := common.RunRequest{}
	b, err := service.ReadFile(ctx, file)
	if err != nil {
		return req, fmt.Errorf("loadRequest: %w", err)
	}
	if err := json.Unmarshal(b, &req); err != nil {
		return req, fmt.Errorf("loadRequest[%s]: %w", file, err)
	}
	return req, nil
}

// parsePolicy returns ByCount(count) if count > 0, BySize(size) otherwise, size being WIDTHxHEIGHT
func parsePolicy(count int, size string) (chunk.Policy, error) {
	if count > 0 {
		return chunk.ByCount(count), nil
	}
	var w, h int
	if _, err := fmt.Sscanf(size, "%dx%d", &w, &h); err != nil {
		return chunk.Policy{}, fmt.Errorf("invalid chunk size %q (expected WIDTHxHEIGHT): %w", size, err)
	}
	return chunk.BySize(w, h), nil
}
