package main

import (
	"context"
	"fmt"

	"github.com/airbusgeo/geocube-featuremap/chunk"
	"github.com/airbusgeo/geocube-featuremap/common"
	"github.com/airbusgeo/geocube-featuremap/processor"
	"github.com/airbusgeo/geocube-featuremap/service/log"
	"github.com/airbusgeo/geocube-featuremap/workflow"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var requestFile string
var runID string
var chunkTile string
var chunkIndex int
var jobs int

var chunkCmd = &cobra.Command{
	Use:   "chunk",
	Short: "compute the ChunkRaster of one chunk of a tile",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		req, err := loadRequest(ctx, requestFile)
		if err != nil {
			return err
		}
		p, err := newProcessor(ctx)
		if err != nil {
			return err
		}
		res, err := p.ProcessChunk(ctx, req.ChunkJob(runID, chunkTile, chunkIndex))
		if err != nil {
			return err
		}
		fmt.Println(res.Path)
		return nil
	},
}

var assembleCmd = &cobra.Command{
	Use:   "assemble",
	Short: "merge the ChunkRasters of the tiles of a run into the FeatureMap",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		req, err := loadRequest(ctx, requestFile)
		if err != nil {
			return err
		}
		p, err := newProcessor(ctx)
		if err != nil {
			return err
		}
		job, err := assembleJob(ctx, req)
		if err != nil {
			return err
		}
		res, err := p.AssembleTile(ctx, job)
		if err != nil {
			return err
		}
		fmt.Println(res.URI)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "compute all the chunks of a run, then assemble them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		req, err := loadRequest(ctx, requestFile)
		if err != nil {
			return err
		}
		p, err := newProcessor(ctx)
		if err != nil {
			return err
		}
		job, err := assembleJob(ctx, req)
		if err != nil {
			return err
		}
		if err := processChunks(ctx, p, req, job.Chunks); err != nil {
			return err
		}
		res, err := p.AssembleTile(ctx, job)
		if err != nil {
			return err
		}
		fmt.Println(res.URI)
		for name, uri := range res.Outputs {
			fmt.Printf("%s: %s\n", name, uri)
		}
		return nil
	},
}

// assembleJob plans the tiles of the request and returns the job merging all their chunks
func assembleJob(ctx context.Context, req common.RunRequest) (common.AssembleJob, error) {
	chunks := map[string]int{}
	for _, name := range req.Tiles {
		tile, err := workflow.LayoutTile(ctx, req.Layout, name)
		if err != nil {
			return common.AssembleJob{}, err
		}
		if chunks[name], err = chunk.Count(tile.Extent.Width, tile.Extent.Height, req.Policy); err != nil {
			return common.AssembleJob{}, fmt.Errorf("tile %s: %w", name, err)
		}
	}
	return common.AssembleJob{
		RunID:           runID,
		Chunks:          chunks,
		Output:          req.Output,
		AssembleOptions: req.AssembleOptions,
	}, nil
}

// processChunks computes the chunks concurrently, at most jobs at a time
func processChunks(ctx context.Context, p *processor.Processor, req common.RunRequest, chunks map[string]int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for _, tile := range req.Tiles {
		for i := 0; i < chunks[tile]; i++ {
			job := req.ChunkJob(runID, tile, i)
			g.Go(func() error {
				res, err := p.ProcessChunk(gctx, job)
				if err != nil {
					return err
				}
				log.Logger(gctx).Sugar().Infof("chunk %s_%d: %s (skipped: %v)", job.Tile, job.Index, res.Path, res.Skipped)
				return nil
			})
		}
	}
	return g.Wait()
}

func init() {
	for _, cmd := range []*cobra.Command{chunkCmd, assembleCmd, runCmd} {
		cmd.Flags().StringVar(&requestFile, "request", "", "run request (json file, same payload as POST /runs)")
		cmd.Flags().StringVar(&runID, "run-id", "local", "identifier of the run")
		cmd.MarkFlagRequired("request")
		addStorageFlags(cmd)
	}
	chunkCmd.Flags().StringVar(&chunkTile, "tile", "", "tile of the chunk")
	chunkCmd.Flags().IntVar(&chunkIndex, "index", 0, "index of the chunk")
	chunkCmd.MarkFlagRequired("tile")
	runCmd.Flags().IntVar(&jobs, "jobs", 4, "max number of chunks computed concurrently")
}
