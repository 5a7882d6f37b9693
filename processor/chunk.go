package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/airbusgeo/geocube-featuremap/bands"
	"github.com/airbusgeo/geocube-featuremap/chunk"
	"github.com/airbusgeo/geocube-featuremap/common"
	"github.com/airbusgeo/geocube-featuremap/evaluator"
	"github.com/airbusgeo/geocube-featuremap/features"
	"github.com/airbusgeo/geocube-featuremap/service"
	"github.com/airbusgeo/geocube-featuremap/service/log"
	"go.uber.org/zap"
)

// ProcessChunk computes the ChunkRaster of the job and saves it in the storage.
// An existing valid ChunkRaster is not computed again.
func (p *Processor) ProcessChunk(ctx context.Context, job common.ChunkJob) (evaluator.Result, error) {
	ctx = log.With(log.With(ctx, "tile", job.Tile), "chunk", job.Index)
	res, err := p.processChunk(ctx, job)
	if err != nil {
		return res, classify(fmt.Errorf("ProcessChunk[%s_%d].%w", job.Tile, job.Index, err))
	}
	return res, nil
}

func (p *Processor) processChunk(ctx context.Context, job common.ChunkJob) (evaluator.Result, error) {
	workdir, clean, err := p.workdir()
	if err != nil {
		return evaluator.Result{}, err
	}
	defer clean()

	layout, err := bands.LoadLayout(ctx, job.Layout)
	if err != nil {
		return evaluator.Result{}, err
	}
	tile, err := layout.Tile(job.Tile)
	if err != nil {
		return evaluator.Result{}, err
	}
	c, err := chunk.TargetedTile(tile, job.Policy, job.Index)
	if err != nil {
		return evaluator.Result{}, err
	}
	registry, err := features.Load(ctx, job.Features.Module, job.Features.Functions)
	if err != nil {
		return evaluator.Result{}, err
	}
	var opts []evaluator.Option
	if job.Upstream != nil {
		up, err := evaluator.NewRasterUpstream(job.Upstream.Path, job.Upstream.Labels)
		if err != nil {
			return evaluator.Result{}, service.MakeFatal(err)
		}
		opts = append(opts, evaluator.WithUpstream(up))
	}

	// Import the ChunkRaster of a previous attempt
	key := common.ChunkPath(job.Output, job.Tile, job.Index)
	local := common.ChunkPath(workdir, job.Tile, job.Index)
	if err := p.Storage.ImportFile(ctx, key, local); err != nil {
		if !errors.As(err, &service.ErrFileNotFound{}) {
			return evaluator.Result{}, err
		}
	} else {
		log.Logger(ctx).Debug("previous chunk imported")
	}

	e := evaluator.New(registry, evaluator.LayoutOpener(layout), evaluator.Config{Output: workdir}, opts...)
	res, err := e.Evaluate(ctx, tile, c)
	if err != nil {
		return res, err
	}
	if res.Skipped {
		log.Logger(ctx).Info("chunk already computed", zap.Strings("labels", res.Labels))
		res.Path = p.Storage.URI(key)
		return res, nil
	}

	if res.Path, err = p.Storage.SaveFile(ctx, local, key); err != nil {
		return res, err
	}
	log.Logger(ctx).Info("chunk computed", zap.String("uri", res.Path), zap.Int("bands", len(res.Labels)))
	return res, nil
}
