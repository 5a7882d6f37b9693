package processor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/airbusgeo/geocube-featuremap/assembler"
	"github.com/airbusgeo/geocube-featuremap/common"
	"github.com/airbusgeo/geocube-featuremap/graph"
	"github.com/airbusgeo/geocube-featuremap/raster"
	"github.com/airbusgeo/geocube-featuremap/service"
	"github.com/airbusgeo/geocube-featuremap/service/log"
)

// AssembleResult is the result of an AssembleJob
type AssembleResult struct {
	assembler.Result
	// URI of the FeatureMap in the storage
	URI string
	// URIs of the outputs of the post-processing graph, by name
	Outputs map[string]string
}

// AssembleTile imports the ChunkRasters of the job, merges them into the FeatureMap,
// saves it in the storage, runs the post-processing graph and indexes the results in the Geocube.
// ChunkRasters are deleted from the storage at the end, unless KeepChunks is set.
func (p *Processor) AssembleTile(ctx context.Context, job common.AssembleJob) (AssembleResult, error) {
	ctx = log.With(ctx, "run", job.RunID)
	res, err := p.assembleTile(ctx, job)
	if err != nil {
		return res, classify(fmt.Errorf("AssembleTile[%s].%w", job.RunID, err))
	}
	return res, nil
}

// chunkKeys returns the keys of the ChunkRasters of the job, sorted by tile and index
func chunkKeys(job common.AssembleJob) []string {
	var tiles []string
	for tile := range job.Chunks {
		tiles = append(tiles, tile)
	}
	sort.Strings(tiles)
	var keys []string
	for _, tile := range tiles {
		for i := 0; i < job.Chunks[tile]; i++ {
			keys = append(keys, common.ChunkPath(job.Output, tile, i))
		}
	}
	return keys
}

func (p *Processor) assembleTile(ctx context.Context, job common.AssembleJob) (AssembleResult, error) {
	keys := chunkKeys(job)
	if len(keys) == 0 {
		return AssembleResult{}, service.MakeFatal(fmt.Errorf("no chunk to assemble"))
	}

	workdir, clean, err := p.workdir()
	if err != nil {
		return AssembleResult{}, err
	}
	defer clean()

	// Import chunks
	log.Logger(ctx).Sugar().Infof("import %d chunks", len(keys))
	var chunks []string
	for _, key := range keys {
		local := path.Join(workdir, key)
		if err := p.Storage.ImportFile(ctx, key, local); err != nil {
			if errors.As(err, &service.ErrFileNotFound{}) {
				return AssembleResult{}, service.MakeFatal(fmt.Errorf("missing chunk: %w", err))
			}
			return AssembleResult{}, err
		}
		chunks = append(chunks, local)
	}

	// Merge
	key := common.FeatureMapPath(job.Output, job.Name)
	local := common.FeatureMapPath(workdir, job.Name)
	r, err := assembler.Assemble(ctx, chunks, local, assembler.Options{
		DataType:        job.Raster.DataType,
		CreationOptions: job.Raster.CreationOptions,
		Resolution:      job.Raster.Resolution,
		KeepChunks:      true,
	})
	if err != nil {
		return AssembleResult{}, err
	}
	res := AssembleResult{Result: r, Outputs: map[string]string{}}
	if res.URI, err = p.Storage.SaveFile(ctx, local, key); err != nil {
		return res, err
	}
	log.Logger(ctx).Sugar().Infof("feature map saved: %s (%d bands)", res.URI, len(r.Labels))

	var toIndex []dataset
	if job.Index != nil && job.Index.InstanceID != "" {
		dtype := job.Raster.DataType
		if dtype == "" {
			dtype = "Float32"
		}
		toIndex = append(toIndex, dataset{
			uri:        res.URI,
			instanceID: job.Index.InstanceID,
			nbands:     len(r.Labels),
			dtype:      graph.DTypeFromString(dtype),
			nodata:     math.NaN(),
			min:        job.Index.Min,
			max:        job.Index.Max,
			extMin:     job.Index.Min,
			extMax:     job.Index.Max,
			exponent:   1,
		})
	}

	// Post-processing
	if job.GraphName != "" {
		ds, err := p.postProcess(ctx, job, local, workdir, &res)
		if err != nil {
			return res, err
		}
		toIndex = append(toIndex, ds...)
	}

	if job.Index != nil && p.Geocube != nil {
		if err := p.index(ctx, job.Index.RecordID, toIndex); err != nil {
			return res, err
		}
	} else if len(toIndex) > 0 {
		log.Logger(ctx).Warn("no geocube client: datasets are not indexed")
	}

	// Delete chunks at the end to ease a retry
	if !job.KeepChunks {
		for _, key := range keys {
			if err := p.Storage.DeleteFile(ctx, key); err != nil && !errors.As(err, &service.ErrFileNotFound{}) {
				return res, err
			}
		}
	}
	return res, nil
}

// postProcess runs the graph on the FeatureMap, saves its outputs and returns the datasets to index
func (p *Processor) postProcess(ctx context.Context, job common.AssembleJob, featureMap, workdir string, res *AssembleResult) ([]dataset, error) {
	g, config, err := graph.LoadGraph(ctx, job.GraphName)
	if err != nil {
		return nil, service.MakeFatal(err)
	}
	config = config.Merge(job.GraphConfig)

	inputs := graph.Inputs{graph.InputFeatureMap: featureMap}
	for _, name := range []string{graph.InputModel, graph.InputVector} {
		if config[name] == "" {
			continue
		}
		if inputs[name], err = importInput(ctx, config[name], path.Join(workdir, "inputs")); err != nil {
			return nil, err
		}
	}

	info, err := raster.Describe(featureMap)
	if err != nil {
		return nil, err
	}
	tile := common.Tile{Name: tileName(job), Extent: info.Extent, CRS: info.Projection}

	log.Logger(ctx).Sugar().Infof("process with graph '%s'", job.GraphName)
	outfiles, processErr := g.Process(ctx, p.runner(), config, inputs, tile, path.Join(workdir, "graph"))

	// Outfiles are handled even if the processing failed
	var toIndex []dataset
	var toDelete []string
	outFileErr := func() error {
		for _, f := range outfiles {
			key := path.Join(job.Output, common.FinalDir, filepath.Base(f.LocalPath))
			switch f.Action {
			case graph.ToCreate, graph.ToIndex:
				log.Logger(ctx).Sugar().Infof("save output '%s'", f.Name)
				uri, err := p.Storage.SaveFile(ctx, f.LocalPath, key)
				if err != nil {
					return err
				}
				res.Outputs[f.Name] = uri
				if f.Action == graph.ToIndex && job.Index != nil {
					instanceID, ok := job.Index.Instances[f.Name]
					if !ok {
						return service.MakeFatal(fmt.Errorf("output %s not found in index instances", f.Name))
					}
					info, err := raster.Describe(f.LocalPath)
					if err != nil {
						return err
					}
					toIndex = append(toIndex, dataset{
						uri:        uri,
						instanceID: instanceID,
						nbands:     info.NBands,
						dtype:      f.DType,
						nodata:     f.NoData,
						min:        f.Min,
						max:        f.Max,
						extMin:     f.ExtMin,
						extMax:     f.ExtMax,
						exponent:   f.Exponent,
					})
				}
			case graph.ToDelete:
				toDelete = append(toDelete, key)
			}
		}
		for _, key := range toDelete {
			log.Logger(ctx).Sugar().Debugf("delete output '%s'", key)
			if err := p.Storage.DeleteFile(ctx, key); err != nil && !errors.As(err, &service.ErrFileNotFound{}) {
				return err
			}
		}
		return nil
	}()

	if processErr != nil {
		if outFileErr != nil {
			return nil, fmt.Errorf("%w (during cleaning, an other error occured: %v)", processErr, outFileErr)
		}
		return nil, processErr
	}
	return toIndex, outFileErr
}

// tileName returns the name of the tile (or the tiles) of the FeatureMap
func tileName(job common.AssembleJob) string {
	var tiles []string
	for tile := range job.Chunks {
		tiles = append(tiles, tile)
	}
	sort.Strings(tiles)
	return strings.Join(tiles, "-")
}

// importInput returns the local path of the input, downloading it in dir if it's an uri
func importInput(ctx context.Context, input, dir string) (string, error) {
	if _, err := os.Stat(input); err == nil {
		return input, nil
	}
	b, err := service.ReadFile(ctx, input)
	if err != nil {
		if errors.As(err, &service.ErrFileNotFound{}) {
			return "", service.MakeFatal(err)
		}
		return "", service.MakeTemporary(err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	local := path.Join(dir, path.Base(input))
	if err := os.WriteFile(local, b, 0644); err != nil {
		return "", err
	}
	return local, nil
}
