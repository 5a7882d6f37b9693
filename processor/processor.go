package processor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	geocube "github.com/airbusgeo/geocube-client-go/client"
	"github.com/airbusgeo/geocube-featuremap/assembler"
	"github.com/airbusgeo/geocube-featuremap/bands"
	"github.com/airbusgeo/geocube-featuremap/chunk"
	"github.com/airbusgeo/geocube-featuremap/evaluator"
	"github.com/airbusgeo/geocube-featuremap/features"
	"github.com/airbusgeo/geocube-featuremap/graph"
	"github.com/airbusgeo/geocube-featuremap/service"
	"github.com/google/uuid"
)

// Processor executes the jobs of the runs.
// The outputs of the jobs are keys of the Storage.
type Processor struct {
	Storage service.Storage
	// Runner of the post-processing graphs (default: graph.ExecRunner)
	Runner graph.Runner
	// Geocube client to index the FeatureMaps (optional)
	Geocube *geocube.Client
	// WorkDir is the parent directory of the working directories of the jobs
	WorkDir string
}

// workdir creates a new working directory
func (p *Processor) workdir() (string, func(), error) {
	workdir := filepath.Join(p.WorkDir, uuid.New().String())
	if err := os.MkdirAll(workdir, 0766); err != nil {
		return "", nil, service.MakeTemporary(fmt.Errorf("make directory %s: %w", workdir, err))
	}
	return workdir, func() { os.RemoveAll(workdir) }, nil
}

func (p *Processor) runner() graph.Runner {
	if p.Runner == nil {
		return graph.ExecRunner{}
	}
	return p.Runner
}

// Deterministic returns true if the error will occur again when the job is retried
func Deterministic(err error) bool {
	var (
		rangeErr     chunk.RangeError
		policyErr    chunk.PolicyError
		unknownBand  bands.UnknownBandError
		derivation   bands.DerivationError
		unknownMod   features.UnknownModuleError
		unknownFn    features.UnknownFunctionError
		computation  features.FeatureComputationError
		labelCount   evaluator.LabelCountMismatchError
		shape        evaluator.ShapeMismatchError
		duplicate    evaluator.DuplicateLabelError
		noBand       evaluator.NoBandError
		inconsistent assembler.InconsistentBandsError
		grid         assembler.InconsistentGridError
		overlap      assembler.OverlapError
	)
	return errors.As(err, &rangeErr) || errors.As(err, &policyErr) ||
		errors.As(err, &unknownBand) || errors.As(err, &derivation) ||
		errors.As(err, &unknownMod) || errors.As(err, &unknownFn) || errors.As(err, &computation) ||
		errors.As(err, &labelCount) || errors.As(err, &shape) || errors.As(err, &duplicate) || errors.As(err, &noBand) ||
		errors.As(err, &inconsistent) || errors.As(err, &grid) || errors.As(err, &overlap)
}

// classify marks the deterministic errors as fatal, so that the job is not retried
func classify(err error) error {
	if err == nil || service.Fatal(err) || service.Temporary(err) {
		return err
	}
	if Deterministic(err) {
		return service.MakeFatal(err)
	}
	return err
}
