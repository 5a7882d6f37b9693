package common

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

const (
	JobTypeChunk    = "chunk"
	JobTypeAssemble = "assemble"

	ResultTypeChunk    = "chunk"
	ResultTypeAssemble = "assemble"
)

//go:generate go run github.com/dmarkham/enumer -json -type ChunkMode -trimprefix ChunkMode -transform kebab

// ChunkMode is the way a tile is partitioned into chunks
type ChunkMode int

const (
	ChunkModeByCount ChunkMode = iota
	ChunkModeBySize
)

// ChunkPolicy defines how a tile is split into chunks.
// ByCount uses Count, BySize uses Width and Height.
type ChunkPolicy struct {
	Mode   ChunkMode `json:"mode"`
	Count  int       `json:"count,omitempty"`
	Width  int       `json:"width,omitempty"`
	Height int       `json:"height,omitempty"`
}

// FeatureSpec selects the feature functions of a module
type FeatureSpec struct {
	Module    string   `json:"module"`
	Functions []string `json:"functions,omitempty"`
}

// UpstreamSpec is a raster already computed by an upstream pipeline,
// whose bands are prepended to the custom features. Path may contain {tile}.
type UpstreamSpec struct {
	Path   string   `json:"path"`
	Labels []string `json:"labels"`
}

// RasterOptions of the FeatureMap
type RasterOptions struct {
	DataType        string            `json:"data_type,omitempty"`
	CreationOptions map[string]string `json:"creation_options,omitempty"`
	Resolution      float64           `json:"resolution,omitempty"`
}

// IndexSpec is the Geocube record and variable instances used to index the FeatureMap
// and the outputs of the post-processing graph
type IndexSpec struct {
	RecordID   string  `json:"record_id"`
	InstanceID string  `json:"instance_id"`
	Min        float64 `json:"min_value"`
	Max        float64 `json:"max_value"`
	// Instances of the outputs of the graph, by output name
	Instances map[string]string `json:"instances,omitempty"`
}

// AssembleOptions configures the merge of the chunks and the post-processing
type AssembleOptions struct {
	Name        string            `json:"name,omitempty"`
	Raster      RasterOptions     `json:"raster,omitempty"`
	KeepChunks  bool              `json:"keep_chunks,omitempty"`
	GraphName   string            `json:"graph_name,omitempty"`
	GraphConfig map[string]string `json:"graph_config,omitempty"`
	Index       *IndexSpec        `json:"index,omitempty"`
}

// RunRequest describes a feature-map run over several tiles
type RunRequest struct {
	Tiles    []string      `json:"tiles"`
	Policy   ChunkPolicy   `json:"policy"`
	Layout   string        `json:"layout"`
	Features FeatureSpec   `json:"features"`
	Upstream *UpstreamSpec `json:"upstream,omitempty"`
	Output   string        `json:"output"`
	// Number of automatic retries of a job failing with a temporary error
	RetryCount int `json:"retry_count,omitempty"`
	AssembleOptions
}

// ChunkJob computes the ChunkRaster of one (tile, chunk)
type ChunkJob struct {
	RunID    string        `json:"run_id"`
	Tile     string        `json:"tile"`
	Index    int           `json:"index"`
	Policy   ChunkPolicy   `json:"policy"`
	Layout   string        `json:"layout"`
	Features FeatureSpec   `json:"features"`
	Upstream *UpstreamSpec `json:"upstream,omitempty"`
	Output   string        `json:"output"`
}

// AssembleJob merges the ChunkRasters of a run into the FeatureMap
type AssembleJob struct {
	RunID  string         `json:"run_id"`
	Chunks map[string]int `json:"chunks"` // number of chunks per tile
	Output string         `json:"output"`
	AssembleOptions
}

// Job is the payload of the worker queue
type Job struct {
	Type     string       `json:"type"` // chunk (JobTypeChunk) or assemble (JobTypeAssemble)
	Chunk    *ChunkJob    `json:"chunk,omitempty"`
	Assemble *AssembleJob `json:"assemble,omitempty"`
}

type Result struct {
	Type    string `json:"type"` // chunk (ResultTypeChunk) or assemble (ResultTypeAssemble)
	RunID   string `json:"run_id"`
	Tile    string `json:"tile,omitempty"`
	Index   int    `json:"index"`
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// ChunkJob returns the job computing the chunk of the tile
func (r RunRequest) ChunkJob(runID, tile string, index int) ChunkJob {
	return ChunkJob{
		RunID:    runID,
		Tile:     tile,
		Index:    index,
		Policy:   r.Policy,
		Layout:   r.Layout,
		Features: r.Features,
		Upstream: r.Upstream,
		Output:   r.Output,
	}
}

// Value implements the driver.Value interface
func (r RunRequest) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// Scan implements the sql.Scanner interface.
func (r *RunRequest) Scan(value interface{}) error {
	if value == nil {
		*r = RunRequest{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, &r)
}
