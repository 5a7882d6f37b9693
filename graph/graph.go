package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/airbusgeo/geocube-featuremap/common"
	"github.com/airbusgeo/geocube-featuremap/service"
	"github.com/airbusgeo/geocube-featuremap/service/log"
	"github.com/airbusgeo/geocube/interface/storage/uri"
)

const (
	tileName       = "name"
	tileCRS        = "crs"
	tileWidth      = "width"
	tileHeight     = "height"
	tileResolution = "resolution"

	otb     = "otb"
	python  = "python"
	command = "cmd"
)

// Well-known inputs of the graphs
const (
	InputFeatureMap = "feature_map"
	InputModel      = "model"
	InputVector     = "vector"
)

type Arg interface{}

type ArgIn struct { // input of the graph
	Input string `json:"input"` // Name of the input (feature_map, model, vector...)
}
type ArgOut struct { // output of the graph
	Name      string            `json:"name"`
	Extension service.Extension `json:"extension"`
	PixelType string            `json:"pixel_type,omitempty"` // OTB output pixel type (uint8, float...)
}
type ArgFixed string  // fixed arg
type ArgConfig string // arg from config
type ArgTile string   // arg from tile info

type ProcessingStep struct {
	Engine    string // otb, python or cmd
	Command   string // OTB application or path to the command
	Args      map[string]Arg
	Condition InputCondition
}

// DType of an output file
type DType int32

// DType of an output file
const (
	Undefined DType = iota
	UInt8
	UInt16
	UInt32
	Int16
	Int32
	Float32
	Float64
)

func DTypeFromString(dtype string) DType {
	switch strings.ToLower(dtype) {
	default:
		return Undefined
	case "uint8", "byte", "u1":
		return UInt8
	case "uint16", "u2":
		return UInt16
	case "uint32", "u4":
		return UInt32
	case "int16", "i2":
		return Int16
	case "int32", "i4":
		return Int32
	case "float32", "f4":
		return Float32
	case "float64", "f8":
		return Float64
	}
}

func (d DType) String() string {
	switch d {
	case UInt8:
		return "Byte"
	case UInt16:
		return "UInt16"
	case UInt32:
		return "UInt32"
	case Int16:
		return "Int16"
	case Int32:
		return "Int32"
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	}
	return "Undefined"
}

// OutFileAction
type OutFileAction int32

// OutFileAction
const (
	ToIgnore OutFileAction = iota
	ToCreate
	ToIndex
	ToDelete
)

// File is an output of a graph, stored in the workdir as {name}.{extension}
type File struct {
	Name      string            `json:"name"`
	Extension service.Extension `json:"extension"`
}

// Path returns the path of the file in the workdir
func (f File) Path(workdir string) string {
	return service.WithExt(path.Join(workdir, f.Name), f.Extension)
}

// InFile describes an input of the processing
type InFile struct {
	Input     string         `json:"input"`
	Condition InputCondition `json:"condition"`
}

// OutFile describes an output file of the processing
type OutFile struct {
	File
	dformatOut Arg           // argFixed or argConfig
	DType      DType         `json:"datatype"`
	NoData     float64       `json:"nodata"`
	Min        float64       `json:"min_value"`
	Max        float64       `json:"max_value"`
	ExtMin     float64       `json:"ext_min_value"`
	ExtMax     float64       `json:"ext_max_value"`
	Exponent   float64       `json:"exponent"`
	Action     OutFileAction `json:"action"`
	Condition  Condition     `json:"condition"`
	// LocalPath of the file in the workdir, set by Process
	LocalPath string `json:"-"`
}

func newOutFile(name string, ext service.Extension, dformatOut Arg, realmin, realmax, exponent float64, status OutFileAction, condition InputCondition) OutFile {
	return OutFile{
		File: File{
			Name:      name,
			Extension: ext,
		},
		dformatOut: dformatOut,
		ExtMin:     realmin,
		ExtMax:     realmax,
		Exponent:   exponent,
		Action:     status,
		Condition:  Condition(condition),
	}
}

func (of *OutFile) setDFormatOut(config GraphConfig) error {
	if of.dformatOut == nil {
		return nil
	}
	dformatOutS, err := formatArgs(of.dformatOut, config, Inputs{}, common.Tile{})
	if err != nil {
		return fmt.Errorf("setDFormatOut.%w", err)
	}

	dformatOut := strings.Split(dformatOutS, ",")
	if len(dformatOut) != 4 {
		return fmt.Errorf("setDFormatOut : invalid dformatOut %s. Expecting dtype,nodata,min,max", dformatOut)
	}

	of.DType = DTypeFromString(dformatOut[0])
	if of.NoData, err = strconv.ParseFloat(dformatOut[1], 64); err != nil {
		return fmt.Errorf("setDFormatOut : invalid dformatOut.Nodata %s. Expecting dtype,nodata,min,max. %w", dformatOut, err)
	}
	if of.Min, err = strconv.ParseFloat(dformatOut[2], 64); err != nil {
		return fmt.Errorf("setDFormatOut : invalid dformatOut.Min %s. Expecting dtype,nodata,min,max. %w", dformatOut, err)
	}
	if of.Max, err = strconv.ParseFloat(dformatOut[3], 64); err != nil {
		return fmt.Errorf("setDFormatOut : invalid dformatOut.Max %s. Expecting dtype,nodata,min,max. %w", dformatOut, err)
	}
	return nil
}

// GraphConfig is a configuration map for a processing graph
type GraphConfig map[string]string

// Merge returns a copy of the config overridden by other
func (c GraphConfig) Merge(other GraphConfig) GraphConfig {
	res := GraphConfig{}
	for k, v := range c {
		res[k] = v
	}
	for k, v := range other {
		res[k] = v
	}
	return res
}

// Inputs maps the name of the inputs of a graph to their paths
type Inputs map[string]string

// ProcessingGraph is a set of steps consuming a FeatureMap
type ProcessingGraph struct {
	steps    []ProcessingStep
	InFiles  []InFile
	outFiles []OutFile
}

func (g *ProcessingGraph) Summary() string {
	s := fmt.Sprintf("- %d steps\n", len(g.steps))
	for _, step := range g.steps {
		s += fmt.Sprintf("   * %-6s %s (%v)\n", step.Engine, step.Command, step.Condition.Name)
	}
	s += fmt.Sprintf("- %d inputs\n", len(g.InFiles))
	for _, f := range g.InFiles {
		s += fmt.Sprintf("   * %-10s (%v)\n", f.Input, f.Condition.Name)
	}
	s += fmt.Sprintf("- %d outputs files\n", len(g.outFiles))
	for _, f := range g.outFiles {
		name := service.WithExt(f.Name, f.Extension)
		switch f.Action {
		case ToCreate:
			s += fmt.Sprintf("   + %-20s (%v)\n", name, f.Condition.Name)
		case ToIndex:
			s += fmt.Sprintf("   i+ %-20s (%v)\n", name, f.Condition.Name)
		case ToDelete:
			s += fmt.Sprintf("   - %-20s (%v)\n", name, f.Condition.Name)
		default:
			s += fmt.Sprintf("   ? %-20s (%v)\n", name, f.Condition.Name)
		}
	}
	return s
}

func fileExists(cwd, file string) (string, error) {
	if _, err := os.Stat(file); err == nil || !errors.Is(err, os.ErrNotExist) || cwd == "" {
		return file, err
	}
	file = path.Join(cwd, file)
	return fileExists("", file)
}

func newProcessingGraph(steps []ProcessingStep, infiles []InFile, outfiles []OutFile) (*ProcessingGraph, error) {
	// Check commands
	graphPath := service.Getenv("GRAPHPATH", "/data/graph")
	for i, step := range steps {
		switch step.Engine {
		case otb:
			if step.Command == "" {
				return nil, fmt.Errorf("newProcessingGraph: missing OTB application")
			}
		case python, command:
			cmd, err := fileExists(graphPath, step.Command)
			if err != nil {
				return nil, fmt.Errorf("newProcessingGraph: Command not found: %s", step.Command)
			}
			steps[i].Command = cmd
		default:
			return nil, fmt.Errorf("newProcessingGraph: unknown engine %s (must be one of %s, %s, %s)", step.Engine, otb, python, command)
		}
	}

	return &ProcessingGraph{
		steps:    steps,
		InFiles:  infiles,
		outFiles: outfiles,
	}, nil
}

// Builtins returns the names of the built-in graphs
func Builtins() []string {
	return []string{"ImageStatistics", "ImageClassifier", "ZonalStatistics"}
}

// LoadGraph returns the graph from its name and its default configuration
func LoadGraph(ctx context.Context, graphName string) (*ProcessingGraph, GraphConfig, error) {
	switch graphName {
	case "ImageStatistics":
		g, err := newImageStatisticsGraph()
		if err != nil {
			return nil, nil, err
		}
		return g, OTBDefaultConfig(), nil
	case "ImageClassifier":
		g, err := newImageClassifierGraph()
		if err != nil {
			return nil, nil, err
		}
		return g, OTBDefaultConfig(), nil
	case "ZonalStatistics":
		g, err := newZonalStatisticsGraph()
		if err != nil {
			return nil, nil, err
		}
		return g, OTBDefaultConfig(), nil
	}

	return LoadGraphFromFile(ctx, graphName)
}

// LoadGraphFromFile returns the graph from a filename
func LoadGraphFromFile(ctx context.Context, graphFile string) (*ProcessingGraph, GraphConfig, error) {
	f, err := fileExists(service.Getenv("GRAPHPATH", "/data/graph"), graphFile)
	if err != nil {
		// Try to download it
		graphFileUri, e := uri.ParseUri(graphFile)
		if e != nil {
			return nil, nil, fmt.Errorf("LoadGraphFromFile[%s]: unknown graph (%w-%v)", graphFile, err, e)
		}
		graphFilePath, err := os.CreateTemp("", "graph-*.json")
		if err != nil {
			return nil, nil, fmt.Errorf("LoadGraphFromFile[%s]: unable to create temp file: %w", graphFile, err)
		}
		graphFilePath.Close()
		defer os.Remove(graphFilePath.Name())
		if err = graphFileUri.DownloadToFile(ctx, graphFilePath.Name()); err != nil {
			return nil, nil, fmt.Errorf("LoadGraphFromFile[%s]: unable to download graph: %w", graphFile, err)
		}

		return LoadGraphFromFile(ctx, graphFilePath.Name())
	}

	byteValue, err := os.ReadFile(f)
	if err != nil {
		return nil, nil, fmt.Errorf("LoadGraphFromFile[%s]: %w", graphFile, err)
	}

	var graphJSON ProcessingGraphJSON
	if err := json.Unmarshal(byteValue, &graphJSON); err != nil {
		return nil, nil, fmt.Errorf("LoadGraphFromFile[%s]: %w", graphFile, err)
	}

	graph, err := newProcessingGraph(graphJSON.Steps, graphJSON.InFiles, graphJSON.OutFiles)
	if err != nil {
		return nil, nil, fmt.Errorf("LoadGraphFromFile[%s]: %w", graphFile, err)
	}
	if graphJSON.Config == nil {
		graphJSON.Config = map[string]string{}
	}

	return graph, graphJSON.Config, nil
}

// OTBDefaultConfig returns a basic configuration for the OTB graphs
func OTBDefaultConfig() GraphConfig {
	return GraphConfig{
		"ram":              "4000",   // Available memory for OTB processing (MB)
		"background":       "nan",    // Ignored value for the statistics
		"zonal_out_format": "vector", // vector, raster or xml
		"dformat_out":      "uint8,0,0,255",
	}
}

// newImageStatisticsGraph computes the mean and standard deviation of each band of the FeatureMap
func newImageStatisticsGraph() (*ProcessingGraph, error) {
	infiles := []InFile{{Input: InputFeatureMap, Condition: pass}}
	outfiles := []OutFile{
		{File: File{Name: "statistics", Extension: service.ExtensionXML}, Action: ToCreate, Condition: Condition(pass)},
	}
	steps := []ProcessingStep{
		{
			Engine:    otb,
			Command:   "ComputeImagesStatistics",
			Condition: pass,

			Args: map[string]Arg{
				"il":  ArgIn{InputFeatureMap},
				"bv":  ArgConfig("background"),
				"out": ArgOut{Name: "statistics", Extension: service.ExtensionXML},
				"ram": ArgConfig("ram"),
			},
		},
	}
	return newProcessingGraph(steps, infiles, outfiles)
}

// newImageClassifierGraph classifies the FeatureMap with a trained model
func newImageClassifierGraph() (*ProcessingGraph, error) {
	infiles := []InFile{
		{Input: InputFeatureMap, Condition: pass},
		{Input: InputModel, Condition: pass},
	}
	outfiles := []OutFile{
		{File: File{Name: "statistics", Extension: service.ExtensionXML}, Action: ToDelete, Condition: Condition(pass)},
		newOutFile("classification", service.ExtensionGTiff, ArgConfig("dformat_out"), 0, 255, 1, ToIndex, pass),
	}
	steps := []ProcessingStep{
		{
			Engine:    otb,
			Command:   "ComputeImagesStatistics",
			Condition: pass,

			Args: map[string]Arg{
				"il":  ArgIn{InputFeatureMap},
				"bv":  ArgConfig("background"),
				"out": ArgOut{Name: "statistics", Extension: service.ExtensionXML},
				"ram": ArgConfig("ram"),
			},
		},
		{
			Engine:    otb,
			Command:   "ImageClassifier",
			Condition: pass,

			Args: map[string]Arg{
				"in":     ArgIn{InputFeatureMap},
				"model":  ArgIn{InputModel},
				"imstat": ArgOut{Name: "statistics", Extension: service.ExtensionXML},
				"out":    ArgOut{"classification", service.ExtensionGTiff, "uint8"},
				"ram":    ArgConfig("ram"),
			},
		},
	}
	return newProcessingGraph(steps, infiles, outfiles)
}

// newZonalStatisticsGraph computes the statistics of the FeatureMap in the zones of a vector file
func newZonalStatisticsGraph() (*ProcessingGraph, error) {
	infiles := []InFile{
		{Input: InputFeatureMap, Condition: pass},
		{Input: InputVector, Condition: pass},
	}
	outfiles := []OutFile{
		{File: File{Name: "zonal_statistics", Extension: service.ExtensionGPKG}, Action: ToCreate, Condition: Condition(pass)},
	}
	steps := []ProcessingStep{
		{
			Engine:    otb,
			Command:   "ZonalStatistics",
			Condition: pass,

			Args: map[string]Arg{
				"in":                  ArgIn{InputFeatureMap},
				"inzone":              ArgFixed("vector"),
				"inzone.vector.in":    ArgIn{InputVector},
				"out":                 ArgConfig("zonal_out_format"),
				"out.vector.filename": ArgOut{Name: "zonal_statistics", Extension: service.ExtensionGPKG},
				"ram":                 ArgConfig("ram"),
			},
		},
	}
	return newProcessingGraph(steps, infiles, outfiles)
}

// CheckInputs returns an error if an input required by the graph is not provided
func (g *ProcessingGraph) CheckInputs(inputs Inputs) error {
	for _, in := range g.InFiles {
		if !in.Condition.Pass(inputs) {
			continue
		}
		if inputs[in.Input] == "" {
			return service.MakeFatal(fmt.Errorf("missing input '%s'", in.Input))
		}
	}
	return nil
}

// Process runs the graph on the inputs, writing the outputs in the workdir.
// Returns the output files to create, to index or to delete, with their path.
func (g *ProcessingGraph) Process(ctx context.Context, runner Runner, config GraphConfig, inputs Inputs, tile common.Tile, workdir string) ([]OutFile, error) {
	if err := g.CheckInputs(inputs); err != nil {
		return nil, fmt.Errorf("process.%w", err)
	}
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return nil, fmt.Errorf("process.MkdirAll: %w", err)
	}
	inputs = absInputs(inputs)

	var perr error
	for _, step := range g.steps {
		if !step.Condition.Pass(inputs) {
			continue
		}

		// Get args list
		args, err := step.formatArgs(config, inputs, tile, workdir)
		if err != nil {
			return nil, fmt.Errorf("process.%w", err)
		}
		tool := step.tool()

		// Exec step
		log.Logger(ctx).Sugar().Debugf("%s %s", tool, strings.Join(args, " "))
		if _, err := runner.Run(ctx, tool, args); err != nil {
			perr = fmt.Errorf("process[%s]: %w", tool, err)
			break
		}
	}

	// OutFiles list
	var outfiles []OutFile
	for _, f := range g.outFiles {
		if !f.Condition.Pass(perr, inputs, workdir, &f.File) {
			continue
		}
		if err := f.setDFormatOut(config); err != nil {
			return nil, fmt.Errorf("process.%w", err)
		}
		f.LocalPath = f.Path(workdir)
		outfiles = append(outfiles, f)
	}
	return outfiles, perr
}

// absInputs returns the inputs with absolute paths, as the tools may not run in the current directory
func absInputs(inputs Inputs) Inputs {
	res := Inputs{}
	for k, v := range inputs {
		if v != "" && !strings.Contains(v, "://") {
			if abs, err := filepath.Abs(v); err == nil {
				v = abs
			}
		}
		res[k] = v
	}
	return res
}

func (step ProcessingStep) tool() string {
	if step.Engine == otb {
		return path.Join(service.Getenv("OTBPATH", ""), "otbcli_"+step.Command)
	}
	return step.Command
}

func (step ProcessingStep) formatArgs(config GraphConfig, inputs Inputs, tile common.Tile, workdir string) ([]string, error) {
	// Sorted for reproducible command lines
	params := make([]string, 0, len(step.Args))
	for param := range step.Args {
		params = append(params, param)
	}
	sort.Strings(params)

	var args []string
	for _, param := range params {
		arg := step.Args[param]
		var pixelType string
		if out, ok := arg.(ArgOut); ok {
			arg = ArgFixed(File{out.Name, out.Extension}.Path(workdir))
			pixelType = out.PixelType
		}
		value, err := formatArgs(arg, config, inputs, tile)
		if err != nil {
			return nil, fmt.Errorf("formatArgs[%s].%w", param, err)
		}

		switch step.Engine {
		case otb:
			args = append(args, "-"+param, value)
			if pixelType != "" {
				args = append(args, pixelType)
			}
		case python, command:
			args = append(args, fmt.Sprintf("--%s=%s", param, value))
		}
	}
	return args, nil
}

func formatArgs(arg Arg, config GraphConfig, inputs Inputs, tile common.Tile) (string, error) {
	var valstr string
	switch key := arg.(type) {
	// Input
	case ArgIn:
		var ok bool
		if valstr, ok = inputs[key.Input]; !ok {
			return "", fmt.Errorf("input '%s' not provided", key.Input)
		}

	// Output (must be resolved with the workdir)
	case ArgOut:
		return "", fmt.Errorf("ArgOut '%s' cannot be resolved without workdir", key.Name)

	// Fixed arg
	case ArgFixed:
		valstr = string(key)

	// Specific args from tile
	case ArgTile:
		switch key {
		case tileName:
			valstr = tile.Name
		case tileCRS:
			valstr = tile.CRS
		case tileWidth:
			valstr = strconv.Itoa(tile.Extent.Width)
		case tileHeight:
			valstr = strconv.Itoa(tile.Extent.Height)
		case tileResolution:
			valstr = strconv.FormatFloat(tile.Extent.PixelSizeX, 'f', -1, 64)
		default:
			return "", fmt.Errorf("key '%s' not found in tile", key)
		}

	// Specific args from config
	case ArgConfig:
		var ok bool
		if valstr, ok = config[string(key)]; !ok {
			return "", fmt.Errorf("key '%s' not found in config", key)
		}

	default:
		return "", fmt.Errorf("unknow Arg Type: %v", key)
	}

	return valstr, nil
}
