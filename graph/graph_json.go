package graph

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/airbusgeo/geocube-featuremap/service"
)

// ProcessingGraphJSON is the file format of a custom graph (see library/)
type ProcessingGraphJSON struct {
	Config   map[string]string `json:"config"`
	Steps    []ProcessingStep  `json:"processing_steps"`
	InFiles  []InFile          `json:"in_files"`
	OutFiles []OutFile         `json:"out_files"`
}

var outFileActionJSON = map[string]OutFileAction{
	"to_ignore": ToIgnore,
	"to_create": ToCreate,
	"to_index":  ToIndex,
	"to_delete": ToDelete,
}

// byName decodes a JSON string and returns the entry of the table with this name.
// An empty or missing name resolves to def, if not empty.
func byName[T any](data []byte, kind string, table map[string]T, def string) (T, error) {
	var name string
	var zero T
	if err := json.Unmarshal(data, &name); err != nil {
		return zero, fmt.Errorf("%s: %w", kind, err)
	}
	if name == "" {
		name = def
	}
	v, ok := table[name]
	if !ok {
		return zero, fmt.Errorf("unknown %s %q (must be one of %v)", kind, name, slices.Sorted(maps.Keys(table)))
	}
	return v, nil
}

func (t *InputCondition) UnmarshalJSON(data []byte) (err error) {
	*t, err = byName(data, "input condition", inputConditionJSON, pass.Name)
	return err
}

func (t *Condition) UnmarshalJSON(data []byte) (err error) {
	*t, err = byName(data, "condition", conditionJSON, pass.Name)
	return err
}

func (a *OutFileAction) UnmarshalJSON(data []byte) (err error) {
	*a, err = byName(data, "action", outFileActionJSON, "")
	return err
}

func (dtype *DType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("datatype: %w", err)
	}
	*dtype = DTypeFromString(s)
	return nil
}

// ArgJSON decodes an argument of a step: {"type": "fixed|config|tile|in|out", ...}
type ArgJSON struct {
	Arg
}

func (a *ArgJSON) UnmarshalJSON(data []byte) error {
	var fields struct {
		Type      string            `json:"type"`
		Value     string            `json:"value"`
		Input     string            `json:"input"`
		Name      string            `json:"name"`
		Extension service.Extension `json:"extension"`
		PixelType string            `json:"pixel_type"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("argument: %w", err)
	}
	switch fields.Type {
	case "fixed":
		a.Arg = ArgFixed(fields.Value)
	case "config":
		a.Arg = ArgConfig(fields.Value)
	case "tile":
		a.Arg = ArgTile(fields.Value)
	case "in":
		a.Arg = ArgIn{Input: fields.Input}
	case "out":
		a.Arg = ArgOut{Name: fields.Name, Extension: fields.Extension, PixelType: fields.PixelType}
	default:
		return fmt.Errorf("unknown argument type %q (must be one of fixed, config, tile, in, out)", fields.Type)
	}
	return nil
}

func (s *ProcessingStep) UnmarshalJSON(data []byte) error {
	step := struct {
		Engine    string             `json:"engine"`
		Command   string             `json:"command"`
		Args      map[string]ArgJSON `json:"args"`
		Condition InputCondition     `json:"condition"`
	}{Condition: pass}
	if err := json.Unmarshal(data, &step); err != nil {
		return err
	}
	args := make(map[string]Arg, len(step.Args))
	for k, v := range step.Args {
		args[k] = v.Arg
	}
	*s = ProcessingStep{Engine: step.Engine, Command: step.Command, Args: args, Condition: step.Condition}
	return nil
}

func (i *InFile) UnmarshalJSON(data []byte) error {
	type plain InFile
	in := plain{Condition: pass}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*i = InFile(in)
	return nil
}

// UnmarshalJSON decodes an output file. Exponent defaults to 1 and Condition to pass.
// The optional "dformat_out" argument is resolved against the graph config by setDFormatOut.
func (of *OutFile) UnmarshalJSON(data []byte) error {
	type plain OutFile
	out := struct {
		plain
		DFormatOut *ArgJSON `json:"dformat_out"`
	}{plain: plain{Exponent: 1, Condition: Condition(pass)}}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*of = OutFile(out.plain)
	if out.DFormatOut != nil {
		of.dformatOut = out.DFormatOut.Arg
	}
	return nil
}
