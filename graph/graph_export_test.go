package graph

import (
	"encoding/json"
	"fmt"
)

var ConditionPass = pass
var ConditionHasModel = condHasModel
var ConditionHasVector = condHasVector
var ConditionOnFailure = condOnFailure
var ConditionFileExists = condFileExists

var NewImageClassifierGraph = newImageClassifierGraph

var NewOutFile = newOutFile

func (t InputCondition) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Name)
}

func (t Condition) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Name)
}

func (d DType) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

type argJSON struct {
	Type      string `json:"type"`
	Value     string `json:"value,omitempty"`
	Input     string `json:"input,omitempty"`
	Name      string `json:"name,omitempty"`
	Extension string `json:"extension,omitempty"`
	PixelType string `json:"pixel_type,omitempty"`
}

func (a ArgFixed) MarshalJSON() ([]byte, error) {
	return json.Marshal(argJSON{Type: "fixed", Value: string(a)})
}

func (a ArgConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(argJSON{Type: "config", Value: string(a)})
}

func (a ArgTile) MarshalJSON() ([]byte, error) {
	return json.Marshal(argJSON{Type: "tile", Value: string(a)})
}

func (a ArgIn) MarshalJSON() ([]byte, error) {
	return json.Marshal(argJSON{Type: "in", Input: a.Input})
}

func (a ArgOut) MarshalJSON() ([]byte, error) {
	return json.Marshal(argJSON{Type: "out", Name: a.Name, Extension: string(a.Extension), PixelType: a.PixelType})
}

func (a OutFileAction) MarshalJSON() ([]byte, error) {
	var action string
	switch a {
	case ToIgnore:
		action = "to_ignore"
	case ToCreate:
		action = "to_create"
	case ToIndex:
		action = "to_index"
	case ToDelete:
		action = "to_delete"
	default:
		return nil, fmt.Errorf("unknown action: %v", a)
	}
	return json.Marshal(action)
}

func (s ProcessingStep) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Engine    string         `json:"engine"`
		Command   string         `json:"command"`
		Args      map[string]Arg `json:"args"`
		Condition InputCondition `json:"condition"`
	}{s.Engine, s.Command, s.Args, s.Condition})
}

func (of OutFile) DFormatOut() Arg {
	return of.dformatOut
}

func (g *ProcessingGraph) Steps() []ProcessingStep {
	return g.steps
}
