package graph

import (
	"errors"
	"os"

	"github.com/airbusgeo/geocube-featuremap/service"
)

// Condition to do an action
type Condition struct {
	Name   string
	PassFn interface{}
}

// InputCondition is a condition on the inputs of the graph to do an action (execute a step, create a file...)
type InputCondition Condition

// InputConditionFn is a PassFunction of InputCondition executed to test a condition on inputs
type InputConditionFn func(Inputs) bool

// pass is a condition always true
var pass = InputCondition{"pass", InputConditionFn(func(Inputs) bool { return true })}

func hasInput(name string) InputCondition {
	return InputCondition{"has_" + name, InputConditionFn(func(inputs Inputs) bool { return inputs[name] != "" })}
}

func hasNoInput(name string) InputCondition {
	return InputCondition{"has_no_" + name, InputConditionFn(func(inputs Inputs) bool { return inputs[name] == "" })}
}

var condHasModel = hasInput(InputModel)
var condHasVector = hasInput(InputVector)
var condHasNoModel = hasNoInput(InputModel)
var condHasNoVector = hasNoInput(InputVector)

var inputConditionJSON = map[string]InputCondition{
	pass.Name:            pass,
	condHasModel.Name:    condHasModel,
	condHasVector.Name:   condHasVector,
	condHasNoModel.Name:  condHasNoModel,
	condHasNoVector.Name: condHasNoVector,
}

// ErrorConditionFn is a PassFunction of Condition executed in case of error
type ErrorConditionFn func(error) bool

// FileConditionFn is a PassFunction of Condition executed at the end of processing steps
type FileConditionFn func(workdir string, f *File) bool

// condOnFailure & condOnFatalFailure returns true if an error or a fatal error occured
var condOnFailure = Condition{"on_failure", ErrorConditionFn(func(err error) bool { return err != nil })}
var condOnFatalFailure = Condition{"on_fatal_failure", ErrorConditionFn(func(err error) bool { return service.Fatal(err) })}

// condIfExists return true if file exists
var condFileExists = Condition{"file_exists", FileConditionFn(func(workdir string, f *File) bool {
	if f != nil {
		_, err := os.Stat(f.Path(workdir))
		return err == nil
	}
	return false
})}

// condIfNotExists return true if file does not exist
var condFileNotExist = Condition{"file_not_exist", FileConditionFn(func(workdir string, f *File) bool {
	if f != nil {
		_, err := os.Stat(f.Path(workdir))
		return err != nil && errors.Is(err, os.ErrNotExist)
	}
	return false
})}

var conditionJSON = map[string]Condition{
	condFileExists.Name:     condFileExists,
	condFileNotExist.Name:   condFileNotExist,
	condOnFailure.Name:      condOnFailure,
	condOnFatalFailure.Name: condOnFatalFailure,
	pass.Name:               Condition(pass),
	condHasModel.Name:       Condition(condHasModel),
	condHasVector.Name:      Condition(condHasVector),
	condHasNoModel.Name:     Condition(condHasNoModel),
	condHasNoVector.Name:    Condition(condHasNoVector),
}

// Pass returns true if the inputs fulfill the condition
func (t InputCondition) Pass(inputs Inputs) bool {
	return t.PassFn.(InputConditionFn)(inputs)
}

// Pass returns true if the condition is fulfilled, given the result of the processing (err),
// the inputs and the file in the workdir.
// Conditions on inputs and files are never fulfilled if the processing failed.
func (c Condition) Pass(err error, inputs Inputs, workdir string, f *File) bool {
	switch fn := c.PassFn.(type) {
	case ErrorConditionFn:
		return fn(err)
	case InputConditionFn:
		return err == nil && fn(inputs)
	case FileConditionFn:
		return err == nil && fn(workdir, f)
	}
	return false
}
