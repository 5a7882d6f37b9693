// Package features loads the custom feature functions of a module and invokes them on chunks.
//
// A module is either compiled in the binary (functions added with Register, usually from an init function)
// or a directory (or a file) of Go sources interpreted at load time.
// The discovery order of the functions (declaration order) is the canonical order of the output bands,
// unless an allow-list is given, in which case its order is canonical.
package features

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/airbusgeo/geocube-featuremap/bands"
	"github.com/airbusgeo/geocube-featuremap/raster"
)

// Func computes C >= 0 bands from the accessor and returns them as a [h, w, C] array with C labels.
// A Func must not keep any state between calls.
type Func func(acc bands.Accessor) (raster.Array, []string, error)

// Definition is a named feature function of a module
type Definition struct {
	Module string
	Name   string
	Fn     Func
}

var compiled = struct {
	sync.Mutex
	modules map[string][]Definition
}{modules: map[string][]Definition{}}

// Register adds a compiled feature function to the module.
// The registration order is the discovery order.
// It panics if the name is already registered in the module.
func Register(module, name string, fn Func) {
	compiled.Lock()
	defer compiled.Unlock()
	for _, d := range compiled.modules[module] {
		if d.Name == name {
			panic(fmt.Sprintf("features: %s.%s registered twice", module, name))
		}
	}
	if fn == nil {
		panic(fmt.Sprintf("features: %s.%s is nil", module, name))
	}
	compiled.modules[module] = append(compiled.modules[module], Definition{Module: module, Name: name, Fn: fn})
}

// Modules returns the names of the compiled modules
func Modules() []string {
	compiled.Lock()
	defer compiled.Unlock()
	modules := make([]string, 0, len(compiled.modules))
	for m := range compiled.modules {
		modules = append(modules, m)
	}
	sort.Strings(modules)
	return modules
}

func compiledModule(module string) ([]Definition, bool) {
	compiled.Lock()
	defer compiled.Unlock()
	defs, ok := compiled.modules[module]
	return append([]Definition(nil), defs...), ok
}

// UnknownModuleError is returned when a module is neither compiled nor a path
type UnknownModuleError struct {
	Module string
}

func (e UnknownModuleError) Error() string {
	return fmt.Sprintf("unknown feature module %s (compiled modules: %s)", e.Module, strings.Join(Modules(), ", "))
}

// UnknownFunctionError is returned when an allowed function is not found in the module
type UnknownFunctionError struct {
	Module    string
	Name      string
	Available []string
}

func (e UnknownFunctionError) Error() string {
	return fmt.Sprintf("unknown feature function %s in module %s (available: %s)", e.Name, e.Module, strings.Join(e.Available, ", "))
}

// FeatureComputationError is returned when a feature function fails or panics
type FeatureComputationError struct {
	Function string
	Tile     string
	Chunk    int
	Err      error
}

func (e FeatureComputationError) Error() string {
	return fmt.Sprintf("feature function %s failed on tile %s chunk %d: %v", e.Function, e.Tile, e.Chunk, e.Err)
}

func (e FeatureComputationError) Unwrap() error {
	return e.Err
}

// Registry is the ordered set of active feature functions of a module
type Registry struct {
	module string
	defs   []Definition
}

// NewRegistry creates a registry from definitions, in the given order
func NewRegistry(module string, defs ...Definition) (*Registry, error) {
	names := map[string]struct{}{}
	for _, d := range defs {
		if _, ok := names[d.Name]; ok {
			return nil, fmt.Errorf("NewRegistry: function %s defined twice in module %s", d.Name, module)
		}
		names[d.Name] = struct{}{}
	}
	return &Registry{module: module, defs: defs}, nil
}

// Load builds the registry of a compiled module or of a path to Go sources.
// If allow is not empty, only the listed functions are kept, in the order of the list.
// Raise UnknownModuleError, UnknownFunctionError
func Load(ctx context.Context, module string, allow []string) (*Registry, error) {
	defs, ok := compiledModule(module)
	if !ok {
		if _, err := os.Stat(module); err != nil {
			return nil, UnknownModuleError{Module: module}
		}
		var err error
		if defs, err = loadSource(ctx, module); err != nil {
			return nil, fmt.Errorf("Load[%s]: %w", module, err)
		}
	}
	r, err := NewRegistry(module, defs...)
	if err != nil {
		return nil, err
	}
	if len(allow) > 0 {
		if r, err = r.Filter(allow); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Filter returns a registry with the listed functions only, in the order of the list
// Raise UnknownFunctionError
func (r *Registry) Filter(names []string) (*Registry, error) {
	defs := make([]Definition, 0, len(names))
	seen := map[string]struct{}{}
	for _, name := range names {
		if _, ok := seen[name]; ok {
			return nil, fmt.Errorf("Filter: function %s listed twice", name)
		}
		seen[name] = struct{}{}
		d, ok := r.Function(name)
		if !ok {
			return nil, UnknownFunctionError{Module: r.module, Name: name, Available: r.Names()}
		}
		defs = append(defs, d)
	}
	return &Registry{module: r.module, defs: defs}, nil
}

// Module returns the name or the path of the module
func (r *Registry) Module() string {
	return r.module
}

// Functions returns the active functions in canonical order
func (r *Registry) Functions() []Definition {
	return append([]Definition(nil), r.defs...)
}

// Function returns the function with the given name
func (r *Registry) Function(name string) (Definition, bool) {
	for _, d := range r.defs {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}

// Names returns the names of the active functions in canonical order
func (r *Registry) Names() []string {
	names := make([]string, len(r.defs))
	for i, d := range r.defs {
		names[i] = d.Name
	}
	return names
}

// Call invokes the function on the accessor. An error or a panic of the function
// is returned as a FeatureComputationError.
func (r *Registry) Call(ctx context.Context, def Definition, acc bands.Accessor) (a raster.Array, labels []string, err error) {
	chunk := acc.Chunk()
	defer func() {
		if p := recover(); p != nil {
			err = FeatureComputationError{Function: def.Name, Tile: chunk.Tile, Chunk: chunk.Index, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	if err := ctx.Err(); err != nil {
		return raster.Array{}, nil, err
	}
	if a, labels, err = def.Fn(acc); err != nil {
		return raster.Array{}, nil, FeatureComputationError{Function: def.Name, Tile: chunk.Tile, Chunk: chunk.Index, Err: err}
	}
	return a, labels, nil
}
