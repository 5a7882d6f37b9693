package features

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/airbusgeo/geocube-featuremap/bands"
	"github.com/airbusgeo/geocube-featuremap/raster"
	"github.com/airbusgeo/geocube-featuremap/service/log"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// sourceFiles returns the Go files of the module path, sorted by name
func sourceFiles(p string) ([]string, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return []string{p}, nil
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".go") || strings.HasSuffix(e.Name(), "_test.go") {
			continue
		}
		files = append(files, filepath.Join(p, e.Name()))
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("no go file in %s", p)
	}
	return files, nil
}

// exportedFuncs parses the files and returns the package name
// and the exported top-level functions in declaration order
func exportedFuncs(files []string) (string, []string, error) {
	fset := token.NewFileSet()
	var pkg string
	var names []string
	for _, file := range files {
		f, err := parser.ParseFile(fset, file, nil, parser.SkipObjectResolution)
		if err != nil {
			return "", nil, fmt.Errorf("parse: %w", err)
		}
		if pkg == "" {
			pkg = f.Name.Name
		} else if pkg != f.Name.Name {
			return "", nil, fmt.Errorf("%s: package %s, expected %s", file, f.Name.Name, pkg)
		}
		for _, decl := range f.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Recv != nil || fn.Type.TypeParams != nil || !fn.Name.IsExported() {
				continue
			}
			names = append(names, fn.Name.Name)
		}
	}
	return pkg, names, nil
}

// asFunc validates the signature of an interpreted function
func asFunc(v interface{}) (Func, bool) {
	switch fn := v.(type) {
	case func(bands.Accessor) (raster.Array, []string, error):
		return fn, true
	case func(bands.Accessor) (raster.Array, []string):
		return func(acc bands.Accessor) (raster.Array, []string, error) {
			a, labels := fn(acc)
			return a, labels, nil
		}, true
	}
	return nil, false
}

// loadSource interprets the Go sources of the module path and returns the exported functions
// matching the Func signature, in declaration order (files sorted by name).
// Exported functions with another signature are ignored.
func loadSource(ctx context.Context, p string) ([]Definition, error) {
	files, err := sourceFiles(p)
	if err != nil {
		return nil, err
	}
	pkg, names, err := exportedFuncs(files)
	if err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("use stdlib: %w", err)
	}
	if err := i.Use(Symbols); err != nil {
		return nil, fmt.Errorf("use symbols: %w", err)
	}
	for _, file := range files {
		src, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if _, err := i.Eval(string(src)); err != nil {
			return nil, fmt.Errorf("eval %s: %w", file, err)
		}
	}

	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		v, err := i.Eval(pkg + "." + name)
		if err != nil {
			return nil, fmt.Errorf("eval %s.%s: %w", pkg, name, err)
		}
		fn, ok := asFunc(v.Interface())
		if !ok {
			log.Logger(ctx).Sugar().Debugf("%s.%s ignored: signature %s is not a feature function", pkg, name, v.Type())
			continue
		}
		defs = append(defs, Definition{Module: p, Name: name, Fn: fn})
	}
	return defs, nil
}
