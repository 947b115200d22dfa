package gotypes

import (
	"fmt"
	"go/types"

	"github.com/chazu/govm/vm"
	"github.com/tliron/commonlog"
	"golang.org/x/tools/go/packages"
)

var log = commonlog.GetLogger("govm.gotypes")

// Package is the catalog view of one loaded Go package.
type Package struct {
	ImportPath string
	Name       string
	Types      map[string]vm.MetaID // package-level named types
	Consts     map[string]vm.Const  // package-level constants
	Vars       map[string]vm.MetaID // package-level variables
	Skipped    map[string]error     // declarations that have no VM form
	Scope      *types.Scope
}

// LoadPackage loads a Go package by import path and registers its
// package-level types, constants and variables with l. includeFilter, if
// non-nil, restricts which names are considered.
func (l *Lookup) LoadPackage(importPath string, includeFilter map[string]bool) (*Package, error) {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedTypes,
	}
	pkgs, err := packages.Load(cfg, importPath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", importPath, err)
	}
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("no packages found for %s", importPath)
	}
	if len(pkgs[0].Errors) > 0 {
		return nil, fmt.Errorf("package errors: %v", pkgs[0].Errors)
	}
	pkg := pkgs[0]
	if pkg.Types == nil {
		return nil, fmt.Errorf("type information not available for %s", importPath)
	}
	return l.AddPackage(pkg.Types, includeFilter), nil
}

// AddPackage registers the package-level declarations of an already
// checked package.
func (l *Lookup) AddPackage(tp *types.Package, includeFilter map[string]bool) *Package {
	p := &Package{
		ImportPath: tp.Path(),
		Name:       tp.Name(),
		Types:      make(map[string]vm.MetaID),
		Consts:     make(map[string]vm.Const),
		Vars:       make(map[string]vm.MetaID),
		Skipped:    make(map[string]error),
		Scope:      tp.Scope(),
	}

	scope := tp.Scope()
	for _, name := range scope.Names() {
		if includeFilter != nil && !includeFilter[name] {
			continue
		}
		switch o := scope.Lookup(name).(type) {
		case *types.TypeName:
			if o.IsAlias() {
				continue
			}
			id, err := l.Meta(o.Type())
			if err != nil {
				p.Skipped[name] = err
				continue
			}
			p.Types[name] = id

		case *types.Const:
			c, err := Const(o.Type(), o.Val())
			if err != nil {
				p.Skipped[name] = err
				continue
			}
			p.Consts[name] = c

		case *types.Var:
			id, err := l.Meta(o.Type())
			if err != nil {
				p.Skipped[name] = err
				continue
			}
			p.Vars[name] = id
		}
	}
	for name, err := range p.Skipped {
		log.Debugf("%s.%s: %v", p.ImportPath, name, err)
	}
	return p
}
