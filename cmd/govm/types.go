package main

import (
	"flag"
	"fmt"
	"sort"

	"github.com/chazu/govm/gotypes"
	"github.com/chazu/govm/vm"
)

// handleTypesCommand loads a Go package and prints the catalog entries and
// constants its package-level declarations map to.
func handleTypesCommand(args []string) error {
	fs := flag.NewFlagSet("types", flag.ExitOnError)
	showSkipped := fs.Bool("skipped", false, "Also list declarations with no VM form")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("types requires one import path")
	}
	lookup := gotypes.NewLookup(vm.NewCatalog())
	pkg, err := lookup.LoadPackage(fs.Arg(0), nil)
	if err != nil {
		return err
	}
	cat := lookup.Catalog()

	fmt.Printf("package %s (%s)\n", pkg.Name, pkg.ImportPath)
	for _, name := range sortedKeys(pkg.Types) {
		fmt.Printf("type  %-24s %s\n", name, cat.TypeString(pkg.Types[name]))
	}
	for _, name := range sortedKeys(pkg.Consts) {
		c := pkg.Consts[name]
		fmt.Printf("const %-24s %s = %s\n", name, c.Type, c.String())
	}
	for _, name := range sortedKeys(pkg.Vars) {
		fmt.Printf("var   %-24s %s\n", name, cat.TypeString(pkg.Vars[name]))
	}
	if *showSkipped {
		for _, name := range sortedKeys(pkg.Skipped) {
			fmt.Printf("skip  %-24s %v\n", name, pkg.Skipped[name])
		}
	}
	fmt.Printf("%d catalog entries\n", cat.Len())
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
