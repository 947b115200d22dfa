// govm runs, inspects and serves compiled programs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/chazu/govm/config"
	"github.com/chazu/govm/vm"
	"github.com/chazu/govm/vm/wire"
	"github.com/mattn/go-isatty"
	_ "github.com/tliron/commonlog/simple"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: govm <command> [options] [args...]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  run <program|hash> [args...]  Run a compiled or cached program\n")
	fmt.Fprintf(os.Stderr, "  disasm <program>              Print a program's bytecode\n")
	fmt.Fprintf(os.Stderr, "  serve                         Start the executor service\n")
	fmt.Fprintf(os.Stderr, "  cache put|ls|rm               Manage the program cache\n")
	fmt.Fprintf(os.Stderr, "  types <import-path>           Show the catalog entries for a Go package\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  govm run fib.govm 20\n")
	fmt.Fprintf(os.Stderr, "  govm run -entry helper prog.govm\n")
	fmt.Fprintf(os.Stderr, "  govm serve -config govm.toml\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "run":
		err = handleRunCommand(args)
	case "disasm":
		err = handleDisasmCommand(args)
	case "serve":
		err = handleServeCommand(args)
	case "cache":
		err = handleCacheCommand(args)
	case "types":
		err = handleTypesCommand(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the named file, or searches upward from the working
// directory when path is empty, and applies its log settings.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.FindAndLoad(".")
	}
	if err != nil {
		return nil, err
	}
	cfg.ConfigureLogging()
	return cfg, nil
}

func readProgram(path string) (*vm.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	prog, err := wire.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return prog, nil
}

// loadProgram reads a program file, falling back to the program cache
// when ref is a hash and no such file exists.
func loadProgram(cfg *config.Config, ref string) (*vm.Program, error) {
	if _, err := os.Stat(ref); err != nil {
		if h, herr := wire.ParseHash(ref); herr == nil {
			cache, err := openCache(cfg)
			if err != nil {
				return nil, err
			}
			defer cache.Close()
			return cache.Get(h)
		}
	}
	return readProgram(ref)
}

// parseArg converts a command-line argument to a VM value. Integers,
// floats and booleans are recognized.
func parseArg(s string) (vm.Value, error) {
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		return vm.Int(n), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return vm.Float64(f), nil
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return vm.Bool(b), nil
	}
	return vm.Value{}, fmt.Errorf("cannot use %q as an argument", s)
}

func handleRunCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file (default: search for "+config.FileName+")")
	cacheDB := fs.String("cache", "", "Program cache database, for running by hash")
	entry := fs.String("entry", "", "Function to run (default: the program's entry)")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("run requires a program file or cached hash")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *cacheDB != "" {
		cfg.Cache.Path = *cacheDB
	}
	prog, err := loadProgram(cfg, fs.Arg(0))
	if err != nil {
		return err
	}

	var vals []vm.Value
	for _, a := range fs.Args()[1:] {
		v, err := parseArg(a)
		if err != nil {
			return err
		}
		vals = append(vals, v)
	}

	machine, err := vm.New(prog, cfg.Options())
	if err != nil {
		return err
	}
	defer machine.Close()

	ctx := context.Background()
	var results []vm.Value
	if *entry != "" {
		results, err = machine.Call(ctx, *entry, vals...)
	} else {
		results, err = machine.Run(ctx, vals...)
	}
	if err != nil {
		return err
	}
	defer machine.Release(results...)

	out, err := machine.Store().ExportAll(results)
	if err != nil {
		return err
	}
	for _, v := range out {
		fmt.Println(v)
	}
	return nil
}

func handleDisasmCommand(args []string) error {
	fs := flag.NewFlagSet("disasm", flag.ExitOnError)
	color := fs.Bool("color", isatty.IsTerminal(os.Stdout.Fd()), "Highlight function headers")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("disasm requires a program file")
	}
	prog, err := readProgram(fs.Arg(0))
	if err != nil {
		return err
	}
	text := prog.Disassemble()
	if *color {
		text = highlight(text)
	}
	fmt.Print(text)
	return nil
}

// highlight bolds function headers and dims the other comment lines of a
// disassembly.
func highlight(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "; ==="):
			lines[i] = "\x1b[1m" + line + "\x1b[0m"
		case strings.HasPrefix(line, ";"):
			lines[i] = "\x1b[2m" + line + "\x1b[0m"
		}
	}
	return strings.Join(lines, "\n")
}
