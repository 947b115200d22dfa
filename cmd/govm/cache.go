package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/chazu/govm/config"
	"github.com/chazu/govm/vm/wire"
)

// handleCacheCommand processes the `govm cache` subcommand.
// Usage:
//
//	govm cache put prog.govm...   # store programs, print their hashes
//	govm cache ls                 # list stored programs
//	govm cache rm <hash>...       # remove programs
func handleCacheCommand(args []string) error {
	fs := flag.NewFlagSet("cache", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file (default: search for "+config.FileName+")")
	cacheDB := fs.String("cache", "", "Program cache database, overrides the configuration")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("cache requires one of: put, ls, rm")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *cacheDB != "" {
		cfg.Cache.Path = *cacheDB
	}
	cache, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer cache.Close()

	rest := fs.Args()[1:]
	switch fs.Arg(0) {
	case "put":
		for _, path := range rest {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			h, err := cache.Put(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("%s  %s\n", wire.HashString(h), path)
		}

	case "ls":
		entries, err := cache.List()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "HASH\tENTRY\tSIZE\tCREATED")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
				wire.HashString(e.Hash), e.Entry, e.Size, e.Created.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()

	case "rm":
		for _, s := range rest {
			h, err := wire.ParseHash(s)
			if err != nil {
				return err
			}
			if err := cache.Delete(h); err != nil {
				return fmt.Errorf("%s: %w", s, err)
			}
		}

	default:
		return fmt.Errorf("unknown cache command %q", fs.Arg(0))
	}
	return nil
}
