package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/haitao-520/cursor-ESP8266/internal/config"
)

func runInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var path string
	fs.StringVar(&path, "config", "", "Where to write the config file (default: ~/.rcrelay/config.toml)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: relay init [options]\n\nWrite an example config file. An existing file is left untouched.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if path == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		path = p
	}

	if err := config.WriteDefault(path); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Config: %s\n", path)
	return 0
}
