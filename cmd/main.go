package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v1.0.0" ./cmd
var Version = "dev"

const usage = `relay - real-time relay between remote-controlled devices and their control clients

Usage:
  relay <command> [options]

Commands:
  init                   Write an example config file
  serve                  Start the relay
  status                 Show status of a running relay
  devices add <id>       Provision a device secret
  devices list           List provisioned devices
  devices remove <id>    Remove a provisioned device
  version                Print the version
Run 'relay <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "init":
		return runInit(args[2:], stdout, stderr)
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "devices":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: relay devices <add|list|remove>")
			return 1
		}
		switch args[2] {
		case "add":
			return runDevicesAdd(args[3:], stdout, stderr)
		case "list":
			return runDevicesList(args[3:], stdout, stderr)
		case "remove":
			return runDevicesRemove(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown devices command: %s\n", args[2])
			return 1
		}
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "relay %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
