package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"github.com/haitao-520/cursor-ESP8266/internal/config"
	"github.com/haitao-520/cursor-ESP8266/internal/credentials"
)

// secretBytes is the entropy of a generated device secret.
const secretBytes = 16

// resolveCredentialsDB returns path, or the default database location.
func resolveCredentialsDB(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	return config.DefaultCredentialsDBPath()
}

// formatDuration formats a duration in a human-readable way.
// Examples: "just now", "5m ago", "2h ago", "3d ago"
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "in the future"
	}
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

func generateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func runDevicesAdd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("devices add", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var dbPath, name, secret string
	fs.StringVar(&dbPath, "credentials-db", "", "Provisioning database (default: ~/.rcrelay/devices.db)")
	fs.StringVar(&name, "name", "", "Human-readable device name")
	fs.StringVar(&secret, "secret", "", "Device secret (default: randomly generated)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: relay devices add [options] <device-id>\n\nProvision a device. The secret is stored as a bcrypt hash.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Error: exactly one device ID required")
		fs.Usage()
		return 1
	}
	deviceID := fs.Arg(0)

	path, err := resolveCredentialsDB(dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		fmt.Fprintf(stderr, "Error: failed to create database directory: %v\n", err)
		return 1
	}

	generated := secret == ""
	if generated {
		if secret, err = generateSecret(); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	store, err := credentials.NewSQLiteStore(path, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open provisioning database: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := store.AddDevice(context.Background(), deviceID, name, secret); err != nil {
		fmt.Fprintf(stderr, "Error: failed to add device: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Device %s provisioned.\n", deviceID)
	if generated {
		fmt.Fprintf(stdout, "Secret: %s\n", secret)
		fmt.Fprintln(stdout, "Flash this secret into the device firmware; it cannot be shown again.")
	}
	return 0
}

func runDevicesList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("devices list", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var dbPath string
	fs.StringVar(&dbPath, "credentials-db", "", "Provisioning database (default: ~/.rcrelay/devices.db)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: relay devices list [options]\n\nList provisioned devices.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	path, err := resolveCredentialsDB(dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintln(stdout, "No provisioned devices found.")
		return 0
	}

	store, err := credentials.NewSQLiteStore(path, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open provisioning database: %v\n", err)
		return 1
	}
	defer store.Close()

	devices, err := store.ListDevices(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to list devices: %v\n", err)
		return 1
	}

	if len(devices) == 0 {
		fmt.Fprintln(stdout, "No provisioned devices found.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE ID\tNAME\tCREATED")
	fmt.Fprintln(w, "---------\t----\t-------")

	now := time.Now()
	for _, device := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\n", device.ID, device.Name, formatDuration(now.Sub(device.CreatedAt)))
	}
	w.Flush()

	return 0
}

func runDevicesRemove(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("devices remove", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var dbPath string
	fs.StringVar(&dbPath, "credentials-db", "", "Provisioning database (default: ~/.rcrelay/devices.db)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: relay devices remove [options] <device-id>\n\nRemove a provisioned device. A session it already holds stays open until it disconnects.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Error: exactly one device ID required")
		fs.Usage()
		return 1
	}
	deviceID := fs.Arg(0)

	path, err := resolveCredentialsDB(dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(stderr, "Error: device not found: %s\n", deviceID)
		return 1
	}

	store, err := credentials.NewSQLiteStore(path, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open provisioning database: %v\n", err)
		return 1
	}
	defer store.Close()

	removed, err := store.RemoveDevice(context.Background(), deviceID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to remove device: %v\n", err)
		return 1
	}
	if !removed {
		fmt.Fprintf(stderr, "Error: device not found: %s\n", deviceID)
		return 1
	}

	fmt.Fprintf(stdout, "Device %s removed.\n", deviceID)
	return 0
}
