package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/haitao-520/cursor-ESP8266/internal/config"
	"github.com/haitao-520/cursor-ESP8266/internal/server"
)

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var addr string
	fs.StringVar(&addr, "addr", "", "Relay address (default: the port of 'relay serve' on 127.0.0.1)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: relay status [options]\n\nShow the status of a relay running on this machine.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	target := statusTarget(addr)
	status, err := queryRelayStatus(target)
	if err != nil {
		fmt.Fprintf(stderr, "Error: relay not reachable at %s: %v\n", target, err)
		return 1
	}

	writeStatusOutput(stdout, status)
	return 0
}

// statusTarget maps a listen address to a loopback address, since /status
// only answers local callers.
func statusTarget(addr string) string {
	if addr == "" {
		addr = config.DefaultListenAddr()
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return net.JoinHostPort("127.0.0.1", port)
}

func queryRelayStatus(addr string) (*server.StatusResponse, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + addr + "/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var status server.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &status, nil
}

func writeStatusOutput(w io.Writer, s *server.StatusResponse) {
	fmt.Fprintf(w, "Relay status:\n")
	fmt.Fprintf(w, "  Listening:       %s\n", s.ListeningAddress)
	fmt.Fprintf(w, "  Uptime:          %s\n", (time.Duration(s.UptimeSeconds) * time.Second).String())
	fmt.Fprintf(w, "  Sessions:        %d\n", s.Sessions)
	fmt.Fprintf(w, "  Clients:         %d\n", s.Clients)
	devices := "none"
	if len(s.Devices) > 0 {
		devices = strings.Join(s.Devices, ", ")
	}
	fmt.Fprintf(w, "  Devices online:  %s\n", devices)
	fmt.Fprintf(w, "  Replace policy:  %s\n", s.ReplacePolicy)
	if s.RSSBytes > 0 {
		fmt.Fprintf(w, "  Memory (RSS):    %.1f MiB\n", float64(s.RSSBytes)/(1<<20))
	}
}
