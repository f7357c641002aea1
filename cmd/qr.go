package main

import (
	"fmt"
	"io"
	"net"

	"github.com/skip2/go-qrcode"
)

// relayURL returns the WebSocket URL peers should use for a relay bound to
// addr. A wildcard host is replaced by the machine's outbound LAN address.
func relayURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "ws://" + addr + "/ws"
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
		if lan := getPreferredOutboundIP(); lan != "" {
			host = lan
		}
	}
	return "ws://" + net.JoinHostPort(host, port) + "/ws"
}

// displayRelayQR prints url as a terminal QR code so a phone on the same
// network can open the control client.
func displayRelayQR(w io.Writer, url string) {
	qr, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "Error generating QR code: %v\n", err)
		return
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "         SCAN TO CONNECT")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
	fmt.Fprint(w, qr.ToSmallString(false))
	fmt.Fprintln(w, "-------------------------------------------")
	fmt.Fprintf(w, "  %s\n", url)
	fmt.Fprintln(w, "-------------------------------------------")
}

// getPreferredOutboundIP returns the local IP the OS would use for
// outbound traffic, or "" when offline. No packets are sent.
func getPreferredOutboundIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
