package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/haitao-520/cursor-ESP8266/internal/config"
	"github.com/haitao-520/cursor-ESP8266/internal/credentials"
	"github.com/haitao-520/cursor-ESP8266/internal/logging"
	"github.com/haitao-520/cursor-ESP8266/internal/mdns"
	"github.com/haitao-520/cursor-ESP8266/internal/relay"
	"github.com/haitao-520/cursor-ESP8266/internal/server"
	"github.com/haitao-520/cursor-ESP8266/internal/telemetry"
)

// ServeConfig holds the configuration for the serve command after flags
// and the config file are merged.
type ServeConfig struct {
	Config          string
	Addr            string
	LogLevel        string
	LogFormat       string
	CredentialsFile string
	CredentialsDB   string
	ReplacePolicy   string
	ClampCommands   bool
	StaticDir       string
	MdnsEnabled     bool
	MdnsName        string
	QR              bool
	RateLimit       float64
	RateBurst       int
	Devices         map[string]string
	MQTT            config.MQTTConfig
}

func runServe(args []string, stdout, stderr io.Writer) int {
	cfg, code, ok := parseServeConfig(args, stderr)
	if !ok {
		return code
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	policy, err := relay.ParseReplacePolicy(cfg.ReplacePolicy)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	creds, closeCreds, err := buildCredentials(cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeCreds()

	opts := relay.Options{
		Credentials:   creds,
		ReplacePolicy: policy,
		ClampCommands: cfg.ClampCommands,
		Logger:        logger.With().Str("component", "relay").Logger(),
	}

	if cfg.MQTT.Enabled {
		mirror := telemetry.NewMQTTMirror(
			telemetry.NewPahoClient(cfg.MQTT.Broker, cfg.MQTT.ClientID),
			cfg.MQTT.TopicPrefix, byte(cfg.MQTT.QoS), logger)
		if err := mirror.Start(); err != nil {
			// The relay is useful without its mirror.
			logger.Error().Err(err).Str("broker", cfg.MQTT.Broker).Msg("telemetry mirror disabled")
		} else {
			defer mirror.Close()
			opts.Mirror = mirror
		}
	}

	srv := server.NewServer(cfg.Addr, relay.New(opts), logger)
	srv.SetInputRate(cfg.RateLimit, cfg.RateBurst)
	if cfg.StaticDir != "" {
		srv.SetStaticDir(cfg.StaticDir)
	}
	srv.SetStatusHandler(server.NewStatusHandler(srv, string(policy)))

	if err := <-srv.StartAsync(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	url := relayURL(srv.Addr())
	fmt.Fprintf(stdout, "Relay listening on %s\n", srv.Addr())
	fmt.Fprintf(stdout, "Devices and clients connect to %s\n", url)
	if cfg.QR {
		displayRelayQR(stdout, url)
	}

	if cfg.MdnsEnabled {
		_, portStr, _ := net.SplitHostPort(srv.Addr())
		port, _ := strconv.Atoi(portStr)
		advertiser := mdns.NewAdvertiser(mdns.Config{Port: port, Name: cfg.MdnsName})
		if err := advertiser.Start(); err != nil {
			logger.Warn().Err(err).Msg("mdns advertisement failed")
		} else {
			defer advertiser.Stop()
			logger.Info().Str("service", mdns.ServiceType).Int("port", port).Msg("advertising relay via mdns")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	fmt.Fprintln(stdout, "\nShutting down...")
	if err := srv.Stop(); err != nil {
		logger.Warn().Err(err).Msg("error during shutdown")
	}
	return 0
}

// parseServeConfig parses flags and merges the config file underneath
// them. On failure ok is false and code is the exit code.
func parseServeConfig(args []string, stderr io.Writer) (cfg *ServeConfig, code int, ok bool) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg = &ServeConfig{}

	fs.StringVar(&cfg.Config, "config", "", "Path to config file (default: ~/.rcrelay/config.toml)")
	fs.StringVar(&cfg.Addr, "addr", "", "Listen address (default: 0.0.0.0:3000, or 0.0.0.0:$PORT)")
	fs.StringVar(&cfg.LogLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	fs.StringVar(&cfg.LogFormat, "log-format", "", "Log format: console or json (default: console)")
	fs.StringVar(&cfg.CredentialsFile, "credentials-file", "", "YAML device provisioning file")
	fs.StringVar(&cfg.CredentialsDB, "credentials-db", "", "SQLite provisioning database (default: ~/.rcrelay/devices.db if present)")
	fs.StringVar(&cfg.ReplacePolicy, "replace-policy", "", "Superseded device sessions: close or keep (default: close)")
	fs.BoolVar(&cfg.ClampCommands, "clamp-commands", false, "Clamp speed and direction to firmware ranges")
	fs.StringVar(&cfg.StaticDir, "static-dir", "", "Directory served at / (browser control client)")
	fs.BoolVar(&cfg.MdnsEnabled, "mdns", false, "Advertise the relay via mDNS (LAN-visible)")
	fs.BoolVar(&cfg.QR, "qr", false, "Print the relay URL as a QR code")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: relay serve [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, 0, false
		}
		return nil, 1, false
	}

	// Track which flags were explicitly set on the command line so
	// booleans can be forced off with --flag=false.
	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	fileCfg, err := config.Load(cfg.Config)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, 1, false
	}

	mergeServeConfig(cfg, fileCfg, explicitFlags)
	return cfg, 0, true
}

// mergeServeConfig fills values not given on the command line from the
// config file, then applies defaults.
func mergeServeConfig(cfg *ServeConfig, fileCfg *config.Config, explicitFlags map[string]bool) {
	if cfg.Addr == "" {
		cfg.Addr = fileCfg.Addr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = fileCfg.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = fileCfg.LogFormat
	}
	if cfg.CredentialsFile == "" {
		cfg.CredentialsFile = fileCfg.CredentialsFile
	}
	if cfg.CredentialsDB == "" {
		cfg.CredentialsDB = fileCfg.CredentialsDB
	}
	if cfg.ReplacePolicy == "" {
		cfg.ReplacePolicy = fileCfg.ReplacePolicy
	}
	if cfg.StaticDir == "" {
		cfg.StaticDir = fileCfg.StaticDir
	}
	if !explicitFlags["clamp-commands"] {
		cfg.ClampCommands = fileCfg.ClampCommands
	}
	if !explicitFlags["mdns"] {
		cfg.MdnsEnabled = fileCfg.MdnsEnabled
	}
	if !explicitFlags["qr"] {
		cfg.QR = fileCfg.QR
	}
	cfg.MdnsName = fileCfg.MdnsName
	cfg.RateLimit = fileCfg.RateLimit
	cfg.RateBurst = fileCfg.RateBurst
	cfg.Devices = fileCfg.Devices
	cfg.MQTT = fileCfg.MQTT

	if cfg.Addr == "" {
		cfg.Addr = config.DefaultListenAddr()
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = config.DefaultMQTTClientID
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = config.DefaultMQTTTopicPrefix
	}
}

// buildCredentials assembles the credential chain: the config file's
// [devices] table, then the YAML provisioning file, then the SQLite
// database. The returned func closes whatever was opened.
func buildCredentials(cfg *ServeConfig, logger zerolog.Logger) (credentials.Store, func(), error) {
	var chain credentials.Chain
	closers := []func(){}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if len(cfg.Devices) > 0 {
		chain = append(chain, credentials.NewStaticStore(cfg.Devices))
		logger.Info().Int("devices", len(cfg.Devices)).Msg("credentials: loaded from config")
	}

	if cfg.CredentialsFile != "" {
		fileStore, err := credentials.LoadFileStore(cfg.CredentialsFile)
		if err != nil {
			return nil, closeAll, err
		}
		chain = append(chain, fileStore)
		logger.Info().Int("devices", fileStore.Len()).Str("path", fileStore.Path()).Msg("credentials: loaded provisioning file")
	}

	dbPath := cfg.CredentialsDB
	if dbPath == "" {
		// Only use the default database if 'relay devices add' created it.
		if p, err := config.DefaultCredentialsDBPath(); err == nil {
			if _, err := os.Stat(p); err == nil {
				dbPath = p
			}
		}
	}
	if dbPath != "" {
		db, err := credentials.NewSQLiteStore(dbPath, logger)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("open credentials database: %w", err)
		}
		closers = append(closers, func() { db.Close() })
		chain = append(chain, db)
		logger.Info().Str("path", dbPath).Msg("credentials: using provisioning database")
	}

	if len(chain) == 0 {
		logger.Warn().Msg("no devices provisioned; every device authentication will fail")
	}
	return chain, closeAll, nil
}
