package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	deviceIndex     int
	channel         int
	bitrate         uint
	timing0         int // raw BTR0; -1 = unset
	timing1         int // raw BTR1; -1 = unset
	pollInterval    time.Duration
	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	backend         string
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	deviceIndex := flag.Int("device-index", 0, "Which Canalyst-II to use when several are connected")
	channel := flag.Int("channel", 0, "Adapter CAN channel to bridge (0 or 1)")
	bitrate := flag.Uint("bitrate", 500000, "CAN bit rate in bit/s (one of the supported nominal rates)")
	timing0 := flag.Int("timing0", -1, "Raw BTR0 timing register (with --timing1, replaces --bitrate)")
	timing1 := flag.Int("timing1", -1, "Raw BTR1 timing register (with --timing0, replaces --bitrate)")
	pollInterval := flag.Duration("poll-interval", 5*time.Millisecond, "Idle delay between RX polls of the adapter")
	listen := flag.String("listen", ":20000", "TCP listen address")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	hubBuf := flag.Int("hub-buffer", 512, "Per-client hub buffer (frames)")
	hubPolicy := flag.String("hub-policy", "drop", "Backpressure policy: drop|kick")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	backend := flag.String("backend", "canalyst", "CAN backend: canalyst|loopback (loopback echoes client frames, no hardware)")
	maxClients := flag.Int("max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	handshakeTO := flag.Duration("handshake-timeout", 3*time.Second, "Client handshake timeout")
	clientReadTO := flag.Duration("client-read-timeout", 60*time.Second, "Per-connection read deadline")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement (packaged systemd unit enables by default)")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default can-server-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.deviceIndex = *deviceIndex
	cfg.channel = *channel
	cfg.bitrate = *bitrate
	cfg.timing0 = *timing0
	cfg.timing1 = *timing1
	cfg.pollInterval = *pollInterval
	cfg.listenAddr = *listen
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.hubBuffer = *hubBuf
	cfg.hubPolicy = *hubPolicy
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.backend = *backend
	cfg.maxClients = *maxClients
	cfg.handshakeTO = *handshakeTO
	cfg.clientReadTO = *clientReadTO
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	// Raw timings win over the bitrate default, but only when neither
	// was given explicitly on the command line.
	if _, ok := setFlags["bitrate"]; !ok && cfg.timing0 >= 0 && cfg.timing1 >= 0 {
		cfg.bitrate = 0
	}

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners, only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "canalyst", "loopback":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.deviceIndex < 0 {
		return fmt.Errorf("device-index must be >= 0 (got %d)", c.deviceIndex)
	}
	if c.channel != 0 && c.channel != 1 {
		return fmt.Errorf("channel must be 0 or 1 (got %d)", c.channel)
	}
	if (c.timing0 >= 0) != (c.timing1 >= 0) {
		return errors.New("timing0 and timing1 must be set together")
	}
	if c.timing0 >= 0 && c.bitrate != 0 {
		return errors.New("bitrate and timing0/timing1 are mutually exclusive")
	}
	if c.timing0 < 0 && c.bitrate == 0 {
		return errors.New("either bitrate or timing0/timing1 is required")
	}
	if c.timing0 > 0xFFFFFFF || c.timing1 > 0xFFFFFFF {
		return errors.New("timing register value out of range")
	}
	if c.pollInterval <= 0 {
		return fmt.Errorf("poll-interval must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps CANALYST_SERVER_* environment variables to config fields
// unless a corresponding flag was explicitly set. Boolean & numeric parsing is lax:
// empty values ignored. Duration accepts Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	envInt := func(flagName, envName string, apply func(int)) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(envName); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				apply(n)
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", envName, err)
			}
		}
	}
	envDuration := func(flagName, envName string, apply func(time.Duration)) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(envName); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				apply(d)
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", envName, err)
			}
		}
	}
	envString := func(flagName, envName string, apply func(string)) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(envName); ok && v != "" {
			apply(v)
		}
	}

	envInt("device-index", "CANALYST_SERVER_DEVICE_INDEX", func(n int) { c.deviceIndex = n })
	envInt("channel", "CANALYST_SERVER_CHANNEL", func(n int) { c.channel = n })
	envInt("bitrate", "CANALYST_SERVER_BITRATE", func(n int) {
		if n >= 0 {
			c.bitrate = uint(n)
		}
	})
	envInt("timing0", "CANALYST_SERVER_TIMING0", func(n int) { c.timing0 = n })
	envInt("timing1", "CANALYST_SERVER_TIMING1", func(n int) { c.timing1 = n })
	envDuration("poll-interval", "CANALYST_SERVER_POLL_INTERVAL", func(d time.Duration) { c.pollInterval = d })
	envString("listen", "CANALYST_SERVER_LISTEN", func(v string) { c.listenAddr = v })
	envString("log-format", "CANALYST_SERVER_LOG_FORMAT", func(v string) { c.logFormat = v })
	envString("log-level", "CANALYST_SERVER_LOG_LEVEL", func(v string) { c.logLevel = v })
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CANALYST_SERVER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	envInt("hub-buffer", "CANALYST_SERVER_HUB_BUFFER", func(n int) {
		if n > 0 {
			c.hubBuffer = n
		}
	})
	envString("hub-policy", "CANALYST_SERVER_HUB_POLICY", func(v string) { c.hubPolicy = v })
	envString("backend", "CANALYST_SERVER_BACKEND", func(v string) { c.backend = v })
	envInt("max-clients", "CANALYST_SERVER_MAX_CLIENTS", func(n int) {
		if n >= 0 {
			c.maxClients = n
		}
	})
	envDuration("handshake-timeout", "CANALYST_SERVER_HANDSHAKE_TIMEOUT", func(d time.Duration) { c.handshakeTO = d })
	envDuration("client-read-timeout", "CANALYST_SERVER_CLIENT_READ_TIMEOUT", func(d time.Duration) { c.clientReadTO = d })
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CANALYST_SERVER_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	envString("mdns-name", "CANALYST_SERVER_MDNS_NAME", func(v string) { c.mdnsName = v })
	envDuration("log-metrics-interval", "CANALYST_SERVER_LOG_METRICS_INTERVAL", func(d time.Duration) { c.logMetricsEvery = d })
	return firstErr
}
