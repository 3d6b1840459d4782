package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// appConfig mirrors the Agent's, extended with the Master-only pieces: the
// client-facing text-protocol listener, the configured agent MAC table and
// the ingest/assembly tuning knobs (spec §6.5, §4.8, §4.9).
type appConfig struct {
	debug       bool
	pidFile     string
	confFile    string
	rtif        string
	rtskbs      int
	tdmaDev     string
	tango       uint64
	version     string
	logFormat   string
	logLevel    string
	metricsAddr string

	tcpPort   int
	ipAddr    string
	agents    [][6]byte
	arenaMB   int
	autosave  int
	timeBinPS float64

	mdnsEnable bool
	mdnsName   string
}

const defaultPidFile = "/var/run/atmd_server.pid"

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	debug := flag.Bool("d", false, "Enable debug logging")
	pidFile := flag.String("p", defaultPidFile, "PID file path (parsed, not daemonized)")
	confFile := flag.String("c", "", "INI configuration file path")
	rtif := flag.String("rtif", "rteth0", "Real-time network interface name")
	rtskbs := flag.Int("rtskbs", 64, "RTnet packet pool size (buffers)")
	tcpPort := flag.Int("n", 22000, "Client text-protocol TCP port")
	ipAddr := flag.String("i", "", "Bind address for the text-protocol listener (empty = all interfaces)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	protoVersion := flag.String("proto-version", "1.0", "Agent/Master wire protocol version string")
	arenaMB := flag.Int("arena-mb", 10, "Ingest queue arena size in MB")
	autosave := flag.Int("autosave", 0, "Autosave current measure every N sealed starts (0 disables)")
	timeBinPS := flag.Float64("time-bin-ps", 25000.0/2, "Time-to-digital bin width in picoseconds")
	mdnsEnable := flag.Bool("mdns-enable", false, "Advertise the text-protocol port via mDNS")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default atmd-master-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.debug = *debug
	cfg.pidFile = *pidFile
	cfg.confFile = *confFile
	cfg.rtif = *rtif
	cfg.rtskbs = *rtskbs
	cfg.tcpPort = *tcpPort
	cfg.ipAddr = *ipAddr
	cfg.logFormat = *logFormat
	cfg.logLevel = "info"
	if cfg.debug {
		cfg.logLevel = "debug"
	}
	cfg.metricsAddr = *metricsAddr
	cfg.version = *protoVersion
	cfg.arenaMB = *arenaMB
	cfg.autosave = *autosave
	cfg.timeBinPS = *timeBinPS
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.tango = 1000

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if cfg.confFile != "" {
		if err := applyConfigFile(cfg, cfg.confFile, setFlags); err != nil {
			fmt.Printf("configuration file error: %v\n", err)
			return nil, *showVersion
		}
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

func (c *appConfig) validate() error {
	if c.rtif == "" {
		return fmt.Errorf("rtif must not be empty")
	}
	if c.rtskbs <= 0 {
		return fmt.Errorf("rtskbs must be > 0 (got %d)", c.rtskbs)
	}
	if c.tcpPort <= 0 || c.tcpPort > 65535 {
		return fmt.Errorf("invalid tcp port: %d", c.tcpPort)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if c.tango == 0 {
		return fmt.Errorf("tango must be > 0")
	}
	if c.arenaMB <= 0 {
		return fmt.Errorf("arena-mb must be > 0")
	}
	if len(c.agents) == 0 {
		return fmt.Errorf("no agents configured: at least one agent MAC entry in [server] is required")
	}
	return nil
}

func (c *appConfig) listenAddr() string {
	return net.JoinHostPort(c.ipAddr, strconv.Itoa(c.tcpPort))
}

func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["rtif"]; !ok {
		if v, ok := get("ATMD_MASTER_RTIF"); ok && v != "" {
			c.rtif = v
		}
	}
	if _, ok := set["rtskbs"]; !ok {
		if v, ok := get("ATMD_MASTER_RTSKBS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.rtskbs = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ATMD_MASTER_RTSKBS: %w", err)
			}
		}
	}
	if _, ok := set["n"]; !ok {
		if v, ok := get("ATMD_MASTER_TCP_PORT"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.tcpPort = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ATMD_MASTER_TCP_PORT: %w", err)
			}
		}
	}
	if _, ok := set["i"]; !ok {
		if v, ok := get("ATMD_MASTER_IP"); ok {
			c.ipAddr = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("ATMD_MASTER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("ATMD_MASTER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["c"]; !ok {
		if v, ok := get("ATMD_MASTER_CONF"); ok && v != "" {
			c.confFile = v
		}
	}
	return firstErr
}

// applyConfigFile loads the [server] section of an INI file (spec §6.5),
// including the repeatable "agent <MAC>" key that builds the configured
// agent table internal/master/ctrl.New needs.
func applyConfigFile(c *appConfig, path string, set map[string]struct{}) error {
	f, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, path)
	if err != nil {
		return fmt.Errorf("load %q: %w", path, err)
	}
	sec := f.Section("server")
	if _, ok := set["rtif"]; !ok && sec.HasKey("rtif") {
		c.rtif = sec.Key("rtif").String()
	}
	if _, ok := set["rtskbs"]; !ok && sec.HasKey("rtskbs") {
		if n, err := sec.Key("rtskbs").Int(); err == nil && n > 0 {
			c.rtskbs = n
		}
	}
	if sec.HasKey("tdma") {
		c.tdmaDev = sec.Key("tdma").String()
	}
	if sec.HasKey("tango") {
		if n, err := sec.Key("tango").Uint64(); err == nil && n > 0 {
			c.tango = n
		}
	}
	macs, err := sec.Key("agent").StringsWithShadows("\x00")
	if err != nil {
		return fmt.Errorf("parse agent keys: %w", err)
	}
	for _, raw := range macs {
		mac, err := net.ParseMAC(strings.TrimSpace(raw))
		if err != nil || len(mac) != 6 {
			return fmt.Errorf("invalid agent MAC %q: %w", raw, err)
		}
		var m [6]byte
		copy(m[:], mac)
		c.agents = append(c.agents, m)
	}
	return nil
}

func tdmaCyclePeriod(c *appConfig) time.Duration {
	return time.Duration(c.tango) * time.Microsecond
}
