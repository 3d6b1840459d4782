package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// appConfig mirrors the teacher's cmd/can-server/appConfig: one flat struct
// filled from flags, environment overrides, then the INI config file for
// whatever flags were left at their default.
type appConfig struct {
	debug       bool
	pidFile     string
	confFile    string
	rtif        string
	rtskbs      int
	tdmaDev     string
	tango       uint64
	listenAddr  string // agent's own control-plane peer, purely informational
	logFormat   string
	logLevel    string
	metricsAddr string
	version     string
}

const defaultPidFile = "/var/run/atmd_server.pid"

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	debug := flag.Bool("d", false, "Enable debug logging")
	pidFile := flag.String("p", defaultPidFile, "PID file path (parsed, not daemonized)")
	confFile := flag.String("c", "", "INI configuration file path")
	rtif := flag.String("rtif", "rteth0", "Real-time network interface name")
	rtskbs := flag.Int("rtskbs", 64, "RTnet packet pool size (buffers)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	protoVersion := flag.String("proto-version", "1.0", "Agent/Master wire protocol version string")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.debug = *debug
	cfg.pidFile = *pidFile
	cfg.confFile = *confFile
	cfg.rtif = *rtif
	cfg.rtskbs = *rtskbs
	cfg.logFormat = *logFormat
	cfg.logLevel = "info"
	if cfg.debug {
		cfg.logLevel = "debug"
	}
	cfg.metricsAddr = *metricsAddr
	cfg.version = *protoVersion
	cfg.tango = 1000 // default TDMA cycle period, microseconds

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
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if c.tango == 0 {
		return fmt.Errorf("tango must be > 0")
	}
	return nil
}

// applyEnvOverrides maps ATMD_AGENT_* environment variables onto cfg,
// skipping any field whose flag was explicitly set, mirroring the teacher's
// applyEnvOverrides in cmd/can-server/config.go.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["rtif"]; !ok {
		if v, ok := get("ATMD_AGENT_RTIF"); ok && v != "" {
			c.rtif = v
		}
	}
	if _, ok := set["rtskbs"]; !ok {
		if v, ok := get("ATMD_AGENT_RTSKBS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.rtskbs = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ATMD_AGENT_RTSKBS: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("ATMD_AGENT_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("ATMD_AGENT_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["c"]; !ok {
		if v, ok := get("ATMD_AGENT_CONF"); ok && v != "" {
			c.confFile = v
		}
	}
	return firstErr
}

// applyConfigFile loads the [agent] section of an INI file (spec §6.5),
// only filling fields whose flag wasn't explicitly set.
func applyConfigFile(c *appConfig, path string, set map[string]struct{}) error {
	f, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("load %q: %w", path, err)
	}
	sec := f.Section("agent")
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
	return nil
}

func tdmaCyclePeriod(c *appConfig) time.Duration {
	return time.Duration(c.tango) * time.Microsecond
}
