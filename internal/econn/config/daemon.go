package config

import (
	"flag"
	"os"
	"strconv"
)

// DaemonConfig holds cmd/econnd's process-level settings: the control
// API address, which transport binding new connections use, and the
// SIP listener settings sipmsg needs. Its own fields come from flags
// overlaid by environment variables; Conn comes from Load, which reads
// environment variables only. It carries daemon settings a single connection has no opinion on
// (transport is an external collaborator).
type DaemonConfig struct {
	Conn Config // per-connection timer defaults

	APIAddr string // control API listen address, e.g. ":8088"

	// Transport selects which conn.Transport binding new connections
	// get: "memory" (in-process loopback, for demos) or "sip" (sipmsg).
	Transport string

	SIPBindAddr string
	SIPPort     int

	LogLevel string
}

// DefaultAPIAddr is the control API's default listen address.
const DefaultAPIAddr = ":8088"

// DefaultSIPPort is sipmsg's default listen port when Transport is "sip".
const DefaultSIPPort = 5070

// LoadDaemon builds a DaemonConfig from command line flags, then
// environment variables overriding them. The per-connection timeouts
// have no flags; they come from Load's environment variables.
func LoadDaemon() *DaemonConfig {
	cfg := &DaemonConfig{
		Conn:      Default(),
		APIAddr:   DefaultAPIAddr,
		Transport: "memory",
		LogLevel:  "debug",
	}

	flag.StringVar(&cfg.APIAddr, "api", cfg.APIAddr, "control API listen address")
	flag.StringVar(&cfg.Transport, "transport", cfg.Transport, "connection transport binding: memory or sip")
	flag.StringVar(&cfg.SIPBindAddr, "sip-bind", "0.0.0.0", "sipmsg transport bind address")
	flag.IntVar(&cfg.SIPPort, "sip-port", DefaultSIPPort, "sipmsg transport listen port")
	flag.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "log level (debug, info, warn, error)")
	flag.Parse()

	if v := os.Getenv("ECONND_API_ADDR"); v != "" {
		cfg.APIAddr = v
	}
	if v := os.Getenv("ECONND_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("ECONND_SIP_BIND"); v != "" {
		cfg.SIPBindAddr = v
	}
	if v := os.Getenv("ECONND_SIP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.SIPPort = p
		}
	}
	if v := os.Getenv("ECONND_LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.Conn = Load()
	return cfg
}
