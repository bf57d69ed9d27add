// Command microps runs the protocol stack as a standalone daemon: it
// brings up a loopback device and, optionally, a Linux TAP interface,
// then serves the loopback-only HTTP introspection and metrics surface
// until SIGINT/SIGTERM.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/AlaAlba/microps/internal/control"
	"github.com/AlaAlba/microps/internal/driver"
	"github.com/AlaAlba/microps/internal/netstack"
)

const (
	defaultControlAddr = "127.0.0.1:7080"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Config holds every daemon setting, resolved from flags with
// environment variable fallbacks, matching the teacher daemon's
// getenv-then-flag convention.
type Config struct {
	Verbose     bool
	ControlAddr string

	TapName    string
	TapHWAddr  string
	TapAddr    string
	TapNetmask string
	Gateway    string

	StaticARP []string
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func loadConfig() Config {
	var cfg Config

	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")
	flag.StringVar(&cfg.ControlAddr, "control-addr", getenv("CONTROL_ADDR", defaultControlAddr), "address to serve /arp, /routes, /udp, /tcp and /metrics on (env: CONTROL_ADDR)")

	flag.StringVar(&cfg.TapName, "tap-name", getenv("TAP_NAME", ""), "Linux TAP device name to attach (env: TAP_NAME; leave empty to run loopback-only)")
	flag.StringVar(&cfg.TapHWAddr, "tap-hwaddr", getenv("TAP_HWADDR", ""), "hardware address to assign the TAP device (env: TAP_HWADDR)")
	flag.StringVar(&cfg.TapAddr, "tap-addr", getenv("TAP_ADDR", ""), "IPv4 address to bind the TAP interface to (env: TAP_ADDR)")
	flag.StringVar(&cfg.TapNetmask, "tap-netmask", getenv("TAP_NETMASK", ""), "IPv4 netmask for the TAP interface (env: TAP_NETMASK)")
	flag.StringVar(&cfg.Gateway, "gateway", getenv("GATEWAY", ""), "default gateway address, reachable over the TAP interface (env: GATEWAY)")

	var staticARPCSV string
	flag.StringVar(&staticARPCSV, "static-arp", getenv("STATIC_ARP", ""), "comma-separated ip=mac pairs to seed as permanent ARP entries (env: STATIC_ARP)")

	flag.Parse()

	for _, pair := range strings.Split(staticARPCSV, ",") {
		pair = strings.TrimSpace(pair)
		if pair != "" {
			cfg.StaticARP = append(cfg.StaticARP, pair)
		}
	}
	return cfg
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
	}))
}

func run() error {
	cfg := loadConfig()
	log := newLogger(cfg.Verbose)

	st := netstack.New(clockwork.NewRealClock(), log)

	lo := driver.NewLoopback(st.Demux, st.IRQs)
	if _, err := st.AddInterface(lo, net.IPv4(127, 0, 0, 1), net.CIDRMask(8, 32)); err != nil {
		return fmt.Errorf("microps: configuring loopback: %w", err)
	}

	if cfg.TapName != "" {
		if err := attachTap(st, cfg, log); err != nil {
			return fmt.Errorf("microps: configuring tap: %w", err)
		}
	}

	for _, pair := range cfg.StaticARP {
		ip, mac, err := parseARPPair(pair)
		if err != nil {
			return fmt.Errorf("microps: %w", err)
		}
		st.ARP.Cache().InsertStatic(ip, mac)
		log.Info("seeded static arp entry", "ip", ip, "mac", mac)
	}

	if err := st.Run(); err != nil {
		return fmt.Errorf("microps: starting stack: %w", err)
	}

	ctrl := control.NewServer(st)
	controlSrv := &http.Server{Addr: cfg.ControlAddr, Handler: ctrl}
	go func() {
		log.Info("control surface listening", "address", cfg.ControlAddr)
		if err := controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("control surface stopped", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	_ = controlSrv.Close()
	return st.Shutdown()
}

func parseARPPair(pair string) (net.IP, net.HardwareAddr, error) {
	parts := strings.SplitN(pair, "=", 2)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("malformed static-arp entry %q, want ip=mac", pair)
	}
	ip := net.ParseIP(parts[0]).To4()
	if ip == nil {
		return nil, nil, fmt.Errorf("invalid ip in static-arp entry %q", pair)
	}
	mac, err := net.ParseMAC(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("invalid mac in static-arp entry %q: %w", pair, err)
	}
	return ip, mac, nil
}

func parsePrefixLen(netmask string) (net.IPMask, error) {
	bits, err := strconv.Atoi(netmask)
	if err == nil {
		return net.CIDRMask(bits, 32), nil
	}
	ip := net.ParseIP(netmask).To4()
	if ip == nil {
		return nil, fmt.Errorf("invalid netmask %q", netmask)
	}
	return net.IPMask(ip), nil
}
