//go:build linux

package main

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/AlaAlba/microps/internal/driver"
	"github.com/AlaAlba/microps/internal/netstack"
)

func attachTap(st *netstack.Stack, cfg Config, log *slog.Logger) error {
	if cfg.TapHWAddr == "" || cfg.TapAddr == "" || cfg.TapNetmask == "" {
		return fmt.Errorf("tap-hwaddr, tap-addr and tap-netmask are required with tap-name")
	}
	hwAddr, err := net.ParseMAC(cfg.TapHWAddr)
	if err != nil {
		return fmt.Errorf("invalid tap-hwaddr: %w", err)
	}
	addr := net.ParseIP(cfg.TapAddr).To4()
	if addr == nil {
		return fmt.Errorf("invalid tap-addr %q", cfg.TapAddr)
	}
	netmask, err := parsePrefixLen(cfg.TapNetmask)
	if err != nil {
		return err
	}

	dev, err := driver.OpenTap(cfg.TapName, hwAddr, st.Demux)
	if err != nil {
		return fmt.Errorf("opening tap %s: %w", cfg.TapName, err)
	}

	iface, err := st.AddInterface(dev, addr, netmask)
	if err != nil {
		return fmt.Errorf("binding tap interface: %w", err)
	}

	if cfg.Gateway != "" {
		gw := net.ParseIP(cfg.Gateway).To4()
		if gw == nil {
			return fmt.Errorf("invalid gateway %q", cfg.Gateway)
		}
		st.AddDefaultRoute(gw, iface)
		log.Info("installed default route", "gateway", gw)
	}

	log.Info("attached tap interface", "name", cfg.TapName, "addr", addr, "hwaddr", hwAddr)
	return nil
}
