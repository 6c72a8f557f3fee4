// Copyright 2025 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

// Command intra-dns creates a TUN device and answers the DNS queries routed
// into it through a DNS-over-HTTPS server. Point the system resolver at the
// address it prints to use it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"path"
	"strings"
	"time"

	"github.com/Jigsaw-Code/intra-dnsvpn/doh"
	"github.com/Jigsaw-Code/intra-dnsvpn/internal/config"
	"github.com/Jigsaw-Code/intra-dnsvpn/intra"
	"github.com/Jigsaw-Code/intra-dnsvpn/intra/ledger"
	"github.com/Jigsaw-Code/intra-dnsvpn/logging"
	"github.com/lmittmann/tint"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const probeTimeout = 10 * time.Second

type flags struct {
	config   string
	url      string
	ips      string
	timeout  time.Duration
	tun      string
	mtu      int
	address  string
	resolver string
	stats    string
	verbose  bool
}

func newFlagSet(f *flags) *flag.FlagSet {
	fs := flag.NewFlagSet(path.Base(os.Args[0]), flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags...]\n", fs.Name())
		fs.PrintDefaults()
	}
	fs.StringVar(&f.config, "config", "", "YAML configuration file. Flags override its values")
	fs.StringVar(&f.url, "url", config.DefaultServerURL, "DNS-over-HTTPS server URL")
	fs.StringVar(&f.ips, "ips", "", "Comma-separated IP addresses of the server, used if its name does not resolve")
	fs.DurationVar(&f.timeout, "timeout", doh.DefaultRequestTimeout, "Deadline of each DNS-over-HTTPS exchange")
	fs.StringVar(&f.tun, "tun", config.DefaultTunName, "TUN device name")
	fs.IntVar(&f.mtu, "mtu", config.DefaultMTU, "TUN device MTU")
	fs.StringVar(&f.address, "address", "", "TUN interface prefix, like 10.0.0.1/8 (default: an unused private range)")
	fs.StringVar(&f.resolver, "resolver", "", "Fake DNS server address (default: the address after the interface address)")
	fs.StringVar(&f.stats, "stats", "", "Serve JSON stats at http://<addr>/stats")
	fs.BoolVar(&f.verbose, "v", false, "Enable debug output")
	return fs
}

// loadConfig reads the configuration file, if any, and applies the flags
// that were set on the command line.
func loadConfig(f *flags, fs *flag.FlagSet) (config.Config, error) {
	cfg := config.Default()
	if f.config != "" {
		var err error
		if cfg, err = config.Load(f.config); err != nil {
			return config.Config{}, err
		}
	}
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "url":
			cfg.Server.URL = f.url
		case "ips":
			cfg.Server.Addresses = nil
			for _, ip := range strings.Split(f.ips, ",") {
				if ip = strings.TrimSpace(ip); ip != "" {
					cfg.Server.Addresses = append(cfg.Server.Addresses, ip)
				}
			}
		case "timeout":
			cfg.Server.Timeout = f.timeout
		case "tun":
			cfg.Tun.Name = f.tun
		case "mtu":
			cfg.Tun.MTU = f.mtu
		case "address":
			cfg.Tun.Address = f.address
		case "resolver":
			cfg.Tun.Resolver = f.resolver
		case "stats":
			cfg.Stats.Listen = f.stats
		case "v":
			if f.verbose {
				cfg.Log.Level = "debug"
			}
		}
	})
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func setupLogging(cfg config.Config) {
	level, _ := cfg.Log.SlogLevel()
	logging.SetLevel(level)
	logging.SetHandler(tint.NewHandler(os.Stderr, &tint.Options{
		NoColor: !term.IsTerminal(int(os.Stderr.Fd())),
		Level:   logging.Level(),
	}))
}

func main() {
	f := &flags{}
	fs := newFlagSet(f)
	fs.Parse(os.Args[1:])

	cfg, err := loadConfig(f, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	setupLogging(cfg)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, unix.SIGTERM, unix.SIGHUP)
	if err := run(cfg, sigc); err != nil {
		logging.Err("IntraDNS(main) - exiting", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, sigc <-chan os.Signal) error {
	inUse, err := config.LocalAddrs()
	if err != nil {
		return err
	}
	network, err := cfg.Network(inUse)
	if err != nil {
		return err
	}

	t, err := doh.NewTransport(cfg.Server.URL, cfg.Server.Addresses, &net.Dialer{}, nil)
	if err != nil {
		return fmt.Errorf("failed to create DoH transport: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	if err := doh.Probe(ctx, t); err != nil {
		logging.Warn("IntraDNS(run) - DoH server probe failed", "url", t.GetURL(), "err", err)
	}
	cancel()

	dev, err := newTunDevice(cfg.Tun.Name, cfg.Tun.MTU, network.InterfacePrefix())
	if err != nil {
		return err
	}
	defer dev.Close()
	if err := dev.addAddress(config.PrivateIPv6.InterfacePrefix()); err != nil {
		logging.Warn("IntraDNS(run) - IPv6 disabled on TUN device", "err", err)
	}

	tracker := ledger.New(cfg.Stats.History)
	r, err := intra.NewResolver(intra.Config{
		Device:    dev,
		Conn:      doh.NewServerConnection(t, cfg.Server.Timeout),
		Ledger:    tracker,
		Waker:     intra.UDPWaker{Addr: netip.AddrPortFrom(network.Router, 53)},
		QueueSize: cfg.QueueSize,
	})
	if err != nil {
		return err
	}
	if err := r.Start(); err != nil {
		return err
	}
	// Runs before dev.Close.
	defer r.Stop()

	if cfg.Stats.Listen != "" {
		srv, addr, err := startStatsServer(cfg.Stats.Listen, tracker)
		if err != nil {
			return fmt.Errorf("failed to start stats server: %w", err)
		}
		defer srv.Close()
		logging.Info("IntraDNS(run) - serving stats", "url", fmt.Sprintf("http://%v/stats", addr))
	}

	logging.Info("IntraDNS(run) - ready",
		"device", cfg.Tun.Name, "network", network, "resolver", network.Router, "server", t.GetURL())
	select {
	case s := <-sigc:
		logging.Info("IntraDNS(run) - received signal, cleaning up", "signal", s)
		return nil
	case <-r.Done():
		return errors.New("TUN device closed")
	}
}
