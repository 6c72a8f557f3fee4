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

// Package config loads the settings of the intra-dns command.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

const (
	DefaultServerURL = "https://dns.google/dns-query"
	DefaultTunName   = "intra0"
	DefaultMTU       = 32767
	minMTU           = 576
	maxMTU           = 65535
)

// Config is the YAML configuration file.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Tun    TunConfig    `yaml:"tun"`
	Stats  StatsConfig  `yaml:"stats"`
	Log    LogConfig    `yaml:"log"`
	// QueueSize bounds the replies waiting to be written to the device.
	QueueSize int `yaml:"queue_size"`
}

type ServerConfig struct {
	URL string `yaml:"url"`
	// Addresses are used when the server hostname does not resolve.
	Addresses []string      `yaml:"addresses"`
	Timeout   time.Duration `yaml:"timeout"`
}

type TunConfig struct {
	Name string `yaml:"name"`
	MTU  int    `yaml:"mtu"`
	// Address is the interface prefix, like 10.0.0.1/8. Empty selects a
	// private range that no local interface uses.
	Address string `yaml:"address"`
	// Resolver is the fake DNS server address. Empty uses the router
	// address of the interface subnet.
	Resolver string `yaml:"resolver"`
}

type StatsConfig struct {
	// Listen is the address of the JSON stats endpoint. Empty disables it.
	Listen  string `yaml:"listen"`
	History int    `yaml:"history"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			URL:     DefaultServerURL,
			Timeout: 30 * time.Second,
		},
		Tun: TunConfig{
			Name: DefaultTunName,
			MTU:  DefaultMTU,
		},
		Stats: StatsConfig{History: 100},
		Log:   LogConfig{Level: "info"},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.DisallowUnknownField()); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.Server.URL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("server.url: %w", err))
	case u.Scheme != "https" || u.Hostname() == "":
		errs = append(errs, fmt.Errorf("server.url: %q is not an https URL", c.Server.URL))
	}
	for _, a := range c.Server.Addresses {
		if _, err := netip.ParseAddr(a); err != nil {
			errs = append(errs, fmt.Errorf("server.addresses: %w", err))
		}
	}
	if c.Server.Timeout < 0 {
		errs = append(errs, errors.New("server.timeout must not be negative"))
	}
	if c.Tun.Name == "" {
		errs = append(errs, errors.New("tun.name is required"))
	}
	if c.Tun.MTU < minMTU || c.Tun.MTU > maxMTU {
		errs = append(errs, fmt.Errorf("tun.mtu %d is outside [%d, %d]", c.Tun.MTU, minMTU, maxMTU))
	}
	if c.Tun.Address != "" {
		if p, err := netip.ParsePrefix(c.Tun.Address); err != nil {
			errs = append(errs, fmt.Errorf("tun.address: %w", err))
		} else if !p.Addr().Is4() {
			errs = append(errs, fmt.Errorf("tun.address %v is not IPv4", p))
		}
	}
	if c.Tun.Resolver != "" {
		if _, err := netip.ParseAddr(c.Tun.Resolver); err != nil {
			errs = append(errs, fmt.Errorf("tun.resolver: %w", err))
		}
	}
	if c.Stats.History < 0 {
		errs = append(errs, errors.New("stats.history must not be negative"))
	}
	if c.QueueSize < 0 {
		errs = append(errs, errors.New("queue_size must not be negative"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel parses the configured level name.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// Network resolves the interface addresses. inUse lists the addresses of
// the local interfaces, consulted only when no address is configured.
func (c *Config) Network(inUse []netip.Addr) (PrivateAddress, error) {
	var pa PrivateAddress
	if c.Tun.Address == "" {
		var err error
		if pa, err = SelectPrivateAddress(inUse); err != nil {
			return PrivateAddress{}, err
		}
	} else {
		p, err := netip.ParsePrefix(c.Tun.Address)
		if err != nil {
			return PrivateAddress{}, fmt.Errorf("tun.address: %w", err)
		}
		pa = PrivateAddress{
			Subnet:  p.Masked(),
			Address: p.Addr(),
			Router:  p.Addr().Next(),
		}
	}
	if c.Tun.Resolver != "" {
		r, err := netip.ParseAddr(c.Tun.Resolver)
		if err != nil {
			return PrivateAddress{}, fmt.Errorf("tun.resolver: %w", err)
		}
		pa.Router = r
	}
	return pa, nil
}
