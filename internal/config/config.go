// Copyright 2026 The apexd-go Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the daemon's configuration from a single YAML
// file, named by the APEXD_CONFIG environment variable or a --config
// flag. There are no fallbacks and no discovery: an unset config path
// is a hard error, favoring deterministic, auditable configuration
// over silent defaults.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment names one of the deployment overlays a config file may
// declare under development/staging/production.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the daemon's full runtime configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Root                string   `yaml:"root"`
	ActiveApexDir       string   `yaml:"activeApexDir"`
	SystemApexDir       string   `yaml:"systemApexDir"`
	SessionsDir         string   `yaml:"sessionsDir"`
	TrustedKeyDirs      []string `yaml:"trustedKeyDirs"`
	ForceVerityOnSystem bool     `yaml:"forceVerityOnSystem"`
	SocketPath          string   `yaml:"socketPath"`
	SealSessions        bool     `yaml:"sealSessions"`

	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds the subset of Config fields an environment section
// may replace.
type Overrides struct {
	Root                *string  `yaml:"root,omitempty"`
	ActiveApexDir       *string  `yaml:"activeApexDir,omitempty"`
	SystemApexDir       *string  `yaml:"systemApexDir,omitempty"`
	SessionsDir         *string  `yaml:"sessionsDir,omitempty"`
	TrustedKeyDirs      []string `yaml:"trustedKeyDirs,omitempty"`
	ForceVerityOnSystem *bool    `yaml:"forceVerityOnSystem,omitempty"`
	SocketPath          *string  `yaml:"socketPath,omitempty"`
	SealSessions        *bool    `yaml:"sealSessions,omitempty"`
}

// Default returns the base configuration applied before a file is
// read and before any environment overlay.
func Default() *Config {
	return &Config{
		Environment:   Development,
		Root:          "/apex",
		ActiveApexDir: "/data/apex/active",
		SystemApexDir: "/system/apex",
		SessionsDir:   "/data/apex/sessions",
		SocketPath:    "/run/apexd/apexd.sock",
	}
}

// Load reads the file named by the APEXD_CONFIG environment variable.
// There is no fallback path; an unset variable is an error.
func Load() (*Config, error) {
	path := os.Getenv("APEXD_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("APEXD_CONFIG environment variable not set; " +
			"set it to the path of your apexd.yaml config file, or pass --config")
	}
	return LoadFile(path)
}

// LoadFile reads and validates the config file at path, applying its
// matching environment overlay if one is present.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.applyOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyOverrides() {
	var o *Overrides
	switch c.Environment {
	case Development:
		o = c.Development
	case Staging:
		o = c.Staging
	case Production:
		o = c.Production
	}
	if o == nil {
		return
	}

	if o.Root != nil {
		c.Root = *o.Root
	}
	if o.ActiveApexDir != nil {
		c.ActiveApexDir = *o.ActiveApexDir
	}
	if o.SystemApexDir != nil {
		c.SystemApexDir = *o.SystemApexDir
	}
	if o.SessionsDir != nil {
		c.SessionsDir = *o.SessionsDir
	}
	if o.TrustedKeyDirs != nil {
		c.TrustedKeyDirs = o.TrustedKeyDirs
	}
	if o.ForceVerityOnSystem != nil {
		c.ForceVerityOnSystem = *o.ForceVerityOnSystem
	}
	if o.SocketPath != nil {
		c.SocketPath = *o.SocketPath
	}
	if o.SealSessions != nil {
		c.SealSessions = *o.SealSessions
	}
}

// Validate rejects an obviously unusable configuration before the
// daemon starts touching the filesystem or the kernel.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root must not be empty")
	}
	if c.SocketPath == "" {
		return fmt.Errorf("socketPath must not be empty")
	}
	if len(c.TrustedKeyDirs) == 0 {
		return fmt.Errorf("trustedKeyDirs must name at least one directory")
	}
	return nil
}
