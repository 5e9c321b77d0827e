package main

import (
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level ocimirror configuration file: registry
// credentials plus a list of sync steps between a registry reference and
// a local OCI Image Layout directory.
type Config struct {
	Version  int            `yaml:"version"`
	Creds    []ConfigCred   `yaml:"creds"`
	Defaults ConfigDefaults `yaml:"defaults"`
	Sync     []ConfigSync   `yaml:"sync"`
}

// ConfigCred is one registry host's credentials, layered on top of
// whatever the local docker config file already provides.
type ConfigCred struct {
	Registry string `yaml:"registry"`
	User     string `yaml:"user"`
	Pass     string `yaml:"pass"`
	Insecure bool   `yaml:"insecure"`
}

// ConfigDefaults holds settings shared across all sync steps.
type ConfigDefaults struct {
	Parallel       int  `yaml:"parallel"`
	SkipDockerConf bool `yaml:"skipDockerConf"`
}

// ConfigSync is one mirroring step. Direction "pull" copies Registry into
// Layout; "push" copies Layout into Registry. Registry's tag also names
// the top-level entry inside the layout's index.json.
type ConfigSync struct {
	Type     string        `yaml:"type"`
	Registry string        `yaml:"registry"`
	Layout   string        `yaml:"layout"`
	Schedule string        `yaml:"schedule"`
	Interval time.Duration `yaml:"interval"`
}

// ConfigLoadReader parses a YAML config from r and fills in defaults.
func ConfigLoadReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Defaults.Parallel <= 0 {
		c.Defaults.Parallel = 1
	}
	return c, nil
}
