// Package config reads the daemon configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/drpcorg/factory"
	"github.com/drpcorg/factory/factory_errors"
	"github.com/drpcorg/factory/host"
	"github.com/drpcorg/factory/kv"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Storage struct {
	Engine    string `yaml:"engine" validate:"omitempty,oneof=pebble badger"`
	Path      string `yaml:"path" validate:"required_unless=InMemory true"`
	InMemory  bool   `yaml:"in_memory"`
	SyncWrite bool   `yaml:"sync_write"`
}

type Loopback struct {
	// Failing maps record addresses to the error their upgrades report.
	Failing map[string]string `yaml:"failing"`
	Delay   time.Duration     `yaml:"delay" validate:"gte=0"`
	Queue   int               `yaml:"queue" validate:"gte=0"`
}

type Config struct {
	Storage  Storage `yaml:"storage"`
	LogLevel string  `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	Listen   string  `yaml:"listen" validate:"omitempty,hostname_port"`
	// Address is the identity the factory acts as.
	Address  string          `yaml:"address"`
	Factory  *factory.Config `yaml:"factory"`
	Loopback Loopback        `yaml:"loopback"`
}

func Default() Config {
	return Config{
		Storage:  Storage{Engine: kv.EnginePebble, Path: "factory.db"},
		LogLevel: "info",
		Listen:   "127.0.0.1:8080",
		Address:  "factory",
	}
}

// Parse reads YAML on top of the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Join(factory_errors.ErrValidation, fmt.Errorf("parse config: %w", err))
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return cfg, errors.Join(factory_errors.ErrValidation, err)
	}
	return cfg, nil
}

// Load parses the file at path. An empty path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

func (c Config) StoreOptions() kv.Options {
	return kv.Options{
		Engine:    c.Storage.Engine,
		Path:      c.Storage.Path,
		InMemory:  c.Storage.InMemory,
		SyncWrite: c.Storage.SyncWrite,
	}
}

func (c Config) LoopbackOptions() host.LoopbackOptions {
	return host.LoopbackOptions{
		Delay:   c.Loopback.Delay,
		Failing: c.Loopback.Failing,
		Queue:   c.Loopback.Queue,
	}
}
