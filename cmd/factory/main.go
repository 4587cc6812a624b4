package main

import (
	"fmt"
	"os"

	"github.com/drpcorg/factory"
	"github.com/drpcorg/factory/config"
	"github.com/drpcorg/factory/host"
	"github.com/drpcorg/factory/kv"
	"github.com/drpcorg/factory/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:           "factory",
		Short:         "Registry and index engine for template-instantiated records",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "overrides log_level of the config")
	rootCmd.AddCommand(serveCmd, shellCmd, initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// node is an opened factory wired to an in-process loopback dispatcher.
type node struct {
	cfg      config.Config
	log      utils.Logger
	registry *prometheus.Registry
	loopback *host.Loopback
	factory  *factory.Factory
}

func openNode() (*node, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	log := utils.NewDefaultLogger(utils.ParseLevel(cfg.LogLevel))
	registry := prometheus.NewRegistry()

	loOpts := cfg.LoopbackOptions()
	loOpts.Logger = log
	loopback := host.NewLoopback(loOpts)

	f, err := factory.Open(cfg.StoreOptions(), factory.Options{
		Logger:     log,
		Dispatcher: loopback,
		Registerer: registry,
		Address:    cfg.Address,
	})
	if err != nil {
		_ = loopback.Close()
		return nil, err
	}
	if ps, ok := f.Store().(*kv.PebbleStore); ok {
		registry.MustRegister(kv.NewPebbleCollector(ps.Database()))
	}
	loopback.Start(f)
	log.Info("factory opened", "engine", cfg.Storage.Engine, "path", cfg.Storage.Path, "in_memory", cfg.Storage.InMemory)
	return &node{cfg: cfg, log: log, registry: registry, loopback: loopback, factory: f}, nil
}

func (n *node) Close() error {
	_ = n.loopback.Close()
	return n.factory.Close()
}
