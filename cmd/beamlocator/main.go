// beamlocator serves the service-locator servlet over TCP.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/beamworks/beam/network"
	"github.com/beamworks/beam/routines"
	"github.com/beamworks/beam/servicelocator"
	"github.com/beamworks/beam/services"
)

type dataStoreConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

type adminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type config struct {
	Interface network.IpAddress `yaml:"interface"`
	DataStore dataStoreConfig   `yaml:"data_store"`
	Admin     adminConfig       `yaml:"admin"`
}

func loadConfig(path string) (config, error) {
	cfg := config{
		Interface: network.IpAddress{Host: "0.0.0.0", Port: 20692},
		DataStore: dataStoreConfig{Type: "memory"},
		Admin:     adminConfig{Username: "root", Password: "root"},
	}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg dataStoreConfig) (servicelocator.DataStore, error) {
	switch cfg.Type {
	case "", "memory":
		return servicelocator.NewMemoryDataStore(), nil
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("data_store.path is required for sqlite")
		}
		return servicelocator.NewSqlDataStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown data_store.type %q", cfg.Type)
	}
}

func run(configPath string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg.DataStore)
	if err != nil {
		return err
	}
	servlet := servicelocator.NewServlet(store,
		servicelocator.WithServletLogger(logger))
	if _, err := servlet.BootstrapAccount(cfg.Admin.Username, cfg.Admin.Password); err != nil {
		store.Close()
		return fmt.Errorf("bootstrapping admin account: %w", err)
	}

	listener, err := network.Listen(cfg.Interface)
	if err != nil {
		store.Close()
		return err
	}
	server := services.NewProtocolServer(listener, servlet,
		services.WithServerLogger(logger))
	server.Open()
	logger.Info("service locator serving", "interface", cfg.Interface.String())

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)
	<-interrupted
	logger.Info("shutting down")
	server.Close()
	routines.Default().Stop()
	return nil
}

func main() {
	var configPath string
	root := &cobra.Command{
		Use:          "beamlocator",
		Short:        "Serve the Beam service locator",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration")
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(-1)
	}
}
