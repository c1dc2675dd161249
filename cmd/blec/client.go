package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sensegrid/blecentral/pkg/ble"
	"github.com/sensegrid/blecentral/pkg/config"
)

// newClient builds the BLE client from the global flags: --config for the
// YAML file, --log-level/--verbose for the logger.
func newClient(cmd *cobra.Command) (*ble.Client, *config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := applyLogFlags(cmd, cfg); err != nil {
		return nil, nil, err
	}

	client, err := ble.NewClient(cfg, cfg.NewLogger())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize BLE backend: %w", err)
	}
	return client, cfg, nil
}

// applyLogFlags folds --log-level and --verbose into the loaded config,
// with --log-level taking precedence. Without either flag the CLI stays
// quiet for normal operations.
func applyLogFlags(cmd *cobra.Command, cfg *config.Config) error {
	level, _ := cmd.Flags().GetString("log-level")
	verbose, _ := cmd.Flags().GetBool("verbose")

	switch {
	case level != "":
		if _, err := logrus.ParseLevel(level); err != nil {
			return fmt.Errorf("invalid log level: %s", level)
		}
		cfg.Log.Level = level
	case verbose:
		cfg.Log.Level = "debug"
	default:
		cfg.Log.Level = "panic"
	}
	return nil
}
