package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/tokentally/internal/config"
	"github.com/marcus/tokentally/internal/engine"
	"github.com/marcus/tokentally/internal/logging"
	"github.com/marcus/tokentally/internal/pricing"
)

// loadConfig loads and validates configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func initLogging(cmd *cobra.Command, cfg *config.Config) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	lc := logging.Config{
		Level:         cfg.Logging.Level,
		Path:          cfg.ExpandedLogPath(),
		Format:        cfg.Logging.Format,
		RetentionDays: cfg.Logging.RetentionDays,
	}
	if verbose {
		lc.Level = "debug"
		lc.Console = true
	}
	return logging.Init(lc)
}

// openEngine loads config, initializes logging and opens the engine. The
// caller closes the engine.
func openEngine(cmd *cobra.Command) (*engine.Engine, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := initLogging(cmd, cfg); err != nil {
		return nil, nil, fmt.Errorf("init logging: %w", err)
	}
	eng, err := engine.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	return eng, cfg, nil
}

func loadPrices(cfg *config.Config) (*pricing.Model, error) {
	table, err := pricing.LoadTable(cfg.ExpandedPricingPath())
	if err != nil {
		return nil, fmt.Errorf("load pricing: %w", err)
	}
	return pricing.New(table), nil
}
