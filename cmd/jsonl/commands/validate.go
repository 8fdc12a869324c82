package commands

import (
	"errors"
	"fmt"

	"github.com/gxo-labs/jsonl/internal/config"
	"github.com/gxo-labs/jsonl/internal/logger"
	jsonlerrors "github.com/gxo-labs/jsonl/pkg/jsonl/v1/errors"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long:  `Validates the structure, schema version and values of a jsonl configuration file.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return withExitCode(ExitUsageError, errors.New("--config is required for validation"))
			}
			log := logger.NewLogger(logLevel, DefaultLogFmt, cmd.ErrOrStderr())
			log.Infof("Validating configuration: %s", configPath)

			if _, err := config.LoadFromFile(configPath); err != nil {
				var validationErr *jsonlerrors.ValidationError
				var configErr *jsonlerrors.ConfigError
				if errors.As(err, &validationErr) {
					log.Errorf("Configuration validation failed:\n%s", validationErr.Error())
				} else if errors.As(err, &configErr) {
					log.Errorf("Configuration error:\n%s", configErr.Error())
				} else {
					log.Errorf("Failed to load configuration: %v", err)
				}
				return withExitCode(ExitFailure, nil)
			}

			log.Infof("Configuration validation successful: %s", configPath)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", configPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration YAML file (required)")
	cmd.Flags().StringVar(&logLevel, "log-level", DefaultLogLevel, "Log level for validation output (debug, info, warn, error)")
	return cmd
}
