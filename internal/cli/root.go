package cli

import (
	"fmt"

	"courier/pkg/config"
	"courier/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	cfg        *config.Config
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Concurrent file upload client",
	Long: `Upload files to HTTP endpoints, through remote upload workers, or into
server-side processing jobs, with per-file progress and a settled result for
every file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to a configuration file (default: search the usual locations)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (DEBUG, INFO, WARN, ERROR)")

	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newConfigCmd())
}

// setup loads the configuration and installs the global logger.
func setup() error {
	var (
		loaded *config.Config
		source string
		err    error
	)
	if configPath != "" {
		loaded, err = config.LoadFromFile(configPath)
		source = configPath
	} else {
		loaded, source, err = config.LoadConfig()
	}
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		loaded.Logging.Level = logLevel
	}
	cfg = loaded

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	out, err := logger.OpenOutput(cfg.Logging.Output)
	if err != nil {
		return err
	}
	log := logger.NewWithConfig(logger.Config{Level: level, Output: out, Format: cfg.Logging.Format})
	logger.SetGlobal(log)

	if source != "" {
		log.Debug("configuration loaded", "path", source)
	}
	return nil
}
