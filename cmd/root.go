package cmd

import (
	"fmt"
	"os"

	"github.com/lkarlslund/airelay/pkg/config"
	"github.com/lkarlslund/airelay/pkg/logutil"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "airelay",
	Short: "Streaming completion relay",
	Long:  "airelay forwards chat completion requests to an upstream provider, relays buffered or streamed responses and records token usage.",
	RunE:  runServe,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Config TOML path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before the environment is read")
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "", "Log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "logformat", "", "Log format (text, json, logfmt)")
	addServeFlags(rootCmd)
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		if err := config.LoadEnvFile(envFile, cmd.Flags().Changed("env-file")); err != nil {
			return err
		}
		return logutil.Configure(firstNonEmpty(logLevel, os.Getenv("AIRELAY_LOG_LEVEL"), "info"), firstNonEmpty(logFormat, os.Getenv("AIRELAY_LOG_FORMAT"), "text"))
	}
}

// loadConfig reads the config file and environment, then lets explicit log
// flags win over both.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if err := logutil.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	logutil.SetSecrets(cfg.Secrets()...)
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
