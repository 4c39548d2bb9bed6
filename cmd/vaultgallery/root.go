package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eniz1806/VaultGallery/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	configKey    = "config"
	logLevelKey  = "log.level"
	logFormatKey = "log.format"
)

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "vaultgallery",
		Short:         "Per-user photo gallery backend on scoped cloud credentials",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "path to the YAML config file")
	_ = v.BindPFlag(configKey, root.PersistentFlags().Lookup("config"))
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error); overrides logging.level")
	_ = v.BindPFlag(logLevelKey, root.PersistentFlags().Lookup("log-level"))
	root.PersistentFlags().String("log-format", "", "log format (text, json); overrides logging.format")
	_ = v.BindPFlag(logFormatKey, root.PersistentFlags().Lookup("log-format"))

	v.SetEnvPrefix("VAULTGALLERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	root.AddCommand(
		newServeCmd(v),
		newLabelerCmd(v),
		newConfigCmd(v),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the file named by --config and applies the logging
// overrides from flags or VAULTGALLERY_LOG_* variables. It installs the
// resulting logger as the default.
func loadConfig(v *viper.Viper, stderr io.Writer) (*config.Config, error) {
	cfg, err := config.Load(v.GetString(configKey))
	if err != nil {
		return nil, err
	}
	if lvl := v.GetString(logLevelKey); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if f := v.GetString(logFormatKey); f != "" {
		cfg.Logging.Format = f
	}
	logger, err := newLogger(cfg.Logging, stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	if path := v.GetString(configKey); path != "" {
		slog.Debug("using config file", "path", path)
	}
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func newLogger(c config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", c.Format)
}
