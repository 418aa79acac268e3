package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Martian-dev/mail-mirror/internal/config"
)

// NewRootCmd builds the command tree around its own viper instance.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	config.SetDefaults(v)

	var configFile string

	rootCmd := &cobra.Command{
		Use:           "mailmirror",
		Short:         "Gmail mirror sync and cache service",
		Long:          "Mirrors Gmail mailboxes into a relational store, blob storage and a Redis cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(v, configFile)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default ./config.yaml or $HOME/.mailmirror/config.yaml)")
	flags.String("database.driver", "sqlite", "Database driver: 'sqlite' or 'postgres'")
	flags.String("database.url", "data/mirror.db", "Database path or connection URL")
	flags.String("redis.url", "redis://localhost:6379/0", "Redis connection URL")
	flags.String("blob.driver", "s3", "Blob store: 's3' or 'badger'")
	flags.String("blob.path", "data/blobs", "Badger directory when blob.driver is badger")
	flags.String("s3.bucket", "", "S3 bucket for bodies and attachments")
	flags.String("log.level", "info", "Log level")
	flags.String("log.format", "text", "Log format: 'text' or 'json'")

	for _, key := range []string{
		"database.driver", "database.url", "redis.url", "blob.driver", "blob.path", "s3.bucket", "log.level", "log.format",
	} {
		_ = v.BindPFlag(key, flags.Lookup(key))
	}

	rootCmd.AddCommand(
		newServeCmd(v),
		newBackfillCmd(v),
		newSyncCmd(v),
		newWatchCmd(v),
		newMigrateCmd(v),
		newAccountCmd(v),
	)

	return rootCmd
}

func initConfig(v *viper.Viper, configFile string) error {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.mailmirror")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		logrus.WithField("file", v.ConfigFileUsed()).Debug("Using config file")
	}

	return nil
}

// loadConfig reads the typed config and applies its logging settings.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	if err := configureLogging(cfg.Log); err != nil {
		return nil, err
	}

	return cfg, nil
}

func configureLogging(cfg config.LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	logrus.SetLevel(level)

	switch cfg.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	return nil
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
