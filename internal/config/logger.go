package config

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger from the logging section
func (l LoggingConfig) NewLogger() (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(level)

	if l.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	if l.File != "" {
		file, err := os.OpenFile(l.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(io.MultiWriter(os.Stderr, file))
	}

	return logger, nil
}

// ApplyEnv loads a .env file if present and fills secrets that were left empty
// in the config file.
func (c *Config) ApplyEnv(envPath string) error {
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}

	if c.Remote.IssuerToken == "" {
		c.Remote.IssuerToken = os.Getenv("TURNTABLE_ISSUER_TOKEN")
	}
	if v := os.Getenv("TURNTABLE_ISSUER_URL"); v != "" && c.Remote.IssuerURL == "" {
		c.Remote.IssuerURL = v
	}
	if v := os.Getenv("TURNTABLE_CATALOG_URL"); v != "" && c.Remote.CatalogURL == "" {
		c.Remote.CatalogURL = v
	}
	if c.Ngrok.AuthToken == "" {
		c.Ngrok.AuthToken = os.Getenv("NGROK_AUTHTOKEN")
	}
	return nil
}
