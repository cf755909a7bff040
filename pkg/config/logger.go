package config

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger at the given level
func NewLogger(level string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})

	if level == "" {
		level = "info"
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("%w: log level %q", ErrInvalidConfig, level)
	}
	logger.SetLevel(lvl)

	return logger, nil
}
