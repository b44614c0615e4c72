package common

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds a logrus logger writing to stderr. format is "text" or "json".
func NewLogger(level, format string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(lvl)

	switch format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q: must be text or json", format)
	}
	return logger, nil
}

// Banner logs the ===== framed header used by every tool.
func Banner(log *logrus.Logger, title string) {
	log.Info("=========================================================")
	log.Info(title)
	log.Info("=========================================================")
}
