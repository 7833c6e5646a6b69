package log

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger from the logger config section.
func NewLogger(level, format string, disableTimestamp bool) *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stdout

	switch strings.ToUpper(format) {
	case "JSON":
		log.Formatter = &logrus.JSONFormatter{DisableTimestamp: disableTimestamp}
	default:
		log.Formatter = &logrus.TextFormatter{DisableTimestamp: disableTimestamp}
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.Level = parsed
	return log
}
