// Package logger builds the shared logrus logger used by every component.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a configured logger. Level "off" (or "none") discards all
// output, which tests use to keep noise down.
func New(level string) *logrus.Logger {
	log := logrus.New()

	if level == "off" || level == "none" {
		log.SetOutput(io.Discard)
		return log
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	return log
}
