// Package logging configures the single shared logrus logger used by every
// legion component.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logrus.Logger configured the way legion wants it: text
// formatting, full timestamps, output to stderr. Level defaults to Info.
func New(debug bool) *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stderr
	log.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	log.Level = logrus.InfoLevel
	if debug {
		log.Level = logrus.DebugLevel
	}

	return log
}
