package kixdns

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the package-wide structured logger. Components call Log.WithField/
// WithFields to attach context before logging, mirroring the field-chaining
// style used across the wider example corpus. Callers may replace it at
// startup (main wires the --debug flag and KIXDNS_LOG env override into it).
var Log = logrus.New()

func init() {
	Log.SetOutput(os.Stderr)
	Log.SetLevel(logrus.WarnLevel)
}

// ConfigureLogging sets the level from the --debug flag and the KIXDNS_LOG
// environment override, the latter taking precedence when set.
func ConfigureLogging(debug bool) {
	level := logrus.WarnLevel
	if debug {
		level = logrus.DebugLevel
	}
	if env := os.Getenv("KIXDNS_LOG"); env != "" {
		if parsed, err := logrus.ParseLevel(env); err == nil {
			level = parsed
		}
	}
	Log.SetLevel(level)
}
