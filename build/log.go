// Copyright (c) 2015-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package build

import (
	"os"

	"github.com/btcsuite/btclog"
)

// LogType selects where the package level loggers write to. It is chosen
// with the stdlog and nolog build tags.
type LogType byte

const (
	// LogTypeNone disables the package loggers.
	LogTypeNone LogType = iota

	// LogTypeStdOut writes every subsystem straight to stdout. Tests of
	// dev builds use it to see engine output without a daemon.
	LogTypeStdOut

	// LogTypeDefault leaves the loggers to the daemon, which writes to
	// stdout and the rotating log file.
	LogTypeDefault
)

// String returns a human readable identifier for the logging type.
func (t LogType) String() string {
	switch t {
	case LogTypeNone:
		return "none"
	case LogTypeStdOut:
		return "stdout"
	case LogTypeDefault:
		return "default"
	default:
		return "unknown"
	}
}

// NewSubLogger returns the initial logger of a package subsystem. The daemon
// replaces it through the package's UseLogger. genSubLogger, when given,
// derives the logger from a shared backend.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if Deployment == Production || LoggingType == LogTypeDefault {
		if genSubLogger != nil {
			return genSubLogger(subsystem)
		}

		return btclog.Disabled
	}

	if LoggingType != LogTypeStdOut {
		return btclog.Disabled
	}

	// Dev builds logging to stdout get their level from the build tags.
	logger := btclog.NewBackend(os.Stdout).Logger(subsystem)
	level, _ := btclog.LevelFromString(LogLevel)
	logger.SetLevel(level)

	return logger
}
