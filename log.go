// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btclog"
	"github.com/btcsuite/multiwallet/build"
	"github.com/btcsuite/multiwallet/chain"
	"github.com/btcsuite/multiwallet/internal/archive"
	"github.com/btcsuite/multiwallet/wallet"
	"github.com/btcsuite/multiwallet/wallet/txfees"
	"github.com/btcsuite/multiwallet/wtxmgr"
)

// Loggers per subsystem. All subsystem loggers route their messages to
// backendLog, which writes to stdout and the rotating log file. When adding
// a new subsystem, add it to subsystemLoggers and to useLogger.
var (
	logWriter  = build.NewRotatingLogWriter()
	backendLog = btclog.NewBackend(logWriter)

	log        = backendLog.Logger("MWLT")
	engineLog  = backendLog.Logger("ENGN")
	txmgrLog   = backendLog.Logger("TXMG")
	chainLog   = backendLog.Logger("CHIO")
	feesLog    = backendLog.Logger("FEES")
	archiveLog = backendLog.Logger("ARCH")
)

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"MWLT": log,
	"ENGN": engineLog,
	"TXMG": txmgrLog,
	"CHIO": chainLog,
	"FEES": feesLog,
	"ARCH": archiveLog,
}

// Initialize package-global logger variables.
func init() {
	for subsystemID, logger := range subsystemLoggers {
		useLogger(subsystemID, logger)
	}
}

// useLogger hands logger to the package behind subsystemID.
func useLogger(subsystemID string, logger btclog.Logger) {
	switch subsystemID {
	case "ENGN":
		wallet.UseLogger(logger)
	case "TXMG":
		wtxmgr.UseLogger(logger)
	case "CHIO":
		chain.UseLogger(logger)
	case "FEES":
		txfees.UseLogger(logger)
	case "ARCH":
		archive.UseLogger(logger)
	}
}

// logClosure is used to provide a closure over expensive logging operations
// so they don't have to be performed when the logging level doesn't warrant
// it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}

// setLogLevel sets the logging level for provided subsystem. Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	sort.Strings(subsystems)
	return subsystems
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical", "off":
		return true
	}
	return false
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly. An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimiters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") &&
		!strings.Contains(debugLevel, "=") {

		if !validLogLevel(debugLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", debugLevel)
		}

		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while
	// detecting issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		subsysID, logLevel, ok := strings.Cut(logLevelPair, "=")
		if !ok {
			return fmt.Errorf("the specified debug level contains "+
				"an invalid subsystem/level pair [%v]",
				logLevelPair)
		}

		if _, exists := subsystemLoggers[subsysID]; !exists {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsystems %v", subsysID,
				supportedSubsystems())
		}

		if !validLogLevel(logLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// pickNoun returns the singular or plural form of a noun depending
// on the count n.
func pickNoun(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}
