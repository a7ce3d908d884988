//go:build !nolog
// +build !nolog

package build

// LogLevel specifies the default log level.
var LogLevel = "info"
