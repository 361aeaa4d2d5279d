// Package logger is the single log output for clockgen, with a common
// prefix and a quiet switch for daemon use.
package logger

import "log"

// Quiet suppresses Info output; Error is always printed.
var Quiet bool

// Info prints an informational message with the "clockgen: " prefix.
func Info(format string, args ...interface{}) {
	if Quiet {
		return
	}
	log.Printf("clockgen: "+format, args...)
}

// Error prints an error message with the "clockgen: " prefix.
func Error(format string, args ...interface{}) {
	log.Printf("clockgen: "+format, args...)
}
