// Package logger provides named loggers for the download core.
package logger

import (
	"os"

	"github.com/cenkalti/log"
)

// Logger is the interface the rest of the code logs through.
type Logger = log.Logger

var handler = log.NewWriterHandler(os.Stderr)

func init() {
	handler.SetLevel(log.INFO)
	handler.Colorize = true
}

// New returns a new Logger with the given name.
func New(name string) Logger {
	l := log.NewLogger(name)
	l.SetLevel(log.DEBUG)
	l.SetHandler(handler)
	return l
}

// SetDebug enables debug level logging on loggers created with New.
func SetDebug() {
	handler.SetLevel(log.DEBUG)
}

// SetQuiet drops everything below warning level.
func SetQuiet() {
	handler.SetLevel(log.WARNING)
}
