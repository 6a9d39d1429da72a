// Package svcfields centralises the structured-log field conventions used
// across consoled subsystems.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// ConsoleKey tags entries with the console instance they belong to.
const ConsoleKey = pslog.TrustedString("console")

// ClientKey tags entries with a client connection id.
const ClientKey = pslog.TrustedString("client")

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithConsole attaches the console id to every log entry.
func WithConsole(logger pslog.Logger, consoleID string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if consoleID == "" {
		return logger
	}
	return logger.With(ConsoleKey, consoleID)
}
