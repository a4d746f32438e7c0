package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

const (
	// SubsystemKey is the canonical key for subsystem tags.
	SubsystemKey = pslog.TrustedString("sys")
	// RunKey tags every entry emitted on behalf of one distribution run.
	RunKey = pslog.TrustedString("run_id")
	// NodeKey tags entries that concern a single ledger node.
	NodeKey = pslog.TrustedString("node")
)

// Subsystem builds a dot-delimited subsystem path from the supplied parts while
// skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = Ensure(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithRun attaches the run identifier to every log entry.
func WithRun(logger pslog.Logger, runID string) pslog.Logger {
	logger = Ensure(logger)
	if runID == "" {
		return logger
	}
	return logger.With(RunKey, runID)
}

// WithNode attaches a node address to every log entry.
func WithNode(logger pslog.Logger, node string) pslog.Logger {
	logger = Ensure(logger)
	if node == "" {
		return logger
	}
	return logger.With(NodeKey, node)
}

// Ensure returns logger, or a disabled logger when nil.
func Ensure(logger pslog.Logger) pslog.Logger {
	if logger == nil {
		return pslog.NoopLogger()
	}
	return logger
}
