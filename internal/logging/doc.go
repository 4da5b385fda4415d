// Package logging wires log/slog with the handlers the daemon and CLI share:
// a console handler that prefixes messages with their component and renders
// attributes as key=value pairs, and a JSON handler for non-interactive runs.
package logging
