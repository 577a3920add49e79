// Package logging provides structured logging for devmesh core.
//
// It wraps log/slog with level parsing, output selection, and default
// service fields, configured from the logging section of config.yaml.
// Components that only need a logger take a small per-package Logger
// interface; *logging.Logger satisfies all of them.
package logging
