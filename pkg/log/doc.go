// Package log provides the process-global structured logger shared by
// every sams daemon: a single zerolog.Logger configured once at startup
// from CLI flags, plus scoped child loggers for the job id and node name
// fields that show up on nearly every log line in this domain.
package log
