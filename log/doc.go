// Package log defines the logging contract used across the outbox packages.
//
// Components accept a Logger and never a concrete backend. The zap package
// provides the production implementation; NewNop is the default everywhere a
// logger is optional.
package log
