// Package zap adapts go.uber.org/zap to the log.Logger contract.
//
// Entries carry the active trace and span ids and are mirrored to the
// OpenTelemetry logs pipeline through the otelzap bridge.
package zap
