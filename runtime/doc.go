// Package runtime contains panic-safe helpers for goroutines and callbacks.
//
// A recovered panic is logged with its stack, recorded on the active span and,
// for Call, converted into a *PanicError so callers can classify it.
package runtime
