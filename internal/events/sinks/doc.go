// Package sinks contains events.Sink implementations.
package sinks
