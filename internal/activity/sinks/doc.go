// Package sinks provides activity.Sink implementations.
package sinks
