// Package server hosts the engine's HTTP surface from a single multiplexer.
//
// It exposes the health and metrics endpoints alongside the platform webhook
// callbacks, wrapped in a shared middleware chain of request-id tagging,
// logging, metrics, and rate limiting so every route gets the same
// instrumentation and protection.
package server
