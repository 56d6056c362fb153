// Package main is the entry point for the visionflow pipeline server.
//
// The server hosts vision processing pipelines as supervised workers
// and distributes their output over websockets:
//   - REST API for pipeline lifecycle, signals, and configuration
//   - Websocket streaming of pipeline status and topic records
//   - Prometheus metrics at /metrics
//
// Configuration comes from environment variables with CLI flag
// overrides, plus a YAML file of pipeline definitions.
//
// Usage:
//
//	# Production mode
//	./server -port 8000 -pipelines pipelines.yaml
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: graceful shutdown, stopping all pipelines
package main
