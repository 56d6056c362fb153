// Package http provides HTTP handlers and routing for the pipeline
// control REST API.
//
// This package implements all HTTP endpoints using the Gin framework,
// covering pipeline lifecycle, signal delivery, configuration updates,
// and topic inspection.
//
// Endpoints:
//   - Health: / and /health
//   - Stats: /stats
//   - Pipelines: /pipelines, /pipelines/:name
//   - Lifecycle: /pipelines/:name/start, /pipelines/:name/stop
//   - Signals: /pipelines/:name/signals
//   - Config: /pipelines/:name/config
//   - Topics: /pipelines/:name/topics/:topic
//   - Subscribers: /pipelines/:name/subscribers
//
// Features:
//   - JSON request/response handling
//   - Proper HTTP status codes
//   - Error response formatting
//   - Request validation
//
// Example Usage:
//
//	handlers := http.NewHandlers(supervisor, bridge, handlerRegistry)
//	router.GET("/health", handlers.Health)
//	router.POST("/pipelines/:name/start", handlers.StartPipeline)
package http
