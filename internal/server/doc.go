// Package server provides HTTP server setup and initialization for
// the pipeline service.
//
// This package orchestrates all components:
//   - HTTP routing with Gin framework
//   - Middleware stack (CORS, rate limiting, recovery, metrics)
//   - Handler and pipeline type registries
//   - Supervisor and websocket bridge wiring
//   - Pipeline definition loading
//
// Server Lifecycle:
//  1. Load configuration from environment/flags
//  2. Initialize logger (production or development)
//  3. Register stage handlers and pipeline types
//  4. Load pipeline definitions and register descriptors
//  5. Setup HTTP routes and middleware
//  6. Start HTTP server
//  7. Graceful shutdown on signal: drain HTTP, stop pipelines
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	srv, err := server.New(cfg, logger)
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server
