// Package ws provides the WebSocket surface for live pipeline
// observation.
//
// Clients subscribe to one pipeline's update feed, optionally narrowed
// to a single topic's record stream. The connection is one-way after
// the upgrade: the server pushes JSON messages and the client only
// needs to keep reading.
//
// Endpoints:
//   - /ws/pipeline/:name: status, config, lifecycle, and notification
//     messages for one pipeline
//   - /ws/pipeline/:name/topic/:topic: the above plus the topic's
//     records (retained history first, then live)
//
// Message Types (Server → Client):
//   - connection_status: subscription confirmed
//   - status_update: worker phase or state changed
//   - config_update: configuration change applied
//   - lifecycle_event: started, stopped, or crashed
//   - notification: worker warnings and errors
//   - record: one topic record with its sequence id
//
// Subscribing to an unregistered pipeline closes the connection with
// code 4004; an undeclared topic closes with 4005.
//
// Example Usage:
//
//	handler := ws.NewHandler(bridge, logger)
//	router.GET("/ws/pipeline/:name", handler.HandlePipeline)
//	router.GET("/ws/pipeline/:name/topic/:topic", handler.HandleTopic)
package ws
