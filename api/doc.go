// Package api holds the wire types of the 3D generation HTTP and WebSocket API.
//
// # API Overview
//
//   - POST /api/3d/generate           multipart image upload, returns the finished task
//   - POST /api/3d/generate-character pose directory under poses.root, multi-view generation
//   - GET  /api/3d/tasks              tasks currently polling
//   - GET  /api/3d/backends           configured backends
//   - GET  /api/3d/history            finished tasks, newest first
//   - POST /api/3d/history/{id}/retry re-run download and storage for a failed task
//   - GET  /ws/3d                     WebSocket progress stream
//   - GET  /health, /healthz, /ready  health probes
//   - GET  /metrics                   Prometheus metrics
//
// # Authentication
//
// When server.api_keys is set, every endpoint except the probes and /metrics
// requires the X-API-Key header:
//
//	X-API-Key: your-api-key
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
package api
