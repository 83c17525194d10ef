// Package api holds the wire types of the TaskFlow control API.
//
// # API Overview
//
// TaskFlow exposes a REST API for:
//   - Workflow definition CRUD and built-in templates
//   - Submitting, inspecting and cancelling executions
//   - Agent registration and heartbeats
//   - Ad-hoc task dispatch and workflow chains
//   - A WebSocket stream of lifecycle events
//
// # Authentication
//
// When auth is enabled, requests carry either an API key or a bearer JWT:
//
//	X-API-Key: your-api-key
//	Authorization: Bearer <token>
//
// # Envelope
//
// Every JSON response is wrapped in Response. Failures set success=false and
// carry an ErrorInfo whose code is one of the types.ErrorCode values.
package api
