// Package server implements the chat service: the Hub that owns shared
// session state, the per-connection session state machine, and the HTTP
// surface that upgrades requests to WebSocket sessions.
//
// The implementation is organized into specialized files for configuration,
// hub management, sessions, routing, metrics, and HTTP handlers.
package server
