// Package server wires HTTP handlers into a ServeMux for the chat
// application via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
// metricsHandler is mounted at metricsPath unless either is empty.
func SetupRoutes(hub *Hub, metricsPath string, metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", RootHandler(hub))
	mux.HandleFunc("/ws", WebSocketHandler(hub))
	mux.HandleFunc("/test", TestPageHandler)
	if metricsPath != "" && metricsHandler != nil {
		mux.Handle(metricsPath, metricsHandler)
	}
	return mux
}
