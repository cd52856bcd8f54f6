// Package protocol describes how HTTP endpoint groups expose their routes.
package protocol

import "net/http"

type EndpointRoute struct {
	Method  string
	Path    string
	Handler http.Handler
}

// Endpoint is a named group of routes mounted on the server router.
type Endpoint interface {
	Name() string
	Routes() []EndpointRoute
}
