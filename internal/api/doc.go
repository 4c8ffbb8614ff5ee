// Package api exposes the batch job engine over HTTP. Handlers decode and
// check requests, call the coordinator or the query service, and map engine
// errors to status codes without leaking internal details to clients.
package api
