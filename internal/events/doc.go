// Package events provides job lifecycle events and an in-memory emitter.
//
// The batch coordinator emits a JobEvent on every status transition of a job.
// Handlers (logging, the Redis progress cache) subscribe through EventHandler
// without the coordinator knowing which handlers exist. Handler failures are
// logged by the emitter and never affect the job itself.
package events
