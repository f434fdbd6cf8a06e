// Package companion supervises the local analysis process that runs next to
// carelink-core.
//
// The supervisor starts the companion (or adopts one that already answers
// its health check), probes it over HTTP or the gRPC health service, and
// restarts it with exponential backoff when asked. Callers that need the
// companion use Require or Endpoint, which fail fast with
// ErrCompanionUnavailable instead of waiting.
//
// Lifecycle:
//
//	Stopped -> Starting -> Running <-> Degraded
//	                    \-> Failed
//	Stopped, Running, Degraded, Failed -> Restarting -> Running | Failed
//
// The supervisor never touches the database or its lock.
package companion
