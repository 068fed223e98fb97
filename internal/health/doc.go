// Package health provides composable probes and the HTTP handlers that
// serve them as liveness and readiness endpoints.
//
// Probes combine with [All] (AND), [Any] (OR) and [Fixed] (static).
// [Ping] turns a store connection check into a probe. [ShutdownGate]
// fails readiness as soon as shutdown starts so load balancers stop
// routing new requests while in-flight ones drain.
package health
