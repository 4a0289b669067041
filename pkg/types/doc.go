/*
Package types is the foundation of the parallel runtime's data model.

It defines the identifiers and value types shared by every other package:
WorkerId and WorkerAddress (the master's view of a worker), SpawnTarget and
Redirect (how a worker is launched), and HeartbeatPolicy (how liveness is
tracked). It deliberately does not define WorkerState, ConnectionState, or
TypedFunction — those are user-supplied or generic-typed and live closer to
the packages that own their lifecycle (pkg/registry, pkg/conn).
*/
package types
