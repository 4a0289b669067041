// Package envvars names the reserved environment variables the parallel
// runtime uses to pass role and parent-contact information to a spawned
// child (spec.md §6). It exists as its own package, rather than constants
// duplicated in pkg/role and pkg/envbuild, because both packages need the
// exact same names and reserving them in one place is what lets
// pkg/envbuild detect a collision with user-supplied extra variables.
package envvars

const (
	// Role is absent for a master, present (set to the worker id) for a worker.
	Role = "PARALLEL_ROLE"
	// ParentAddr is the host:port of the parent's reverse-handshake listener.
	ParentAddr = "PARALLEL_PARENT_ADDR"
	// ParentCookie is an opaque token echoed back on handshake.
	ParentCookie = "PARALLEL_PARENT_COOKIE"
)

// Reserved lists every environment variable name this module assigns
// meaning to. pkg/envbuild refuses to let caller-supplied "extra"
// variables override any of these (spec.md §4.2, ReservedEnvKey).
var Reserved = map[string]bool{
	Role:         true,
	ParentAddr:   true,
	ParentCookie: true,
}
