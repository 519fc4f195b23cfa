// Package domain defines the core types and errors of the deployment engine.
//
// This package has ZERO dependencies outside the Go standard library. The
// validator, sandbox, compiler, storage and engine packages all speak in terms
// of the types declared here, and the dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
//
// The persisted unit is a RouteEntry (source submission plus metadata). A
// Deployment is never stored; it is projected from RouteEntry metadata and the
// live registry state.
package domain
