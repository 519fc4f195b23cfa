// Package policy evaluates the deployment admission policy with an embedded
// Open Policy Agent engine.
//
// Every deploy and rollback is described to a Rego module as an Input; the
// module answers with an allow or block Decision. The embedded default module
// can be replaced by a file on disk, which is hot-reloaded when watched. Engines
// are swapped atomically so in-flight evaluations always see a consistent
// module set.
package policy
