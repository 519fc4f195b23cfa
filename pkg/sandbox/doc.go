// Package sandbox evaluates tenant handler source inside an embedded goja
// interpreter with a restricted global scope.
//
// An Executor owns a counted admission gate shared by module evaluation and
// by every request served through a ScriptHandler. Each run is bounded by a
// timeout enforced with runtime interrupts, so tight loops are preempted at the
// interpreter level. This is capability stripping inside one process, not an
// OS isolation boundary.
package sandbox
