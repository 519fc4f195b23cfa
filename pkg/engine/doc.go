// Package engine orchestrates tenant handler deployments and serves them.
//
// Architecture:
//
// deployer.go   - Deploy, Rollback, Undeploy, ListDeployments and Restore (the only registry writer)
// registry.go   - RouteRegistry, a copy-on-write map of live handlers behind an atomic pointer
// dispatcher.go - http.Handler that strips {prefix}/{tenant}/{apiID} and forwards to the live handler
//
// A deployment moves through draft (persisted, not yet live) to active
// (compiled, admitted by policy, mounted). Rollbacks append a new version
// carrying older code; history is never rewritten.
package engine
