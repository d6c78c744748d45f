// Package jobs is the Invocation Adapter and the lifecycle tracker for Task
// Instances.
//
// Submit turns one Job Request into exactly one launch:
//   - resolve the contract (deployment defaults, caller overrides win)
//   - validate it and dry-run the data identity against its coordinates
//   - record the task as PENDING, launch, then move it to PROVISIONING
//
// Any failure before the record exists is an admission error and nothing is
// created. A platform rejection after the record exists leaves the task FAILED.
//
// Tracker polls the platform for every unreclaimed task and walks the state
// machine forward:
//   - PENDING -> PROVISIONING -> RUNNING -> SUCCEEDED | FAILED -> RECLAIMED
//
// On a terminal outcome it ships the log stream, publishes one completion
// notice and reclaims the execution unit. Nothing is ever retried.
package jobs
