// Package jobs runs processing jobs end to end inside ephemeral execution
// environments.
//
// States:
//   - CREATED -> SCHEDULED -> STARTED -> RUNNING
//   - any stage -> FINISHED | REVOKED | FAILURE
//
// Stage updates that arrive late or twice are ignored. Once an outcome is
// recorded the status never changes again.
//
// Pipeline (Run):
//   - mark RUNNING, create the results directory and attach the job log
//   - provision the environment, wait for its address and for ssh
//   - run the checkout, introspection, tools and script commands over ssh
//   - destroy the environment and harvest result files (always)
//   - commit the harvested files and mark FINISHED (success only)
//
// Revocation and failure handlers share the cleanup contract with the
// pipeline. Cleanup of one job is serialised and idempotent, so the
// pipeline and a concurrent revocation may both run it.
package jobs
