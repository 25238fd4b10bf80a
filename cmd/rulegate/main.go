// Rulegate is a deployment controller for SIEM detection rule packs.
//
// It ingests versioned rule bundles, diffs them against the live rule set,
// and applies the changes behind guardrails, optionally as a staged canary
// rollout that reverts itself on failure.
//
// Usage:
//
//	# Start the HTTP service (configured from environment variables)
//	rulegate serve
//
//	# Compile-check a bundle without uploading it
//	rulegate lint soc-core.json
//
//	# Show version information
//	rulegate version
package main

func main() {
	Execute()
}
