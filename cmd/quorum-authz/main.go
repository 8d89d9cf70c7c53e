// Command quorum-authz compiles and evaluates quorumauthz policy bundles,
// and hosts the health/metrics endpoints for an embedded engine process.
package main

import "github.com/quorumauthz/core/cmd/quorum-authz/cmd"

func main() {
	cmd.Execute()
}
