// Command fleetd runs the crawl fleet coordinator.
//
// Run locally with in-memory backends:
//
//	go run ./cmd/fleetd serve
//	go run ./cmd/fleetd enqueue job.yaml
//
// Every config key can be overridden from the environment with the FLEET_
// prefix, for example FLEET_SERVER_PORT or FLEET_STORAGE_BACKEND.
package main

import (
	"context"

	"github.com/JakeFAU/crawl-fleet/cmd"
)

func main() {
	cmd.Execute(context.Background())
}
