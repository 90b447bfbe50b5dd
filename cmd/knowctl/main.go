// knowctl is the operator CLI for the knowledge engine: serve the HTTP
// API, ingest markdown from a directory or object store, query the index,
// and manage pending links and workflows.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
