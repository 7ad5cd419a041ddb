// Command chunkctl splits a CSV file into chunks and uploads it to the ingest
// service.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
