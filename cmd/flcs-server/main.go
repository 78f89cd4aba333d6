// Command flcs-server is the FLCS coordinator process entrypoint: a thin
// cobra root command plus a serve subcommand that loads configuration,
// constructs the full component graph, and runs it until signalled.
// Grounded on the teacher's src/cmd/root.go + src/cmd/api_server.go
// cobra shape.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
