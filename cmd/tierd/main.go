// Command tierd runs one tier of the building control plane (hub, mid or
// cloud) and carries the operator tools around it.
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
