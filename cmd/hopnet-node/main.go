// Command hopnet-node runs a source-routed fragment protocol endpoint, a relay
// drone, or a whole simulated network.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
