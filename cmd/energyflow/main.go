// Command energyflow runs one component of the energy telemetry pipeline.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
