// Package main provides the terminal dashboard for browsing the alert store.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/zx159753/kernel-audit-system/internal/tui"
)

var version = "dev"

func main() {
	var (
		showVersion bool
		storeDir    string
	)

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&showVersion, "v", false, "Show version and exit (shorthand)")
	flag.StringVar(&storeDir, "store", "/var/lib/auditmon", "Alert store directory to browse")
	flag.StringVar(&storeDir, "s", "/var/lib/auditmon", "Alert store directory to browse (shorthand)")
	flag.Parse()

	if showVersion {
		fmt.Printf("auditmon-tui %s\n", version)
		os.Exit(0)
	}

	fmt.Println("Starting Kernel Audit Monitor dashboard...")
	fmt.Printf("Store: %s\n", storeDir)

	if err := tui.Run(storeDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
