// Command admin inspects a courier data directory: the sqlite read-model
// index and the live server's local admin endpoint.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "orders":
			ordersCmd(os.Args[2:])
			return
		case "missions":
			missionsCmd(os.Args[2:])
			return
		case "metrics":
			metricsCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	entries, err := os.ReadDir(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			sub, _ := os.ReadDir(filepath.Join(*dataDir, name))
			fmt.Printf("%s/ (%d files)\n", name, len(sub))
			continue
		}
		info, err := e.Info()
		if err != nil {
			fmt.Println(name)
			continue
		}
		fmt.Printf("%s (%d bytes)\n", name, info.Size())
	}
	fmt.Fprintln(os.Stderr, "subcommands: orders, missions, metrics, state")
}
