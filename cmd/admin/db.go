package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gridcourier/internal/persistence/indexdb"
)

func openIndex(dataDir, dbPath string) *indexdb.SQLiteIndex {
	path := strings.TrimSpace(dbPath)
	if path == "" {
		path = filepath.Join(dataDir, "index.db")
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open index:", err)
		os.Exit(1)
	}
	return idx
}

func ordersCmd(args []string) {
	fs := flag.NewFlagSet("orders", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	epoch := fs.Uint64("epoch", 1, "run epoch")
	_ = fs.Parse(args)

	idx := openIndex(*dataDir, *dbPath)
	defer idx.Close()

	counts, err := idx.OrderStatusCounts(*epoch)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, st)
	}
	sort.Strings(statuses)
	for _, st := range statuses {
		fmt.Printf("%-10s %d\n", st, counts[st])
	}
}

func missionsCmd(args []string) {
	fs := flag.NewFlagSet("missions", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	epoch := fs.Uint64("epoch", 1, "run epoch")
	_ = fs.Parse(args)

	idx := openIndex(*dataDir, *dbPath)
	defer idx.Close()

	states, err := idx.MissionStates(*epoch)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	if len(states) == 0 {
		fmt.Println("no mission events for epoch", *epoch)
		return
	}
	fmt.Println(strings.Join(states, " -> "))
}

func metricsCmd(args []string) {
	fs := flag.NewFlagSet("metrics", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	epoch := fs.Uint64("epoch", 1, "run epoch")
	_ = fs.Parse(args)

	idx := openIndex(*dataDir, *dbPath)
	defer idx.Close()

	m, ok, err := idx.LatestMetrics(*epoch)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Println("no metric samples for epoch", *epoch)
		return
	}
	fmt.Printf("deliveries   %d\n", m.TotalDeliveries)
	fmt.Printf("distance     %d\n", m.TotalDistance)
	fmt.Printf("replans      %d\n", m.ReplanCount)
	fmt.Printf("avg delivery %.2fs\n", m.AvgDeliverySec)
}
