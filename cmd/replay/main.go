// Command replay reads the compressed JSONL event logs written by the
// server and prints them back, optionally filtered. The event logs are
// the source of truth; this tool is how you inspect a past run.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	persistlog "gridcourier/internal/persistence/log"
)

func main() {
	var (
		eventsDir = flag.String("events", "./data/events", "events dir containing events-*.jsonl.zst")
		topic     = flag.String("topic", "", "only print entries whose topic has this prefix")
		epoch     = flag.Uint64("epoch", 0, "only print entries from this epoch (0 = all)")
		fromSeq   = flag.Uint64("from_seq", 0, "start at this bus sequence number")
		toSeq     = flag.Uint64("to_seq", 0, "stop after this bus sequence number (0 = end)")
		summary   = flag.Bool("summary", false, "print per-topic counts instead of entries")
	)
	flag.Parse()

	files, err := listEventFiles(*eventsDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list events:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no events files found in", *eventsDir)
		os.Exit(1)
	}

	counts := map[string]int{}
	var printed, total uint64
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	for _, path := range files {
		stop, err := scanFile(path, func(e persistlog.Entry) bool {
			total++
			if *epoch != 0 && e.Epoch != *epoch {
				return true
			}
			if *topic != "" && !strings.HasPrefix(e.Topic, *topic) {
				return true
			}
			if e.Seq < *fromSeq {
				return true
			}
			if *toSeq != 0 && e.Seq > *toSeq {
				return false
			}
			counts[e.Topic]++
			printed++
			if !*summary {
				fmt.Fprintf(out, "%s seq=%d epoch=%d %s %s\n",
					e.At.Format("15:04:05.000"), e.Seq, e.Epoch, e.Topic, compactJSON(e.Payload))
			}
			return true
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
		if stop {
			break
		}
	}

	if *summary {
		topics := make([]string, 0, len(counts))
		for t := range counts {
			topics = append(topics, t)
		}
		sort.Strings(topics)
		for _, t := range topics {
			fmt.Fprintf(out, "%8d  %s\n", counts[t], t)
		}
	}
	fmt.Fprintf(out, "done: %d matched of %d entries in %d files\n", printed, total, len(files))
}

func listEventFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "events-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// scanFile feeds each entry to fn; fn returning false stops the scan.
func scanFile(path string, fn func(persistlog.Entry) bool) (stopped bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return false, err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for sc.Scan() {
		var e persistlog.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return false, fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if !fn(e) {
			return true, nil
		}
	}
	return false, sc.Err()
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
