package main

import (
	"flag"
	"fmt"
	"os"

	"wormy/broker/tools/replay_catalog"
)

func main() {
	root := flag.String("dir", ".", "directory containing replay bundles")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	flag.Parse()

	entries, err := replaycatalog.List(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *jsonFlag {
		payload, err := replaycatalog.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, entry := range entries {
		h := entry.Header
		fmt.Printf("%s (schema %d)\n", entry.Dir, h.SchemaVersion)
		if h.MatchID != "" {
			fmt.Printf("  match: %s\n", h.MatchID)
		}
		fmt.Printf("  seed: %d  move interval: %d  window: %d/%d\n", h.Seed, h.MoveInterval, h.Depth, h.PlayAt)
		fmt.Printf("  levels: %d  frames: %d  size: %d bytes\n", h.Levels, h.Frames, entry.Bytes)
	}
}
