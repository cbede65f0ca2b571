package replaycatalog

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"wormy/broker/internal/replay"
)

// Entry is one closed bundle found under the catalog root.
type Entry struct {
	Dir        string        `json:"dir"`
	HeaderPath string        `json:"header_path"`
	Manifest   string        `json:"manifest"`
	Bytes      int64         `json:"bytes"`
	Header     replay.Header `json:"header"`
}

// List walks root and returns every bundle that carries a header, ordered
// by match id then directory. Bundles still being recorded have no header
// and are skipped.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}

	var entries []Entry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != "header.json" {
			return nil
		}
		header, err := replay.ReadHeader(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		dir := filepath.Dir(path)
		size, err := dirSize(dir)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			Dir:        dir,
			HeaderPath: path,
			Manifest:   filepath.Join(dir, header.FilePointer),
			Bytes:      size,
			Header:     header,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Header.MatchID == entries[j].Header.MatchID {
			return entries[i].Dir < entries[j].Dir
		}
		return entries[i].Header.MatchID < entries[j].Header.MatchID
	})
	return entries, nil
}

func dirSize(dir string) (int64, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		info, err := f.Info()
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

// MarshalEntries produces a stable JSON representation of the entries for CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}
