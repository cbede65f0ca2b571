package replayplayer

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"wormy/broker/internal/level"
	"wormy/broker/internal/replay"
)

// Epoch summarises the frames recorded between two level loads.
type Epoch struct {
	Epoch      int            `json:"epoch"`
	Level      int            `json:"level"`
	FirstFrame int            `json:"first_frame"`
	LastFrame  int            `json:"last_frame"`
	Frames     int            `json:"frames"`
	Commands   map[string]int `json:"commands"`
	Digest     string         `json:"final_digest"`
}

// Report is the inspection result for one bundle.
type Report struct {
	Dir         string               `json:"dir"`
	Header      replay.Header        `json:"header"`
	Events      []replay.EventRecord `json:"events"`
	Epochs      []Epoch              `json:"epochs"`
	Verified    int                  `json:"verified"`
	VerifyError string               `json:"verify_error,omitempty"`
}

// ReplayBundle loads a closed bundle, groups its frames per level and, when
// verify is set, re-simulates them against the recorded digests. A digest
// mismatch is reported in the result rather than returned.
func ReplayBundle(path string, verify bool) (*Report, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	//1.- Accept either the bundle directory or any file inside it.
	dir := path
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		dir = filepath.Dir(path)
	}
	bundle, err := replay.Load(dir)
	if err != nil {
		return nil, err
	}
	levels, err := bundle.Levels()
	if err != nil {
		return nil, err
	}

	//2.- Frames are stored in order, so each epoch is one contiguous run.
	report := &Report{Dir: dir, Header: bundle.Header, Events: bundle.Events}
	for _, record := range bundle.Frames {
		n := len(report.Epochs)
		if n == 0 || report.Epochs[n-1].Epoch != record.Epoch {
			report.Epochs = append(report.Epochs, Epoch{
				Epoch:      record.Epoch,
				Level:      levels[record.Epoch].Level,
				FirstFrame: record.Frame,
				Commands:   make(map[string]int),
			})
			n++
		}
		epoch := &report.Epochs[n-1]
		epoch.LastFrame = record.Frame
		epoch.Frames++
		epoch.Digest = strconv.FormatUint(record.Digest, 16)
		for _, cmd := range record.Commands {
			epoch.Commands[string(cmd.Kind)]++
		}
	}

	//3.- Re-simulation proves the recording reproduces the authority.
	if verify {
		verified, err := replay.Verify(bundle, level.Standard)
		report.Verified = verified
		if err != nil {
			report.VerifyError = err.Error()
		}
	}
	return report, nil
}
