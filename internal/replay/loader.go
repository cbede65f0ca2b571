package replay

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	"lukechampine.com/blake3"

	"wormy/broker/internal/level"
	"wormy/broker/internal/sim"
)

var (
	// ErrChecksumMismatch signals that the frame log does not match its header.
	ErrChecksumMismatch = errors.New("frame log checksum mismatch")
	// ErrDigestMismatch signals that re-simulation diverged from the recording.
	ErrDigestMismatch = errors.New("state digest mismatch")
)

// FrameRecord is one final frame read back from the frame log.
type FrameRecord struct {
	Epoch    int
	Frame    int
	Digest   uint64
	Commands []sim.Command
}

// Bundle is a fully loaded replay directory.
type Bundle struct {
	Dir      string
	Header   Header
	Manifest Manifest
	Events   []EventRecord
	Frames   []FrameRecord
}

// Load reads a closed bundle and checks the frame log against the header checksum.
func Load(dir string) (*Bundle, error) {
	if dir == "" {
		return nil, fmt.Errorf("replay path must be provided")
	}
	header, err := ReadHeader(filepath.Join(dir, headerName))
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var manifest Manifest
	raw, err := os.ReadFile(filepath.Join(dir, header.FilePointer))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	bundle := &Bundle{Dir: dir, Header: header, Manifest: manifest}
	//1.- Events are newline separated JSON inside a snappy framed stream.
	if bundle.Events, err = readEvents(filepath.Join(dir, manifest.EventsPath)); err != nil {
		return nil, err
	}
	//2.- Frames are verified against the checksum before they are decoded.
	compressed, err := os.ReadFile(filepath.Join(dir, manifest.FramesPath))
	if err != nil {
		return nil, fmt.Errorf("read frames: %w", err)
	}
	sum := blake3.Sum256(compressed)
	if hex.EncodeToString(sum[:]) != header.FramesChecksum {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, manifest.FramesPath)
	}
	if bundle.Frames, err = readFrames(compressed); err != nil {
		return nil, err
	}
	if uint64(len(bundle.Frames)) != header.Frames {
		return nil, fmt.Errorf("header promises %d frames, log holds %d", header.Frames, len(bundle.Frames))
	}
	return bundle, nil
}

func readEvents(path string) ([]EventRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open events: %w", err)
	}
	defer file.Close()

	var events []EventRecord
	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for scanner.Scan() {
		var record EventRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", len(events), err)
		}
		events = append(events, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return events, nil
}

func readFrames(compressed []byte) ([]FrameRecord, error) {
	decoder, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	var (
		frames []FrameRecord
		header [frameRecordHeader]byte
	)
	for {
		if _, err := io.ReadFull(decoder, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return nil, fmt.Errorf("read frame header %d: %w", len(frames), err)
		}
		payload := make([]byte, binary.LittleEndian.Uint32(header[16:20]))
		if _, err := io.ReadFull(decoder, payload); err != nil {
			return nil, fmt.Errorf("read frame payload %d: %w", len(frames), err)
		}
		record := FrameRecord{
			Epoch:  int(binary.LittleEndian.Uint32(header[0:4])),
			Frame:  int(binary.LittleEndian.Uint32(header[4:8])),
			Digest: binary.LittleEndian.Uint64(header[8:16]),
		}
		if err := msgpack.Unmarshal(payload, &record.Commands); err != nil {
			return nil, fmt.Errorf("decode frame %d: %w", record.Frame, err)
		}
		frames = append(frames, record)
	}
}

// Levels returns the level loads of the bundle indexed by epoch.
func (b *Bundle) Levels() (map[int]LevelPayload, error) {
	if b == nil {
		return nil, fmt.Errorf("bundle not loaded")
	}
	levels := make(map[int]LevelPayload)
	for _, event := range b.Events {
		if event.Type != EventLevel {
			continue
		}
		var payload LevelPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode level event of epoch %d: %w", event.Epoch, err)
		}
		levels[event.Epoch] = payload
	}
	return levels, nil
}

// Verify re-simulates every recorded frame from the level loads and checks
// each resulting digest. It returns the number of frames verified.
func Verify(b *Bundle, levels level.Provider) (int, error) {
	bases, err := b.Levels()
	if err != nil {
		return 0, err
	}
	rules := sim.NewRules(b.Header.MoveInterval, nil, nil)
	var (
		state *sim.State
		epoch = -1
	)
	for i, record := range b.Frames {
		//1.- Each epoch restarts from the base recorded with its level load.
		if record.Epoch != epoch {
			payload, ok := bases[record.Epoch]
			if !ok {
				return i, fmt.Errorf("frame %d of epoch %d has no level load", record.Frame, record.Epoch)
			}
			if state, err = sim.Expand(payload.Base, levels); err != nil {
				return i, fmt.Errorf("expand epoch %d: %w", record.Epoch, err)
			}
			epoch = record.Epoch
		}
		if record.Frame != state.Frame {
			return i, fmt.Errorf("epoch %d: expected frame %d, log holds %d", epoch, state.Frame, record.Frame)
		}
		//2.- Apply the frame exactly as the authority folded it.
		rules.Step(state, record.Commands, true)
		if got := state.Digest(); got != record.Digest {
			return i, fmt.Errorf("%w at frame %d: recorded %x, simulated %x", ErrDigestMismatch, record.Frame, record.Digest, got)
		}
	}
	return len(b.Frames), nil
}
